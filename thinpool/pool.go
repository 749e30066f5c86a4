// Package thinpool manages device-mapper thin pools, the volumes and
// copy-on-write snapshots carved from them, and the device-ID namespace
// shared by both.
//
// A Pool owns exactly two backing store devices (metadata and data) and a
// per-pool IDAllocator. All mutation of a pool's namespace flows through the
// Pool: volumes and snapshots delegate their control messages to it, and the
// pool serializes those messages because the control layer accepts one
// message at a time per addressable name. Operations against different pools
// are independent.
//
// Construction failures compensate before surfacing: a pool that fails to
// come up releases both backing devices, and a volume whose activation fails
// after its create message succeeded gets a best-effort delete message and
// its ID released. Teardown failures are never compensated automatically;
// they surface as retryable InUse errors and the caller decides.
package thinpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmthin/blockdev"
	"github.com/superfly/dmthin/cmdrun"
	"github.com/superfly/dmthin/metadata"
)

const (
	// DefaultMetadataSizeBytes sizes the metadata backing device (100MB).
	DefaultMetadataSizeBytes = 100 * 1024 * 1024
	// DefaultDataSizeBytes sizes the data backing device (1GB).
	DefaultDataSizeBytes = 1024 * 1024 * 1024
	// DefaultBlockSizeSectors is the data block size in 512-byte sectors
	// (2048 sectors = 1MiB blocks).
	DefaultBlockSizeSectors = 2048

	// CapacityThreshold is the data-usage percentage above which new
	// volumes and snapshots are refused. Conservative headroom for CoW.
	CapacityThreshold = 70.0

	devMapperDir = "/dev/mapper"
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// CreateConfig describes a pool to create.
type CreateConfig struct {
	// Name is the pool's addressable identity.
	Name string
	// Dir is the directory where backing files are placed.
	Dir string
	// MetadataSizeBytes is the metadata device size.
	MetadataSizeBytes int64
	// DataSizeBytes is the data device size.
	DataSizeBytes int64
	// BlockSizeSectors is the data block size in 512-byte sectors.
	BlockSizeSectors int64
}

// DefaultCreateConfig returns the default pool configuration.
func DefaultCreateConfig(name, dir string) CreateConfig {
	return CreateConfig{
		Name:              name,
		Dir:               dir,
		MetadataSizeBytes: DefaultMetadataSizeBytes,
		DataSizeBytes:     DefaultDataSizeBytes,
		BlockSizeSectors:  DefaultBlockSizeSectors,
	}
}

// Pool is an active thin pool.
type Pool struct {
	name             string
	meta             *blockdev.Device
	data             *blockdev.Device
	blockSizeSectors int64
	alloc            *IDAllocator

	mu      sync.Mutex
	volumes map[string]*Volume
	removed bool

	runner cmdrun.Runner
	logger logrus.FieldLogger
}

// Create brings up a new thin pool: it allocates the metadata and data
// backing devices, initializes empty pool metadata, and issues the
// pool-construction control call.
//
// On any failure after the backing devices were bound, both are released
// (best-effort, attempted once) before the error propagates; partial pools
// are never left bound.
func Create(ctx context.Context, runner cmdrun.Runner, logger logrus.FieldLogger, cfg CreateConfig) (*Pool, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := validateName("pool name", cfg.Name); err != nil {
		return nil, err
	}
	if cfg.BlockSizeSectors <= 0 {
		return nil, &ConstructionError{Name: cfg.Name, Reason: fmt.Sprintf("block size must be positive: %d sectors", cfg.BlockSizeSectors)}
	}

	log := logger.WithFields(logrus.Fields{
		"pool":               cfg.Name,
		"metadata_size":      cfg.MetadataSizeBytes,
		"data_size":          cfg.DataSizeBytes,
		"block_size_sectors": cfg.BlockSizeSectors,
	})
	log.Info("creating thin pool")

	metaFile := filepath.Join(cfg.Dir, cfg.Name+"-metadata.img")
	dataFile := filepath.Join(cfg.Dir, cfg.Name+"-data.img")

	meta, err := blockdev.Create(ctx, runner, logger, metaFile, cfg.MetadataSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata device: %w", err)
	}

	data, err := blockdev.Create(ctx, runner, logger, dataFile, cfg.DataSizeBytes)
	if err != nil {
		releaseQuietly(ctx, log, meta)
		return nil, fmt.Errorf("failed to create data device: %w", err)
	}

	// The metadata device must hold a valid empty pool structure before the
	// pool control structure exists.
	init := metadata.NewInitializer(runner, logger)
	if err := init.InitializeEmptyPool(ctx, meta.Path(), cfg.DataSizeBytes, cfg.BlockSizeSectors); err != nil {
		releaseQuietly(ctx, log, data)
		releaseQuietly(ctx, log, meta)
		return nil, fmt.Errorf("failed to initialize pool metadata: %w", err)
	}

	dataSectors, err := deviceSizeSectors(ctx, runner, data.Path())
	if err != nil {
		releaseQuietly(ctx, log, data)
		releaseQuietly(ctx, log, meta)
		return nil, &ConstructionError{Name: cfg.Name, Reason: fmt.Sprintf("data device size query failed: %v", err)}
	}

	table := fmt.Sprintf("0 %d thin-pool %s %s %d 0 1 skip_block_zeroing",
		dataSectors, meta.Path(), data.Path(), cfg.BlockSizeSectors)
	if output, err := runner.CombinedOutput(ctx, "dmsetup", "create", cfg.Name, "--table", table, "--verifyudev"); err != nil {
		releaseQuietly(ctx, log, data)
		releaseQuietly(ctx, log, meta)
		return nil, &ConstructionError{Name: cfg.Name, Reason: fmt.Sprintf("%v (output: %s)", err, output)}
	}

	log.WithFields(logrus.Fields{
		"metadata_device": meta.Path(),
		"data_device":     data.Path(),
	}).Info("thin pool created")

	return &Pool{
		name:             cfg.Name,
		meta:             meta,
		data:             data,
		blockSizeSectors: cfg.BlockSizeSectors,
		alloc:            NewIDAllocator(),
		volumes:          make(map[string]*Volume),
		runner:           runner,
		logger:           logger.WithField("pool", cfg.Name),
	}, nil
}

// AdoptConfig describes an existing pool device to reattach to.
type AdoptConfig struct {
	Name             string
	MetadataDevice   *blockdev.Device
	DataDevice       *blockdev.Device
	BlockSizeSectors int64
	// LiveDeviceIDs seeds the allocator with the IDs currently in use; the
	// next issued ID is one past the highest of these.
	LiveDeviceIDs []uint32
}

// Adopt reattaches to a pool device that outlived the process that created
// it. No control calls are issued.
func Adopt(runner cmdrun.Runner, logger logrus.FieldLogger, cfg AdoptConfig) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pool{
		name:             cfg.Name,
		meta:             cfg.MetadataDevice,
		data:             cfg.DataDevice,
		blockSizeSectors: cfg.BlockSizeSectors,
		alloc:            NewIDAllocatorAt(0, cfg.LiveDeviceIDs),
		volumes:          make(map[string]*Volume),
		runner:           runner,
		logger:           logger.WithField("pool", cfg.Name),
	}
}

// Name returns the pool's addressable identity.
func (p *Pool) Name() string { return p.name }

// Path returns the pool's device node.
func (p *Pool) Path() string { return filepath.Join(devMapperDir, p.name) }

// MetadataDevice returns the owned metadata backing device.
func (p *Pool) MetadataDevice() *blockdev.Device { return p.meta }

// DataDevice returns the owned data backing device.
func (p *Pool) DataDevice() *blockdev.Device { return p.data }

// BlockSizeSectors returns the data block size in sectors.
func (p *Pool) BlockSizeSectors() int64 { return p.blockSizeSectors }

// Removed reports whether the pool control structure has been torn down.
func (p *Pool) Removed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed
}

// Volume looks up a live volume by name.
func (p *Pool) Volume(name string) (*Volume, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.volumes[name]
	return v, ok
}

// LiveVolumes returns the names of the pool's live volumes.
func (p *Pool) LiveVolumes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.volumes))
	for name := range p.volumes {
		names = append(names, name)
	}
	return names
}

// CreateVolume carves a new base volume out of the pool.
//
// If the volume-construction call fails after the create_thin message
// already succeeded, a best-effort delete message is sent for the new ID and
// the ID is released back to the allocator, so no live ID is leaked without
// a corresponding addressable device.
func (p *Pool) CreateVolume(ctx context.Context, name string, virtualSizeBytes int64) (*Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkMutableLocked(name, virtualSizeBytes); err != nil {
		return nil, err
	}
	if err := p.checkCapacityLocked(ctx); err != nil {
		return nil, err
	}

	id := p.alloc.Allocate()
	logger := p.logger.WithFields(logrus.Fields{
		"volume":     name,
		"device_id":  id,
		"size_bytes": virtualSizeBytes,
	})
	logger.Info("creating thin volume")

	if output, err := p.runner.CombinedOutput(ctx, "dmsetup", "message", p.name, "0", fmt.Sprintf("create_thin %d", id)); err != nil {
		p.alloc.Release(id)
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": string(output),
		}).Error("create_thin message rejected")
		return nil, fmt.Errorf("failed to create thin volume %q: %w (output: %s)", name, err, output)
	}

	if err := p.activateDeviceLocked(ctx, logger, name, id, virtualSizeBytes); err != nil {
		p.compensateCreateLocked(ctx, logger, id)
		return nil, err
	}

	v := &Volume{
		name:             name,
		deviceID:         id,
		virtualSizeBytes: virtualSizeBytes,
		pool:             p,
		logger:           logger,
	}
	p.volumes[name] = v
	logger.Info("thin volume created")
	return v, nil
}

// CreateSnapshot creates a copy-on-write snapshot of origin. The snapshot's
// virtual size is copied from the origin at this moment; it shares
// unmodified blocks with the origin until either side writes. Snapshotting a
// snapshot is allowed.
//
// The origin must remain valid for the duration of the call; callers
// serialize snapshotting against concurrent removal of the origin.
func (p *Pool) CreateSnapshot(ctx context.Context, origin *Volume, name string) (*Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if origin == nil || origin.pool != p {
		return nil, fmt.Errorf("origin volume does not belong to pool %q", p.name)
	}
	if origin.isRemoved() {
		return nil, fmt.Errorf("origin volume %q has been removed", origin.name)
	}
	if err := p.checkMutableLocked(name, origin.virtualSizeBytes); err != nil {
		return nil, err
	}
	if err := p.checkCapacityLocked(ctx); err != nil {
		return nil, err
	}

	originID := origin.deviceID
	id := p.alloc.Allocate()
	logger := p.logger.WithFields(logrus.Fields{
		"snapshot":  name,
		"device_id": id,
		"origin":    origin.name,
		"origin_id": originID,
	})
	logger.Info("creating snapshot")

	// An active origin must be suspended around the snapshot message to
	// avoid corrupting in-flight writes; an inactive one needs nothing.
	originActive := false
	if _, err := os.Stat(origin.Path()); err == nil {
		originActive = true
		if output, err := p.runner.CombinedOutput(ctx, "dmsetup", "suspend", origin.name); err != nil {
			logger.WithFields(logrus.Fields{
				"error":  err.Error(),
				"output": string(output),
			}).Warn("could not suspend origin, attempting snapshot anyway")
		}
	}

	output, msgErr := p.runner.CombinedOutput(ctx, "dmsetup", "message", p.name, "0", fmt.Sprintf("create_snap %d %d", id, originID))

	if originActive {
		if output, err := p.runner.CombinedOutput(ctx, "dmsetup", "resume", origin.name); err != nil {
			logger.WithFields(logrus.Fields{
				"error":  err.Error(),
				"output": string(output),
			}).Warn("failed to resume origin after snapshot")
		}
	}

	if msgErr != nil {
		p.alloc.Release(id)
		logger.WithFields(logrus.Fields{
			"error":  msgErr.Error(),
			"output": string(output),
		}).Error("create_snap message rejected")
		return nil, fmt.Errorf("failed to create snapshot %q of %q: %w (output: %s)", name, origin.name, msgErr, output)
	}

	if err := p.activateDeviceLocked(ctx, logger, name, id, origin.virtualSizeBytes); err != nil {
		p.compensateCreateLocked(ctx, logger, id)
		return nil, err
	}

	v := &Volume{
		name:             name,
		deviceID:         id,
		originID:         &originID,
		virtualSizeBytes: origin.virtualSizeBytes,
		pool:             p,
		logger:           logger,
	}
	p.volumes[name] = v
	logger.Info("snapshot created")
	return v, nil
}

// AdoptVolume registers a handle for a volume that already exists in the
// pool, without issuing control calls. Used when reattaching to adopted
// pools; the caller vouches for the device ID and size, typically from the
// persistent registry.
func (p *Pool) AdoptVolume(name string, deviceID uint32, originID *uint32, virtualSizeBytes int64) (*Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.removed {
		return nil, fmt.Errorf("pool %q has been removed", p.name)
	}
	if _, exists := p.volumes[name]; exists {
		return nil, fmt.Errorf("volume %q already exists in pool %q", name, p.name)
	}

	v := &Volume{
		name:             name,
		deviceID:         deviceID,
		originID:         originID,
		virtualSizeBytes: virtualSizeBytes,
		pool:             p,
		logger: p.logger.WithFields(logrus.Fields{
			"volume":    name,
			"device_id": deviceID,
		}),
	}
	p.volumes[name] = v
	return v, nil
}

// Remove issues the pool-teardown control call. It is idempotent; a second
// call after success is a no-op. The owned backing devices are NOT released
// here: that happens only after removal succeeds, under the lifecycle
// coordinator's ordering.
func (p *Pool) Remove(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.removed {
		return nil
	}

	p.logger.Info("removing thin pool")
	output, err := p.runner.CombinedOutput(ctx, "dmsetup", "remove", p.name)
	if err != nil {
		outputStr := string(output)
		switch {
		case isNotFound(outputStr):
			p.logger.Warn("pool device not found, already removed")
		case isBusy(outputStr):
			// Dependents still attached; pool state is untouched and the
			// caller retries after removing them.
			return &InUseError{Name: p.name}
		default:
			return &TeardownError{Name: p.name, Reason: fmt.Sprintf("%v (output: %s)", err, outputStr)}
		}
	}

	p.removed = true
	p.logger.Info("thin pool removed")
	return nil
}

// Status returns the pool's utilization/state line as reported by the
// control layer, opaquely. Callers who need structure use ParsedStatus.
func (p *Pool) Status(ctx context.Context) (string, error) {
	output, err := p.runner.CombinedOutput(ctx, "dmsetup", "status", p.name)
	if err != nil {
		return "", fmt.Errorf("failed to get pool status: %w (output: %s)", err, output)
	}
	return string(output), nil
}

// checkMutableLocked gates volume/snapshot creation on pool state and
// argument validity.
func (p *Pool) checkMutableLocked(name string, sizeBytes int64) error {
	if p.removed {
		return fmt.Errorf("pool %q has been removed", p.name)
	}
	if err := validateName("volume name", name); err != nil {
		return err
	}
	if sizeBytes <= 0 {
		return fmt.Errorf("virtual size must be positive: %d", sizeBytes)
	}
	if _, exists := p.volumes[name]; exists {
		return fmt.Errorf("volume %q already exists in pool %q", name, p.name)
	}
	return nil
}

// checkCapacityLocked refuses new volumes when data usage is above the
// threshold. If status cannot be read the check is skipped; the control
// layer remains the authority.
func (p *Pool) checkCapacityLocked(ctx context.Context) error {
	status, err := p.ParsedStatus(ctx)
	if err != nil || status == nil || status.TotalDataBlocks == 0 {
		return nil
	}
	usedPercent := float64(status.UsedDataBlocks) / float64(status.TotalDataBlocks) * 100.0
	if usedPercent >= CapacityThreshold {
		p.logger.WithFields(logrus.Fields{
			"used_percent": usedPercent,
			"threshold":    CapacityThreshold,
		}).Error("pool capacity threshold exceeded, refusing operation")
		return &FullError{Name: p.name, UsedPercent: usedPercent, Threshold: CapacityThreshold}
	}
	return nil
}

// activateDeviceLocked issues the volume-construction control call binding
// device id under the given name.
func (p *Pool) activateDeviceLocked(ctx context.Context, logger logrus.FieldLogger, name string, id uint32, virtualSizeBytes int64) error {
	sectors := virtualSizeBytes / metadata.SectorSize
	table := fmt.Sprintf("0 %d thin %s %d", sectors, p.Path(), id)
	if output, err := p.runner.CombinedOutput(ctx, "dmsetup", "create", name, "--table", table, "--verifyudev"); err != nil {
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": string(output),
		}).Error("failed to activate device")
		return fmt.Errorf("failed to activate device %q: %w (output: %s)", name, err, output)
	}
	return nil
}

// compensateCreateLocked unwinds a create_thin/create_snap message whose
// follow-up activation failed: best-effort delete message, then the ID goes
// back to the allocator so it is not leaked as live without a device.
func (p *Pool) compensateCreateLocked(ctx context.Context, logger logrus.FieldLogger, id uint32) {
	if output, err := p.runner.CombinedOutput(ctx, "dmsetup", "message", p.name, "0", fmt.Sprintf("delete %d", id)); err != nil {
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": string(output),
		}).Warn("compensating delete message failed; pool bookkeeping entry will need gc")
	}
	p.alloc.Release(id)
}

// ReleaseOrphan retries the bookkeeping delete for a device ID whose node
// is already gone. Used by gc to reconcile orphaned entries.
func (p *Pool) ReleaseOrphan(ctx context.Context, id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.removed {
		return fmt.Errorf("pool %q has been removed", p.name)
	}
	if output, err := p.runner.CombinedOutput(ctx, "dmsetup", "message", p.name, "0", fmt.Sprintf("delete %d", id)); err != nil {
		return fmt.Errorf("failed to delete device %d from pool %q: %w (output: %s)", id, p.name, err, output)
	}
	p.alloc.Release(id)
	p.logger.WithField("device_id", id).Info("orphaned bookkeeping entry reclaimed")
	return nil
}

// removeVolume tears down one volume on behalf of its handle. See
// Volume.Remove for the contract.
func (p *Pool) removeVolume(ctx context.Context, v *Volume) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.isRemoved() {
		return nil
	}

	logger := v.logger
	logger.Info("removing thin volume")

	output, err := p.runner.CombinedOutput(ctx, "dmsetup", "remove", v.name)
	if err != nil {
		outputStr := string(output)
		if !isNotFound(outputStr) {
			// Node still attached/open: the volume stays live, the ID is
			// not released, and the caller retries.
			logger.WithFields(logrus.Fields{
				"error":  err.Error(),
				"output": outputStr,
			}).Error("device node removal refused")
			return &VolumeInUseError{Name: v.name}
		}
		logger.Warn("device node not found, already removed")
	}

	// The node is gone. A delete-message failure from here on is non-fatal:
	// losing the externally visible device takes priority over perfect
	// pool bookkeeping, and the orphaned entry is reconciled by gc.
	if output, err := p.runner.CombinedOutput(ctx, "dmsetup", "message", p.name, "0", fmt.Sprintf("delete %d", v.deviceID)); err != nil {
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": string(output),
		}).Warn("delete message failed; pool bookkeeping entry orphaned")
		v.markOrphaned()
	}

	p.alloc.Release(v.deviceID)
	delete(p.volumes, v.name)
	v.markRemoved()
	logger.Info("thin volume removed")
	return nil
}

func releaseQuietly(ctx context.Context, logger logrus.FieldLogger, d *blockdev.Device) {
	if err := d.Release(ctx); err != nil {
		logger.WithError(err).Warn("best-effort device release during compensation failed")
	}
}

func deviceSizeSectors(ctx context.Context, runner cmdrun.Runner, devicePath string) (int64, error) {
	output, err := runner.Output(ctx, "blockdev", "--getsz", devicePath)
	if err != nil {
		return 0, fmt.Errorf("blockdev --getsz failed: %w", err)
	}
	var sectors int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%d", &sectors); err != nil {
		return 0, fmt.Errorf("unparseable sector count %q: %w", strings.TrimSpace(string(output)), err)
	}
	return sectors, nil
}

func validateName(what, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", what)
	}
	if len(name) > 255 {
		return fmt.Errorf("%s too long: %d characters (max 255)", what, len(name))
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%s contains invalid characters: %s", what, name)
	}
	return nil
}

func isNotFound(output string) bool {
	return strings.Contains(output, "not found") || strings.Contains(output, "No such") ||
		strings.Contains(output, "Device does not exist")
}

func isBusy(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "busy") || strings.Contains(lower, "still in use") ||
		strings.Contains(lower, "in use")
}
