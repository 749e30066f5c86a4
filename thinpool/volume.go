package thinpool

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Volume is an addressable thin device carved out of a pool. It may be a
// base volume (OriginID reports false) or a copy-on-write snapshot of
// another volume.
//
// A Volume holds a device identifier in its pool's namespace for its entire
// live lifetime. Removal hands the identifier back to the pool's allocator,
// which will never reissue it.
type Volume struct {
	name             string
	deviceID         uint32
	originID         *uint32
	virtualSizeBytes int64

	mu       sync.Mutex
	removed  bool
	orphaned bool

	pool   *Pool
	logger logrus.FieldLogger
}

// Name returns the volume's addressable identity.
func (v *Volume) Name() string { return v.name }

// Path returns the volume's device node.
func (v *Volume) Path() string { return filepath.Join(devMapperDir, v.name) }

// DeviceID returns the volume's identifier within the pool namespace.
func (v *Volume) DeviceID() uint32 { return v.deviceID }

// OriginID returns the device identifier this volume was snapshotted from,
// and whether it is a snapshot at all.
func (v *Volume) OriginID() (uint32, bool) {
	if v.originID == nil {
		return 0, false
	}
	return *v.originID, true
}

// Size returns the volume's virtual size in bytes. For a snapshot this is
// the origin's size at snapshot time.
func (v *Volume) Size() int64 { return v.virtualSizeBytes }

// Pool returns the pool this volume belongs to.
func (v *Volume) Pool() *Pool { return v.pool }

// Removed reports whether the volume has been torn down.
func (v *Volume) Removed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removed
}

// Orphaned reports whether the device node was removed but the pool's
// internal bookkeeping entry could not be deleted. Orphaned entries hold
// pool space until gc reconciles them.
func (v *Volume) Orphaned() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.orphaned
}

// Remove tears the volume down: the device node is removed first, then the
// pool's bookkeeping entry is deleted and the device ID released.
//
// It is idempotent; the second call after success is a no-op. If the node is
// still attached or open the call fails with *VolumeInUseError, nothing is
// mutated, and retry is expected. A bookkeeping delete that fails after the
// node is gone does NOT fail the call: the volume is marked orphaned and the
// entry is left for gc.
func (v *Volume) Remove(ctx context.Context) error {
	return v.pool.removeVolume(ctx, v)
}

func (v *Volume) isRemoved() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removed
}

func (v *Volume) markRemoved() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed = true
}

func (v *Volume) markOrphaned() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orphaned = true
}
