// Package blockdev presents sparse files as raw block devices.
//
// A Device is a loop device bound to a sparse backing file. It is the
// foundation every higher layer depends on: thin pools put their metadata
// and data on these devices. Construction verifies that the kernel reports
// exactly the requested size; anything else is a fatal construction error
// and the half-bound device is detached before the error is returned.
//
// Devices occupy entries in the kernel's loop-device namespace, which is not
// reclaimed on process exit. Callers must guarantee Release runs on every
// exit path; see the lifecycle package for the ordered-cleanup mechanism.
package blockdev

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmthin/cmdrun"
)

// Device is a sparse backing file bound to a loop device.
type Device struct {
	backingFile string
	devicePath  string
	sizeBytes   int64

	mu       sync.Mutex
	released bool

	runner cmdrun.Runner
	logger logrus.FieldLogger
}

// Create allocates a sparse file at backingFile, grows it to sizeBytes,
// binds it to a free loop device and verifies the bound device reports
// exactly sizeBytes.
//
// Failure modes map to the construction error taxonomy:
//   - *AllocationError: file creation or fallocate failed
//   - *NoFreeSlotError: no loop-device slot available
//   - *BindError: binding or the post-bind size query failed
//   - *SizeMismatchError: the bound device reports a different size; the
//     device is unbound before the error is returned so no wrong-sized
//     device leaks
func Create(ctx context.Context, runner cmdrun.Runner, logger logrus.FieldLogger, backingFile string, sizeBytes int64) (*Device, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sizeBytes <= 0 {
		return nil, &AllocationError{Path: backingFile, Reason: fmt.Sprintf("size must be positive: %d", sizeBytes)}
	}

	log := logger.WithFields(logrus.Fields{
		"backing_file": backingFile,
		"size_bytes":   sizeBytes,
	})
	log.Info("creating backing store device")

	// Stale file from a previous run would make fallocate extend the wrong
	// content; start fresh.
	os.Remove(backingFile)

	f, err := os.Create(backingFile)
	if err != nil {
		return nil, &AllocationError{Path: backingFile, Reason: fmt.Sprintf("create backing file: %v", err)}
	}
	f.Close()

	if output, err := runner.CombinedOutput(ctx, "fallocate", "-l", strconv.FormatInt(sizeBytes, 10), backingFile); err != nil {
		os.Remove(backingFile)
		return nil, &AllocationError{Path: backingFile, Reason: fmt.Sprintf("fallocate failed: %v (output: %s)", err, output)}
	}

	// Find a free slot first, then bind explicitly. Using -f --show would
	// collapse the two steps but loses the distinction between "no slot"
	// and "bind rejected".
	slotOut, err := runner.Output(ctx, "losetup", "-f")
	if err != nil {
		os.Remove(backingFile)
		return nil, &NoFreeSlotError{}
	}
	devicePath := strings.TrimSpace(string(slotOut))
	if devicePath == "" {
		os.Remove(backingFile)
		return nil, &NoFreeSlotError{}
	}

	if output, err := runner.CombinedOutput(ctx, "losetup", devicePath, backingFile); err != nil {
		os.Remove(backingFile)
		return nil, &BindError{Device: devicePath, BackingFile: backingFile, Reason: fmt.Sprintf("%v (output: %s)", err, output)}
	}

	d := &Device{
		backingFile: backingFile,
		devicePath:  devicePath,
		sizeBytes:   sizeBytes,
		runner:      runner,
		logger:      logger.WithField("device", devicePath),
	}

	sizeOut, err := runner.Output(ctx, "blockdev", "--getsize64", devicePath)
	if err != nil {
		d.unbindOnce(ctx)
		return nil, &BindError{Device: devicePath, BackingFile: backingFile, Reason: fmt.Sprintf("size query failed: %v", err)}
	}
	reported, err := strconv.ParseInt(strings.TrimSpace(string(sizeOut)), 10, 64)
	if err != nil {
		d.unbindOnce(ctx)
		return nil, &BindError{Device: devicePath, BackingFile: backingFile, Reason: fmt.Sprintf("unparseable size %q: %v", strings.TrimSpace(string(sizeOut)), err)}
	}

	if reported != sizeBytes {
		// Unbind before surfacing the mismatch; a bound-but-wrong device
		// must not leak.
		d.unbindOnce(ctx)
		return nil, &SizeMismatchError{Device: devicePath, RequestedBytes: sizeBytes, ReportedBytes: reported}
	}

	d.logger.WithField("backing_file", backingFile).Info("backing store device bound")
	return d, nil
}

// Adopt constructs a handle for an already-bound device without side
// effects. It is used when reattaching to pools that outlived the process
// that created them; the caller vouches that devicePath is bound to
// backingFile at sizeBytes.
func Adopt(runner cmdrun.Runner, logger logrus.FieldLogger, backingFile, devicePath string, sizeBytes int64) *Device {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Device{
		backingFile: backingFile,
		devicePath:  devicePath,
		sizeBytes:   sizeBytes,
		runner:      runner,
		logger:      logger.WithField("device", devicePath),
	}
}

// Path returns the bound block-device path.
func (d *Device) Path() string {
	return d.devicePath
}

// BackingFile returns the path of the sparse backing file.
func (d *Device) BackingFile() string {
	return d.backingFile
}

// Size returns the device size in bytes as verified at creation.
func (d *Device) Size() int64 {
	return d.sizeBytes
}

// Released reports whether Release has already run.
func (d *Device) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// Release detaches the loop device. It is idempotent: the second call is a
// no-op. If detaching fails the error is surfaced but the device is still
// marked released, so automatic cleanup never loops retrying a detach the
// kernel keeps refusing.
func (d *Device) Release(ctx context.Context) error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	d.mu.Unlock()

	d.logger.Info("releasing backing store device")
	if output, err := d.runner.CombinedOutput(ctx, "losetup", "-d", d.devicePath); err != nil {
		d.logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": string(output),
		}).Error("failed to detach loop device")
		return fmt.Errorf("failed to detach %s: %w (output: %s)", d.devicePath, err, output)
	}

	d.logger.Info("backing store device released")
	return nil
}

// unbindOnce is the best-effort compensation detach used during failed
// construction. It is attempted once and its error intentionally dropped.
func (d *Device) unbindOnce(ctx context.Context) {
	if output, err := d.runner.CombinedOutput(ctx, "losetup", "-d", d.devicePath); err != nil {
		d.logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": string(output),
		}).Warn("best-effort unbind during construction failure did not succeed")
	}
	os.Remove(d.backingFile)
}
