package blockdev

import "fmt"

// AllocationError is returned when the backing file cannot be created or
// grown to the requested size.
type AllocationError struct {
	Path   string
	Reason string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to allocate backing file %s: %s", e.Path, e.Reason)
}

// NoFreeSlotError is returned when no loop-device slot is available.
type NoFreeSlotError struct{}

func (e *NoFreeSlotError) Error() string {
	return "no free loop device slot available"
}

// BindError is returned when binding the backing file to a loop device, or
// verifying the binding, fails.
type BindError struct {
	Device      string
	BackingFile string
	Reason      string
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s to %s: %s", e.BackingFile, e.Device, e.Reason)
}

// SizeMismatchError is returned when the bound device reports a size other
// than the requested one. The device has already been unbound.
type SizeMismatchError struct {
	Device         string
	RequestedBytes int64
	ReportedBytes  int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("device %s has wrong size: %d bytes (requested %d)", e.Device, e.ReportedBytes, e.RequestedBytes)
}

// IsSizeMismatchError checks if an error is a SizeMismatchError.
func IsSizeMismatchError(err error) bool {
	_, ok := err.(*SizeMismatchError)
	return ok
}

// IsNoFreeSlotError checks if an error is a NoFreeSlotError.
func IsNoFreeSlotError(err error) bool {
	_, ok := err.(*NoFreeSlotError)
	return ok
}
