package thinpool

import "fmt"

// ConstructionError is returned when the pool-construction control call is
// rejected (for example, the name is already in use).
type ConstructionError struct {
	Name   string
	Reason string
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("failed to construct pool %q: %s", e.Name, e.Reason)
}

// InUseError is returned when pool removal is refused because a volume or
// snapshot device node is still attached. It is non-fatal and retryable:
// remove the dependents first.
type InUseError struct {
	Name string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("pool %q is still in use", e.Name)
}

// TeardownError is returned for any other control-layer rejection of pool
// removal.
type TeardownError struct {
	Name   string
	Reason string
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to tear down pool %q: %s", e.Name, e.Reason)
}

// FullError is returned when the pool is above the capacity threshold and
// new volumes or snapshots are refused.
type FullError struct {
	Name        string
	UsedPercent float64
	Threshold   float64
}

func (e *FullError) Error() string {
	return fmt.Sprintf("pool %q is %.1f%% full (threshold: %.0f%%)", e.Name, e.UsedPercent, e.Threshold)
}

// VolumeInUseError is returned when the control layer refuses to remove a
// volume's device node because it is still attached or open. The volume
// remains live and retry is expected.
type VolumeInUseError struct {
	Name string
}

func (e *VolumeInUseError) Error() string {
	return fmt.Sprintf("volume %q is still in use", e.Name)
}

// IsInUseError checks if an error is a pool InUseError.
func IsInUseError(err error) bool {
	_, ok := err.(*InUseError)
	return ok
}

// IsVolumeInUseError checks if an error is a VolumeInUseError.
func IsVolumeInUseError(err error) bool {
	_, ok := err.(*VolumeInUseError)
	return ok
}
