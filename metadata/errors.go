package metadata

import "fmt"

// FormatError is returned when the empty-pool description cannot be
// produced or the metadata-format driver rejects it.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid pool metadata description: %s", e.Reason)
}

// WriteError is returned when rendering the metadata structure onto the
// device fails.
type WriteError struct {
	Device string
	Reason string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write pool metadata to %s: %s", e.Device, e.Reason)
}
