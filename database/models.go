package database

import "time"

// Pool states.
const (
	PoolStateActive  = "active"
	PoolStateRemoved = "removed"
)

// Volume states. An orphaned volume's device node is gone but its pool
// bookkeeping entry could not be deleted; gc reconciles these.
const (
	VolumeStateActive   = "active"
	VolumeStateRemoved  = "removed"
	VolumeStateOrphaned = "orphaned"
)

// PoolRecord is one row of the pools table.
type PoolRecord struct {
	ID                  int64
	Name                string
	MetadataBackingFile string
	DataBackingFile     string
	MetadataDevice      string
	DataDevice          string
	MetadataSizeBytes   int64
	DataSizeBytes       int64
	BlockSizeSectors    int64
	State               string
	CreatedAt           time.Time
	RemovedAt           *time.Time
	UpdatedAt           time.Time
}

// VolumeRecord is one row of the volumes table.
type VolumeRecord struct {
	ID               int64
	PoolName         string
	Name             string
	DeviceID         uint32
	OriginDeviceID   *uint32
	VirtualSizeBytes int64
	State            string
	CreatedAt        time.Time
	RemovedAt        *time.Time
	UpdatedAt        time.Time
}

// IsSnapshot reports whether the volume was created as a snapshot.
func (v *VolumeRecord) IsSnapshot() bool {
	return v.OriginDeviceID != nil
}
