package dmthin

import (
	"encoding/json"
	"time"
)

// PoolProvisionRequest describes a thin pool to bring up. It is the input to
// the pool provisioning FSM.
//
// Callers SHOULD NOT invent run keys. Derive one from the pool name with
// dmthin.DeriveRunKey so repeated requests for the same pool converge on the
// same run.
type PoolProvisionRequest struct {
	// Name is the pool's addressable identity (/dev/mapper/<name>).
	Name string `json:"name"`

	// Dir is the directory holding the pool's backing files.
	Dir string `json:"dir"`

	// MetadataSizeBytes is the size of the metadata backing device.
	MetadataSizeBytes int64 `json:"metadata_size_bytes"`

	// DataSizeBytes is the size of the data backing device.
	DataSizeBytes int64 `json:"data_size_bytes"`

	// BlockSizeSectors is the data block size in 512-byte sectors.
	BlockSizeSectors int64 `json:"block_size_sectors"`
}

// PoolProvisionResponse reports the outcome of pool provisioning.
type PoolProvisionResponse struct {
	// Name is the pool's addressable identity.
	Name string `json:"name"`

	// MetadataDevice is the bound metadata block-device path.
	MetadataDevice string `json:"metadata_device"`

	// DataDevice is the bound data block-device path.
	DataDevice string `json:"data_device"`

	// Provisioned indicates the pool was created by this run (true) or
	// already existed (false).
	Provisioned bool `json:"provisioned"`

	// AlreadyExist indicates the pool was found active in the registry and
	// provisioning was skipped via idempotency handoff.
	AlreadyExist bool `json:"already_exist"`

	// ProvisionedAt is the timestamp when provisioning completed.
	ProvisionedAt time.Time `json:"provisioned_at,omitempty"`
}

// VolumeProvisionRequest describes a thin volume to carve from an active
// pool. It is the input to the volume provisioning FSM.
type VolumeProvisionRequest struct {
	// PoolName is the owning pool's addressable identity.
	PoolName string `json:"pool_name"`

	// Name is the volume's addressable identity.
	Name string `json:"name"`

	// VirtualSizeBytes is the volume's virtual size.
	VirtualSizeBytes int64 `json:"virtual_size_bytes"`
}

// VolumeProvisionResponse reports the outcome of volume provisioning.
type VolumeProvisionResponse struct {
	// PoolName is the owning pool's addressable identity.
	PoolName string `json:"pool_name"`

	// Name is the volume's addressable identity.
	Name string `json:"name"`

	// DeviceID is the device identifier assigned by the pool's allocator.
	DeviceID uint32 `json:"device_id"`

	// DevicePath is the volume's device node (/dev/mapper/<name>).
	DevicePath string `json:"device_path"`

	// VirtualSizeBytes is the volume's virtual size.
	VirtualSizeBytes int64 `json:"virtual_size_bytes"`

	// Provisioned indicates the volume was created by this run (true) or
	// already existed (false).
	Provisioned bool `json:"provisioned"`

	// AlreadyExist indicates the volume was found active in the registry and
	// provisioning was skipped via idempotency handoff.
	AlreadyExist bool `json:"already_exist"`

	// ProvisionedAt is the timestamp when provisioning completed.
	ProvisionedAt time.Time `json:"provisioned_at,omitempty"`
}

// SnapshotProvisionRequest describes a copy-on-write snapshot of an existing
// volume. It is the input to the snapshot provisioning FSM.
type SnapshotProvisionRequest struct {
	// PoolName is the owning pool's addressable identity.
	PoolName string `json:"pool_name"`

	// OriginName is the addressable identity of the volume to snapshot.
	OriginName string `json:"origin_name"`

	// Name is the snapshot's addressable identity.
	Name string `json:"name"`
}

// SnapshotProvisionResponse reports the outcome of snapshot provisioning.
type SnapshotProvisionResponse struct {
	// PoolName is the owning pool's addressable identity.
	PoolName string `json:"pool_name"`

	// Name is the snapshot's addressable identity.
	Name string `json:"name"`

	// DeviceID is the device identifier assigned by the pool's allocator.
	DeviceID uint32 `json:"device_id"`

	// OriginDeviceID is the origin volume's device identifier, recorded for
	// provenance.
	OriginDeviceID uint32 `json:"origin_device_id"`

	// DevicePath is the snapshot's device node (/dev/mapper/<name>).
	DevicePath string `json:"device_path"`

	// VirtualSizeBytes is copied from the origin at snapshot time.
	VirtualSizeBytes int64 `json:"virtual_size_bytes"`

	// Provisioned indicates the snapshot was created by this run (true) or
	// already existed (false).
	Provisioned bool `json:"provisioned"`

	// AlreadyExist indicates the snapshot was found active in the registry
	// and provisioning was skipped via idempotency handoff.
	AlreadyExist bool `json:"already_exist"`

	// ProvisionedAt is the timestamp when provisioning completed.
	ProvisionedAt time.Time `json:"provisioned_at,omitempty"`
}

// Codec implementation for JSON serialization
// The FSM library will automatically use JSON marshaling for these types

// Marshal implements the Codec interface for PoolProvisionRequest
func (r *PoolProvisionRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for PoolProvisionRequest
func (r *PoolProvisionRequest) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Marshal implements the Codec interface for PoolProvisionResponse
func (r *PoolProvisionResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for PoolProvisionResponse
func (r *PoolProvisionResponse) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Marshal implements the Codec interface for VolumeProvisionRequest
func (r *VolumeProvisionRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for VolumeProvisionRequest
func (r *VolumeProvisionRequest) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Marshal implements the Codec interface for VolumeProvisionResponse
func (r *VolumeProvisionResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for VolumeProvisionResponse
func (r *VolumeProvisionResponse) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Marshal implements the Codec interface for SnapshotProvisionRequest
func (r *SnapshotProvisionRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for SnapshotProvisionRequest
func (r *SnapshotProvisionRequest) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Marshal implements the Codec interface for SnapshotProvisionResponse
func (r *SnapshotProvisionResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for SnapshotProvisionResponse
func (r *SnapshotProvisionResponse) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}
