// Package provision implements the durable provisioning workflows: pool,
// volume and snapshot creation as resumable FSMs.
//
// Each workflow follows the same shape: a check transition that takes the
// cross-process pool lock and hands off when the requested resource already
// exists, a create transition that drives the control layer under the
// per-pool operation guard, and a record transition that persists the result
// and releases the lock. Construction errors that cannot succeed on retry
// abort the run; transient failures are retried up to a per-transition
// limit.
package provision

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmthin/database"
	"github.com/superfly/dmthin/safeguards"
	"github.com/superfly/dmthin/thinpool"
)

const (
	// MaxRetriesCheck bounds retries of registry checks and lock acquisition.
	MaxRetriesCheck = 3
	// MaxRetriesCreate bounds retries of control-layer operations.
	MaxRetriesCreate = 3
	// MaxRetriesRecord bounds retries of database writes.
	MaxRetriesRecord = 5
)

// Queue names for the provisioning FSMs. Creation queues run with
// concurrency 1 so the control layer is never hit by parallel runs.
const (
	PoolQueue     = "provision-pool"
	VolumeQueue   = "provision-volume"
	SnapshotQueue = "provision-snapshot"
)

// DatabaseManager is the persistence surface the workflows need. It allows
// mocking in tests.
type DatabaseManager interface {
	AcquirePoolLock(ctx context.Context, poolName, lockedBy string) error
	ReleasePoolLock(ctx context.Context, poolName string) error
	GetPool(ctx context.Context, name string) (*database.PoolRecord, error)
	RecordPool(ctx context.Context, rec database.PoolRecord) error
	GetVolume(ctx context.Context, poolName, name string) (*database.VolumeRecord, error)
	RecordVolume(ctx context.Context, rec database.VolumeRecord) error
}

// Dependencies holds external dependencies for the provisioning FSMs.
type Dependencies struct {
	DB    DatabaseManager
	Pools *thinpool.Set
	Guard *safeguards.OperationGuard
}

// Queues returns the queue concurrency map for fsm.Config.
func Queues() map[string]int {
	return map[string]int{
		PoolQueue:     1,
		VolumeQueue:   1,
		SnapshotQueue: 1,
	}
}

// releaseLock releases the cross-process pool lock, logging on failure. Used
// on every exit path that will not reach the record transition.
func releaseLock(ctx context.Context, deps *Dependencies, logger logrus.FieldLogger, poolName string) {
	if err := deps.DB.ReleasePoolLock(ctx, poolName); err != nil {
		logger.WithError(err).Error("failed to release pool lock")
	}
}
