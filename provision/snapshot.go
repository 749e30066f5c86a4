package provision

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	fsm "github.com/superfly/fsm"

	dmthin "github.com/superfly/dmthin"
	"github.com/superfly/dmthin/database"
	"github.com/superfly/dmthin/perf"
	"github.com/superfly/dmthin/thinpool"
)

// SnapshotRequest and SnapshotResponse reuse the shared types from the root
// package.
type SnapshotRequest = dmthin.SnapshotProvisionRequest
type SnapshotResponse = dmthin.SnapshotProvisionResponse

// checkSnapshot takes the pool lock and hands off when the snapshot already
// exists. A missing origin aborts: a snapshot of a removed volume can never
// succeed on retry.
func checkSnapshot(deps *Dependencies) fsm.Transition[SnapshotRequest, SnapshotResponse] {
	return func(ctx context.Context, req *fsm.Request[SnapshotRequest, SnapshotResponse]) (*fsm.Response[SnapshotResponse], error) {
		logger := req.Log().WithField("transition", "check-registry")
		retryCount := fsm.RetryFromContext(ctx)

		if retryCount > MaxRetriesCheck {
			return nil, fsm.Abort(fmt.Errorf("exceeded maximum retries (%d) for check-registry transition", MaxRetriesCheck))
		}
		if retryCount > 0 {
			logger.WithField("retry_count", retryCount).Info("retrying check-registry transition")
		}

		poolName, name := req.Msg.PoolName, req.Msg.Name
		logger.WithFields(map[string]any{
			"pool":     poolName,
			"snapshot": name,
			"origin":   req.Msg.OriginName,
		}).Info("checking snapshot registry")

		if err := deps.DB.AcquirePoolLock(ctx, poolName, "provision-snapshot"); err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("pool is locked by another run")
				resp := &SnapshotResponse{PoolName: poolName, Name: name}
				return fsm.NewResponse(resp), fsm.Handoff(req.Run().StartVersion)
			}
			return nil, fmt.Errorf("failed to acquire pool lock: %w", err)
		}

		rec, err := deps.DB.GetVolume(ctx, poolName, name)
		if err != nil {
			logger.WithError(err).Error("failed to check snapshot in database")
			releaseLock(ctx, deps, logger, poolName)
			return nil, fmt.Errorf("database query failed: %w", err)
		}

		if rec != nil {
			logger.WithField("device_id", rec.DeviceID).Info("snapshot already provisioned; skipping")
			releaseLock(ctx, deps, logger, poolName)
			resp := &SnapshotResponse{
				PoolName:         poolName,
				Name:             name,
				DeviceID:         rec.DeviceID,
				DevicePath:       filepath.Join("/dev/mapper", name),
				VirtualSizeBytes: rec.VirtualSizeBytes,
				AlreadyExist:     true,
				ProvisionedAt:    rec.CreatedAt,
			}
			if rec.OriginDeviceID != nil {
				resp.OriginDeviceID = *rec.OriginDeviceID
			}
			return fsm.NewResponse(resp), fsm.Handoff(req.Run().StartVersion)
		}

		pool, ok := deps.Pools.Pool(poolName)
		if !ok {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("pool %q is not provisioned", poolName))
		}
		if _, ok := pool.Volume(req.Msg.OriginName); !ok {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("origin volume %q not found in pool %q", req.Msg.OriginName, poolName))
		}

		logger.Info("snapshot not provisioned yet; proceeding to create")
		return nil, nil
	}
}

// createSnapshot takes the snapshot under the operation guard; the pool
// layer handles origin suspend/resume and the compensating delete.
func createSnapshot(deps *Dependencies) fsm.Transition[SnapshotRequest, SnapshotResponse] {
	return func(ctx context.Context, req *fsm.Request[SnapshotRequest, SnapshotResponse]) (*fsm.Response[SnapshotResponse], error) {
		logger := req.Log().WithField("transition", "create-snapshot")
		retryCount := fsm.RetryFromContext(ctx)

		poolName, name := req.Msg.PoolName, req.Msg.Name

		if retryCount > MaxRetriesCreate {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("exceeded maximum retries (%d) for create-snapshot transition", MaxRetriesCreate))
		}
		if retryCount > 0 {
			logger.WithField("retry_count", retryCount).Info("retrying create-snapshot transition")
		}

		pool, ok := deps.Pools.Pool(poolName)
		if !ok {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("pool %q is not provisioned", poolName))
		}
		origin, ok := pool.Volume(req.Msg.OriginName)
		if !ok {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("origin volume %q not found in pool %q", req.Msg.OriginName, poolName))
		}

		timer := perf.Start("snapshot-create", logger)
		var snapshot *thinpool.Volume
		err := deps.Guard.WithPool(ctx, poolName, "create-snapshot", func() error {
			var createErr error
			snapshot, createErr = pool.CreateSnapshot(ctx, origin, name)
			return createErr
		})
		timer.Stop()
		perf.CountOutcome("snapshot-create", perf.OutcomeOf(err))

		if err != nil {
			logger.WithError(err).Error("failed to create snapshot")
			var fullErr *thinpool.FullError
			if errors.As(err, &fullErr) {
				releaseLock(ctx, deps, logger, poolName)
				return nil, fsm.Abort(fmt.Errorf("pool full: %w", err))
			}
			return nil, fmt.Errorf("snapshot creation failed: %w", err)
		}

		resp := &SnapshotResponse{
			PoolName:         poolName,
			Name:             name,
			DeviceID:         snapshot.DeviceID(),
			OriginDeviceID:   origin.DeviceID(),
			DevicePath:       snapshot.Path(),
			VirtualSizeBytes: snapshot.Size(),
			Provisioned:      true,
			ProvisionedAt:    time.Now().UTC(),
		}
		return fsm.NewResponse(resp), nil
	}
}

// recordSnapshot persists the snapshot row, including its origin device ID,
// and releases the pool lock.
func recordSnapshot(deps *Dependencies) fsm.Transition[SnapshotRequest, SnapshotResponse] {
	return func(ctx context.Context, req *fsm.Request[SnapshotRequest, SnapshotResponse]) (*fsm.Response[SnapshotResponse], error) {
		logger := req.Log().WithField("transition", "record-snapshot")
		retryCount := fsm.RetryFromContext(ctx)

		poolName := req.Msg.PoolName

		if retryCount > MaxRetriesRecord {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("exceeded maximum retries (%d) for record-snapshot transition", MaxRetriesRecord))
		}

		prev := req.W.Msg
		if prev == nil {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("response not initialized"))
		}

		ctxWithTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		originID := prev.OriginDeviceID
		if err := deps.DB.RecordVolume(ctxWithTimeout, database.VolumeRecord{
			PoolName:         poolName,
			Name:             prev.Name,
			DeviceID:         prev.DeviceID,
			OriginDeviceID:   &originID,
			VirtualSizeBytes: prev.VirtualSizeBytes,
		}); err != nil {
			logger.WithError(err).Error("failed to record snapshot in database")
			return nil, fmt.Errorf("database update failed: %w", err)
		}
		logger.Info("snapshot recorded")

		releaseLock(ctx, deps, logger, poolName)

		resp := &SnapshotResponse{
			PoolName:         poolName,
			Name:             prev.Name,
			DeviceID:         prev.DeviceID,
			OriginDeviceID:   originID,
			DevicePath:       prev.DevicePath,
			VirtualSizeBytes: prev.VirtualSizeBytes,
			Provisioned:      true,
			ProvisionedAt:    prev.ProvisionedAt,
		}
		return fsm.NewResponse(resp), nil
	}
}

// RegisterSnapshot registers the snapshot provisioning FSM with the manager.
func RegisterSnapshot(ctx context.Context, manager *fsm.Manager, deps *Dependencies) (fsm.Start[SnapshotRequest, SnapshotResponse], fsm.Resume, error) {
	return fsm.Register[SnapshotRequest, SnapshotResponse](manager, "provision-snapshot").
		Start("check-registry", checkSnapshot(deps)).
		To("create-snapshot", createSnapshot(deps)).
		To("record-snapshot", recordSnapshot(deps)).
		End("complete").
		Build(ctx)
}
