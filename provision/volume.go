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

// VolumeRequest and VolumeResponse reuse the shared types from the root
// package.
type VolumeRequest = dmthin.VolumeProvisionRequest
type VolumeResponse = dmthin.VolumeProvisionResponse

// checkVolume takes the pool lock and hands off when the volume already
// exists. An unknown pool aborts: pools are provisioned explicitly, never as
// a side effect of volume creation.
func checkVolume(deps *Dependencies) fsm.Transition[VolumeRequest, VolumeResponse] {
	return func(ctx context.Context, req *fsm.Request[VolumeRequest, VolumeResponse]) (*fsm.Response[VolumeResponse], error) {
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
			"pool":   poolName,
			"volume": name,
		}).Info("checking volume registry")

		if err := deps.DB.AcquirePoolLock(ctx, poolName, "provision-volume"); err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("pool is locked by another run")
				resp := &VolumeResponse{PoolName: poolName, Name: name}
				return fsm.NewResponse(resp), fsm.Handoff(req.Run().StartVersion)
			}
			return nil, fmt.Errorf("failed to acquire pool lock: %w", err)
		}

		rec, err := deps.DB.GetVolume(ctx, poolName, name)
		if err != nil {
			logger.WithError(err).Error("failed to check volume in database")
			releaseLock(ctx, deps, logger, poolName)
			return nil, fmt.Errorf("database query failed: %w", err)
		}

		if rec != nil {
			logger.WithField("device_id", rec.DeviceID).Info("volume already provisioned; skipping")
			releaseLock(ctx, deps, logger, poolName)
			resp := &VolumeResponse{
				PoolName:         poolName,
				Name:             name,
				DeviceID:         rec.DeviceID,
				DevicePath:       filepath.Join("/dev/mapper", name),
				VirtualSizeBytes: rec.VirtualSizeBytes,
				AlreadyExist:     true,
				ProvisionedAt:    rec.CreatedAt,
			}
			return fsm.NewResponse(resp), fsm.Handoff(req.Run().StartVersion)
		}

		if _, ok := deps.Pools.Pool(poolName); !ok {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("pool %q is not provisioned", poolName))
		}

		logger.Info("volume not provisioned yet; proceeding to create")
		return nil, nil
	}
}

// createVolume carves the volume under the operation guard. A full pool
// aborts the run; the pool layer's compensation makes other failures safe to
// retry.
func createVolume(deps *Dependencies) fsm.Transition[VolumeRequest, VolumeResponse] {
	return func(ctx context.Context, req *fsm.Request[VolumeRequest, VolumeResponse]) (*fsm.Response[VolumeResponse], error) {
		logger := req.Log().WithField("transition", "create-volume")
		retryCount := fsm.RetryFromContext(ctx)

		poolName, name := req.Msg.PoolName, req.Msg.Name

		if retryCount > MaxRetriesCreate {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("exceeded maximum retries (%d) for create-volume transition", MaxRetriesCreate))
		}
		if retryCount > 0 {
			logger.WithField("retry_count", retryCount).Info("retrying create-volume transition")
		}

		pool, ok := deps.Pools.Pool(poolName)
		if !ok {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("pool %q is not provisioned", poolName))
		}

		timer := perf.Start("volume-create", logger)
		var volume *thinpool.Volume
		err := deps.Guard.WithPool(ctx, poolName, "create-volume", func() error {
			var createErr error
			volume, createErr = pool.CreateVolume(ctx, name, req.Msg.VirtualSizeBytes)
			return createErr
		})
		timer.Stop()
		perf.CountOutcome("volume-create", perf.OutcomeOf(err))

		if err != nil {
			logger.WithError(err).Error("failed to create volume")
			var fullErr *thinpool.FullError
			if errors.As(err, &fullErr) {
				releaseLock(ctx, deps, logger, poolName)
				return nil, fsm.Abort(fmt.Errorf("pool full: %w", err))
			}
			return nil, fmt.Errorf("volume creation failed: %w", err)
		}

		resp := &VolumeResponse{
			PoolName:         poolName,
			Name:             name,
			DeviceID:         volume.DeviceID(),
			DevicePath:       volume.Path(),
			VirtualSizeBytes: volume.Size(),
			Provisioned:      true,
			ProvisionedAt:    time.Now().UTC(),
		}
		return fsm.NewResponse(resp), nil
	}
}

// recordVolume persists the volume row and releases the pool lock.
func recordVolume(deps *Dependencies) fsm.Transition[VolumeRequest, VolumeResponse] {
	return func(ctx context.Context, req *fsm.Request[VolumeRequest, VolumeResponse]) (*fsm.Response[VolumeResponse], error) {
		logger := req.Log().WithField("transition", "record-volume")
		retryCount := fsm.RetryFromContext(ctx)

		poolName := req.Msg.PoolName

		if retryCount > MaxRetriesRecord {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("exceeded maximum retries (%d) for record-volume transition", MaxRetriesRecord))
		}

		prev := req.W.Msg
		if prev == nil {
			releaseLock(ctx, deps, logger, poolName)
			return nil, fsm.Abort(fmt.Errorf("response not initialized"))
		}

		ctxWithTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if err := deps.DB.RecordVolume(ctxWithTimeout, database.VolumeRecord{
			PoolName:         poolName,
			Name:             prev.Name,
			DeviceID:         prev.DeviceID,
			VirtualSizeBytes: prev.VirtualSizeBytes,
		}); err != nil {
			logger.WithError(err).Error("failed to record volume in database")
			return nil, fmt.Errorf("database update failed: %w", err)
		}
		logger.Info("volume recorded")

		releaseLock(ctx, deps, logger, poolName)

		resp := &VolumeResponse{
			PoolName:         poolName,
			Name:             prev.Name,
			DeviceID:         prev.DeviceID,
			DevicePath:       prev.DevicePath,
			VirtualSizeBytes: prev.VirtualSizeBytes,
			Provisioned:      true,
			ProvisionedAt:    prev.ProvisionedAt,
		}
		return fsm.NewResponse(resp), nil
	}
}

// RegisterVolume registers the volume provisioning FSM with the manager.
func RegisterVolume(ctx context.Context, manager *fsm.Manager, deps *Dependencies) (fsm.Start[VolumeRequest, VolumeResponse], fsm.Resume, error) {
	return fsm.Register[VolumeRequest, VolumeResponse](manager, "provision-volume").
		Start("check-registry", checkVolume(deps)).
		To("create-volume", createVolume(deps)).
		To("record-volume", recordVolume(deps)).
		End("complete").
		Build(ctx)
}
