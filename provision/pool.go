package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	fsm "github.com/superfly/fsm"

	dmthin "github.com/superfly/dmthin"
	"github.com/superfly/dmthin/database"
	"github.com/superfly/dmthin/perf"
	"github.com/superfly/dmthin/thinpool"
)

// PoolRequest and PoolResponse reuse the shared types from the root package
// so callers build requests without importing this package.
type PoolRequest = dmthin.PoolProvisionRequest
type PoolResponse = dmthin.PoolProvisionResponse

// checkPool acquires the cross-process lock for the pool name and hands off
// when an active pool already holds it. The lock is kept across the create
// and record transitions and released in recordPool.
func checkPool(deps *Dependencies) fsm.Transition[PoolRequest, PoolResponse] {
	return func(ctx context.Context, req *fsm.Request[PoolRequest, PoolResponse]) (*fsm.Response[PoolResponse], error) {
		logger := req.Log().WithField("transition", "check-registry")
		retryCount := fsm.RetryFromContext(ctx)

		if retryCount > MaxRetriesCheck {
			return nil, fsm.Abort(fmt.Errorf("exceeded maximum retries (%d) for check-registry transition", MaxRetriesCheck))
		}
		if retryCount > 0 {
			logger.WithField("retry_count", retryCount).Info("retrying check-registry transition")
		}

		name := req.Msg.Name
		logger.WithField("pool", name).Info("checking pool registry")

		if err := deps.DB.AcquirePoolLock(ctx, name, "provision-pool"); err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("pool is already being provisioned by another run")
				resp := &PoolResponse{Name: name}
				return fsm.NewResponse(resp), fsm.Handoff(req.Run().StartVersion)
			}
			return nil, fmt.Errorf("failed to acquire pool lock: %w", err)
		}

		rec, err := deps.DB.GetPool(ctx, name)
		if err != nil {
			logger.WithError(err).Error("failed to check pool in database")
			releaseLock(ctx, deps, logger, name)
			return nil, fmt.Errorf("database query failed: %w", err)
		}

		if rec != nil {
			logger.WithFields(map[string]any{
				"metadata_device": rec.MetadataDevice,
				"data_device":     rec.DataDevice,
			}).Info("pool already provisioned; skipping")
			releaseLock(ctx, deps, logger, name)
			resp := &PoolResponse{
				Name:           name,
				MetadataDevice: rec.MetadataDevice,
				DataDevice:     rec.DataDevice,
				AlreadyExist:   true,
				ProvisionedAt:  rec.CreatedAt,
			}
			return fsm.NewResponse(resp), fsm.Handoff(req.Run().StartVersion)
		}

		logger.Info("pool not provisioned yet; proceeding to create")
		return nil, nil
	}
}

// createPool brings up the pool under the operation guard. Construction
// errors abort; everything the pool layer already compensated for is safe to
// retry.
func createPool(deps *Dependencies) fsm.Transition[PoolRequest, PoolResponse] {
	return func(ctx context.Context, req *fsm.Request[PoolRequest, PoolResponse]) (*fsm.Response[PoolResponse], error) {
		logger := req.Log().WithField("transition", "create-pool")
		retryCount := fsm.RetryFromContext(ctx)

		if retryCount > MaxRetriesCreate {
			releaseLock(ctx, deps, logger, req.Msg.Name)
			return nil, fsm.Abort(fmt.Errorf("exceeded maximum retries (%d) for create-pool transition", MaxRetriesCreate))
		}
		if retryCount > 0 {
			logger.WithField("retry_count", retryCount).Info("retrying create-pool transition")
		}

		cfg := thinpool.DefaultCreateConfig(req.Msg.Name, req.Msg.Dir)
		if req.Msg.MetadataSizeBytes > 0 {
			cfg.MetadataSizeBytes = req.Msg.MetadataSizeBytes
		}
		if req.Msg.DataSizeBytes > 0 {
			cfg.DataSizeBytes = req.Msg.DataSizeBytes
		}
		if req.Msg.BlockSizeSectors > 0 {
			cfg.BlockSizeSectors = req.Msg.BlockSizeSectors
		}

		timer := perf.Start("pool-create", logger)
		var pool *thinpool.Pool
		err := deps.Guard.WithPool(ctx, cfg.Name, "create-pool", func() error {
			var createErr error
			pool, createErr = deps.Pools.Create(ctx, cfg)
			return createErr
		})
		timer.Stop()
		perf.CountOutcome("pool-create", perf.OutcomeOf(err))

		if err != nil {
			logger.WithError(err).Error("failed to create pool")
			var consErr *thinpool.ConstructionError
			if errors.As(err, &consErr) {
				releaseLock(ctx, deps, logger, cfg.Name)
				return nil, fsm.Abort(fmt.Errorf("pool construction rejected: %w", err))
			}
			return nil, fmt.Errorf("pool creation failed: %w", err)
		}

		resp := &PoolResponse{
			Name:           pool.Name(),
			MetadataDevice: pool.MetadataDevice().Path(),
			DataDevice:     pool.DataDevice().Path(),
			Provisioned:    true,
			ProvisionedAt:  time.Now().UTC(),
		}
		return fsm.NewResponse(resp), nil
	}
}

// recordPool persists the pool row and releases the cross-process lock.
func recordPool(deps *Dependencies) fsm.Transition[PoolRequest, PoolResponse] {
	return func(ctx context.Context, req *fsm.Request[PoolRequest, PoolResponse]) (*fsm.Response[PoolResponse], error) {
		logger := req.Log().WithField("transition", "record-pool")
		retryCount := fsm.RetryFromContext(ctx)

		if retryCount > MaxRetriesRecord {
			releaseLock(ctx, deps, logger, req.Msg.Name)
			return nil, fsm.Abort(fmt.Errorf("exceeded maximum retries (%d) for record-pool transition", MaxRetriesRecord))
		}

		name := req.Msg.Name
		prev := req.W.Msg
		if prev == nil {
			releaseLock(ctx, deps, logger, name)
			return nil, fsm.Abort(fmt.Errorf("response not initialized"))
		}
		pool, ok := deps.Pools.Pool(name)
		if !ok {
			releaseLock(ctx, deps, logger, name)
			return nil, fsm.Abort(fmt.Errorf("pool %q missing from registry after creation", name))
		}

		ctxWithTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		rec := database.PoolRecord{
			Name:                name,
			MetadataBackingFile: pool.MetadataDevice().BackingFile(),
			DataBackingFile:     pool.DataDevice().BackingFile(),
			MetadataDevice:      pool.MetadataDevice().Path(),
			DataDevice:          pool.DataDevice().Path(),
			MetadataSizeBytes:   pool.MetadataDevice().Size(),
			DataSizeBytes:       pool.DataDevice().Size(),
			BlockSizeSectors:    pool.BlockSizeSectors(),
		}
		if err := deps.DB.RecordPool(ctxWithTimeout, rec); err != nil {
			logger.WithError(err).Error("failed to record pool in database")
			return nil, fmt.Errorf("database update failed: %w", err)
		}
		logger.Info("pool recorded")

		releaseLock(ctx, deps, logger, name)

		resp := &PoolResponse{
			Name:           name,
			MetadataDevice: rec.MetadataDevice,
			DataDevice:     rec.DataDevice,
			Provisioned:    true,
			ProvisionedAt:  prev.ProvisionedAt,
		}
		return fsm.NewResponse(resp), nil
	}
}

// RegisterPool registers the pool provisioning FSM with the manager.
func RegisterPool(ctx context.Context, manager *fsm.Manager, deps *Dependencies) (fsm.Start[PoolRequest, PoolResponse], fsm.Resume, error) {
	return fsm.Register[PoolRequest, PoolResponse](manager, "provision-pool").
		Start("check-registry", checkPool(deps)).
		To("create-pool", createPool(deps)).
		To("record-pool", recordPool(deps)).
		End("complete").
		Build(ctx)
}
