package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmthin/blockdev"
	"github.com/superfly/dmthin/cmdrun"
	"github.com/superfly/dmthin/database"
	"github.com/superfly/dmthin/internal/config"
	"github.com/superfly/dmthin/safeguards"
	"github.com/superfly/dmthin/thinpool"
)

// runtime bundles the shared pieces every command needs.
type runtime struct {
	cfg    *config.Config
	logger *logrus.Logger
	runner cmdrun.Runner
	db     *database.DB
	pools  *thinpool.Set
	guard  *safeguards.OperationGuard
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}
	if err := ensureDirectories(cfg.DBPath, cfg.FSMDBPath, cfg.PoolDir); err != nil {
		return nil, err
	}

	logger := configureLogger(cfg.LogLevel)
	runner := cmdrun.New(logger)

	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.DBPath
	db, err := database.New(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}

	return &runtime{
		cfg:    cfg,
		logger: logger,
		runner: runner,
		db:     db,
		pools:  thinpool.NewSet(runner, logger),
		guard:  safeguards.NewOperationGuard(safeguards.GuardConfig{Logger: logger}),
	}, nil
}

func (rt *runtime) close() {
	if err := rt.db.Close(); err != nil {
		rt.logger.WithError(err).Warn("failed to close database")
	}
}

// adoptPool reattaches to a pool created by an earlier process: the pool row
// provides the device bindings, the volume rows seed the allocator and the
// volume handles. No control calls are issued.
func (rt *runtime) adoptPool(ctx context.Context, name string) (*thinpool.Pool, error) {
	rec, err := rt.db.GetPool(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("pool %q is not provisioned", name)
	}

	liveIDs, err := rt.db.LiveDeviceIDs(ctx, name)
	if err != nil {
		return nil, err
	}

	pool, err := rt.pools.Adopt(thinpool.AdoptConfig{
		Name:             rec.Name,
		MetadataDevice:   blockdev.Adopt(rt.runner, rt.logger, rec.MetadataBackingFile, rec.MetadataDevice, rec.MetadataSizeBytes),
		DataDevice:       blockdev.Adopt(rt.runner, rt.logger, rec.DataBackingFile, rec.DataDevice, rec.DataSizeBytes),
		BlockSizeSectors: rec.BlockSizeSectors,
		LiveDeviceIDs:    liveIDs,
	})
	if err != nil {
		return nil, err
	}

	volumes, err := rt.db.ListVolumes(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, v := range volumes {
		if _, err := pool.AdoptVolume(v.Name, v.DeviceID, v.OriginDeviceID, v.VirtualSizeBytes); err != nil {
			return nil, fmt.Errorf("failed to adopt volume %q: %w", v.Name, err)
		}
	}
	return pool, nil
}

// ensureDirectories creates the directories the application writes into.
func ensureDirectories(dbPath, fsmDBPath, poolDir string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
		return fmt.Errorf("failed to create workflow directory: %w", err)
	}
	if err := os.MkdirAll(poolDir, 0755); err != nil {
		return fmt.Errorf("failed to create pool directory: %w", err)
	}
	return nil
}
