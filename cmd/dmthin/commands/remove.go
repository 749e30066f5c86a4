package commands

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/superfly/dmthin/thinpool"
)

var removeRetries uint64

var removeVolumeCmd = &cobra.Command{
	Use:   "remove-volume <pool> <name>",
	Short: "Remove a volume or snapshot",
	Long: `Removes the volume's device node, then deletes its pool bookkeeping
entry. Busy volumes are retried with backoff. Removing an already-removed
volume succeeds.`,
	Args: cobra.ExactArgs(2),
	RunE: runRemoveVolume,
}

var removePoolCmd = &cobra.Command{
	Use:   "remove-pool <pool>",
	Short: "Tear down a pool, its volumes and its backing devices",
	Long: `Tears down in strict reverse order of construction: volume nodes
first, then the pool, then the data and metadata backing devices. A pool
that still has attached dependents is retried with backoff.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemovePool,
}

func init() {
	rootCmd.AddCommand(removeVolumeCmd)
	rootCmd.AddCommand(removePoolCmd)
	removeVolumeCmd.Flags().Uint64Var(&removeRetries, "retries", 5, "Retries for busy devices")
	removePoolCmd.Flags().Uint64Var(&removeRetries, "retries", 5, "Retries for busy devices")
}

func runRemoveVolume(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	poolName, name := args[0], args[1]

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	pool, err := rt.adoptPool(ctx, poolName)
	if err != nil {
		return err
	}

	volume, ok := pool.Volume(name)
	if !ok {
		fmt.Printf("Volume %s already removed\n", name)
		return nil
	}

	if err := rt.removeVolume(ctx, pool, volume); err != nil {
		return err
	}
	fmt.Printf("Volume %s removed\n", name)
	return nil
}

// removeVolume tears down one volume with busy-retry and records the outcome.
func (rt *runtime) removeVolume(ctx context.Context, pool *thinpool.Pool, volume *thinpool.Volume) error {
	err := backoff.Retry(func() error {
		removeErr := rt.guard.WithPool(ctx, pool.Name(), "remove-volume", func() error {
			return volume.Remove(ctx)
		})
		if removeErr != nil && !thinpool.IsVolumeInUseError(removeErr) {
			return backoff.Permanent(removeErr)
		}
		return removeErr
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), removeRetries), ctx))
	if err != nil {
		return fmt.Errorf("failed to remove volume %q: %w", volume.Name(), err)
	}

	if volume.Orphaned() {
		rt.logger.WithField("volume", volume.Name()).Warn("bookkeeping entry orphaned; run gc to reclaim")
		return rt.db.MarkVolumeOrphaned(ctx, pool.Name(), volume.Name())
	}
	return rt.db.MarkVolumeRemoved(ctx, pool.Name(), volume.Name())
}

func runRemovePool(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	poolName := args[0]

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	pool, err := rt.adoptPool(ctx, poolName)
	if err != nil {
		return err
	}

	// Volumes must go before the pool; remove snapshots and volumes in the
	// order the registry yields them (snapshot chains do not constrain
	// removal order in the pool's bookkeeping).
	for _, name := range pool.LiveVolumes() {
		volume, ok := pool.Volume(name)
		if !ok {
			continue
		}
		if err := rt.removeVolume(ctx, pool, volume); err != nil {
			return err
		}
		fmt.Printf("Volume %s removed\n", name)
	}

	err = backoff.Retry(func() error {
		removeErr := rt.guard.WithPool(ctx, poolName, "remove-pool", func() error {
			return pool.Remove(ctx)
		})
		if removeErr != nil && !thinpool.IsInUseError(removeErr) {
			return backoff.Permanent(removeErr)
		}
		return removeErr
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), removeRetries), ctx))
	if err != nil {
		return fmt.Errorf("failed to remove pool %q: %w", poolName, err)
	}
	fmt.Printf("Pool %s removed\n", poolName)

	// Backing devices last, in reverse order of construction.
	if err := pool.DataDevice().Release(ctx); err != nil {
		rt.logger.WithError(err).Warn("failed to release data device")
	}
	if err := pool.MetadataDevice().Release(ctx); err != nil {
		rt.logger.WithError(err).Warn("failed to release metadata device")
	}

	if err := rt.db.MarkPoolRemoved(ctx, poolName); err != nil {
		return err
	}
	if err := rt.pools.Forget(poolName); err != nil {
		rt.logger.WithError(err).Warn("failed to drop pool from registry")
	}
	fmt.Printf("Backing devices released\n")
	return nil
}
