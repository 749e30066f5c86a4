package commands

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim orphaned volume entries",
	Long: `Retries the pool bookkeeping deletion for volumes whose device node
was removed but whose entry could not be deleted at the time. Orphans
belonging to pools that no longer exist are marked removed directly.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	poolNames, err := rt.db.PoolsWithOrphans(ctx)
	if err != nil {
		return err
	}
	if len(poolNames) == 0 {
		fmt.Println("Nothing to reclaim")
		return nil
	}

	var reclaimed, failed int
	for _, poolName := range poolNames {
		r, f, err := rt.gcPool(ctx, poolName)
		if err != nil {
			return err
		}
		reclaimed += r
		failed += f
	}

	fmt.Printf("Reclaimed %d orphaned entries", reclaimed)
	if failed > 0 {
		fmt.Printf(", %d still pending", failed)
	}
	fmt.Println()
	return nil
}

func (rt *runtime) gcPool(ctx context.Context, poolName string) (reclaimed, failed int, err error) {
	log := rt.logger.WithField("pool", poolName)

	orphans, err := rt.db.ListOrphanedVolumes(ctx, poolName)
	if err != nil {
		return 0, 0, err
	}

	rec, err := rt.db.GetPool(ctx, poolName)
	if err != nil {
		return 0, 0, err
	}
	if rec == nil {
		// The pool itself is gone; its bookkeeping went with it.
		log.WithField("orphans", len(orphans)).Info("pool removed, dropping orphaned entries")
		for _, v := range orphans {
			if err := rt.db.MarkVolumeRemoved(ctx, poolName, v.Name); err != nil {
				return reclaimed, failed, err
			}
			reclaimed++
		}
		return reclaimed, failed, nil
	}

	pool, err := rt.adoptPool(ctx, poolName)
	if err != nil {
		return 0, 0, err
	}

	for _, v := range orphans {
		vlog := log.WithFields(map[string]interface{}{"volume": v.Name, "device_id": v.DeviceID})

		id := v.DeviceID
		releaseErr := backoff.Retry(func() error {
			return rt.guard.WithPool(ctx, poolName, "gc", func() error {
				return pool.ReleaseOrphan(ctx, id)
			})
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
		if releaseErr != nil {
			vlog.WithError(releaseErr).Warn("orphaned entry still not reclaimable")
			failed++
			continue
		}

		if err := rt.db.MarkVolumeRemoved(ctx, poolName, v.Name); err != nil {
			return reclaimed, failed, err
		}
		vlog.Info("reclaimed orphaned entry")
		reclaimed++
	}
	return reclaimed, failed, nil
}
