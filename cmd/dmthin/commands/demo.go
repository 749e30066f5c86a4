package commands

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/superfly/dmthin/lifecycle"
	"github.com/superfly/dmthin/thinpool"
)

var demoKeep bool

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the reference scenario end to end",
	Long: `Brings up a throwaway pool, carves a volume out of it, snapshots the
volume, prints the pool's utilization, then unwinds everything in reverse
order. Useful as a smoke test on a fresh host.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().BoolVar(&demoKeep, "keep", false, "Leave the demo resources in place")
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	poolName := "demo-" + ulid.Make().String()
	teardown := lifecycle.NewCoordinator(rt.logger)
	defer func() {
		if demoKeep {
			fmt.Printf("Keeping demo resources (pool %s); remove with remove-pool\n", poolName)
			return
		}
		if err := teardown.Cleanup(ctx); err != nil {
			rt.logger.WithError(err).Error("demo teardown incomplete")
		}
	}()

	fmt.Printf("Creating pool %s\n", poolName)
	pool, err := rt.pools.Create(ctx, thinpool.DefaultCreateConfig(poolName, rt.cfg.PoolDir))
	if err != nil {
		return err
	}
	teardown.Push("release-metadata-device", pool.MetadataDevice().Release)
	teardown.Push("release-data-device", pool.DataDevice().Release)
	teardown.Push("remove-pool", pool.Remove)

	fmt.Println("Creating volume demo-vol (500 MB)")
	volume, err := pool.CreateVolume(ctx, "demo-vol", 500*1024*1024)
	if err != nil {
		return err
	}
	teardown.Push("remove-volume", volume.Remove)

	fmt.Println("Creating snapshot demo-snap")
	snapshot, err := pool.CreateSnapshot(ctx, volume, "demo-snap")
	if err != nil {
		return err
	}
	teardown.Push("remove-snapshot", snapshot.Remove)

	status, err := pool.ParsedStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Pool status: mode=%s data=%d/%d blocks (%.1f%%)\n",
		status.Mode, status.UsedDataBlocks, status.TotalDataBlocks, status.UsedDataPercent())
	fmt.Printf("Volume at %s, snapshot at %s (size inherited: %d bytes)\n",
		volume.Path(), snapshot.Path(), snapshot.Size())
	return nil
}
