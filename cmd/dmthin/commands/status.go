package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <pool>",
	Short: "Show a pool's utilization and operating mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned pools and their volumes",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	pool, err := rt.adoptPool(ctx, args[0])
	if err != nil {
		return err
	}

	status, err := pool.ParsedStatus(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Pool %s (%s)\n", pool.Name(), pool.Path())
	fmt.Printf("  mode:            %s\n", status.Mode)
	fmt.Printf("  transaction id:  %d\n", status.TransactionID)
	fmt.Printf("  metadata blocks: %d/%d\n", status.UsedMetadataBlocks, status.TotalMetadataBlocks)
	fmt.Printf("  data blocks:     %d/%d (%.1f%%)\n", status.UsedDataBlocks, status.TotalDataBlocks, status.UsedDataPercent())
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	pools, err := rt.db.ListPools(ctx)
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		fmt.Println("No pools provisioned")
		return nil
	}

	for _, p := range pools {
		fmt.Printf("%s (metadata %s, data %s, block size %d sectors)\n",
			p.Name, p.MetadataDevice, p.DataDevice, p.BlockSizeSectors)

		volumes, err := rt.db.ListVolumes(ctx, p.Name)
		if err != nil {
			return err
		}
		for _, v := range volumes {
			kind := "volume"
			origin := ""
			if v.IsSnapshot() {
				kind = "snapshot"
				origin = fmt.Sprintf(" origin=%d", *v.OriginDeviceID)
			}
			fmt.Printf("  %-10s %s id=%d size=%d%s\n", kind, v.Name, v.DeviceID, v.VirtualSizeBytes, origin)
		}

		orphans, err := rt.db.ListOrphanedVolumes(ctx, p.Name)
		if err != nil {
			return err
		}
		for _, v := range orphans {
			fmt.Printf("  %-10s %s id=%d (awaiting gc)\n", "orphaned", v.Name, v.DeviceID)
		}
	}
	return nil
}
