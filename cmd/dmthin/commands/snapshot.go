package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	fsm "github.com/superfly/fsm"

	dmthin "github.com/superfly/dmthin"
	"github.com/superfly/dmthin/provision"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <pool> <origin> <name>",
	Short: "Create a copy-on-write snapshot of an existing volume",
	Long: `Creates a snapshot sharing all unmodified blocks with its origin.
The snapshot's virtual size is copied from the origin; an active origin is
suspended around the operation. Snapshots of snapshots are allowed.`,
	Args: cobra.ExactArgs(3),
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	poolName, origin, name := args[0], args[1], args[2]

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.adoptPool(ctx, poolName); err != nil {
		return err
	}

	manager, err := fsm.New(fsm.Config{
		Logger: rt.logger,
		DBPath: rt.cfg.FSMDBPath,
		Queues: provision.Queues(),
	})
	if err != nil {
		return fmt.Errorf("workflow manager init failed: %w", err)
	}
	defer manager.Shutdown(5 * time.Second)

	deps := &provision.Dependencies{DB: rt.db, Pools: rt.pools, Guard: rt.guard}
	start, _, err := provision.RegisterSnapshot(ctx, manager, deps)
	if err != nil {
		return fmt.Errorf("workflow registration failed: %w", err)
	}

	req := &provision.SnapshotRequest{
		PoolName:   poolName,
		OriginName: origin,
		Name:       name,
	}
	resp := &provision.SnapshotResponse{}

	version, err := start(ctx, dmthin.DeriveRunKey("snapshot", poolName+"/"+name), fsm.NewRequest(req, resp), fsm.WithQueue(provision.SnapshotQueue))
	if err != nil {
		return fmt.Errorf("workflow start failed: %w", err)
	}
	if err := manager.Wait(ctx, version); err != nil {
		return fmt.Errorf("snapshot provisioning failed: %w", err)
	}

	if resp.AlreadyExist {
		fmt.Printf("Snapshot %s already provisioned (device %d at %s)\n", resp.Name, resp.DeviceID, resp.DevicePath)
		return nil
	}
	fmt.Printf("Snapshot %s provisioned\n", resp.Name)
	fmt.Printf("  device:    %s\n", resp.DevicePath)
	fmt.Printf("  device id: %d (origin %d)\n", resp.DeviceID, resp.OriginDeviceID)
	fmt.Printf("  size:      %d bytes (inherited)\n", resp.VirtualSizeBytes)
	return nil
}
