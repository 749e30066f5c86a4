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

var createVolumeSize int64

var createVolumeCmd = &cobra.Command{
	Use:   "create-volume <pool> <name>",
	Short: "Carve a thin volume out of a provisioned pool",
	Args:  cobra.ExactArgs(2),
	RunE:  runCreateVolume,
}

func init() {
	rootCmd.AddCommand(createVolumeCmd)
	createVolumeCmd.Flags().Int64Var(&createVolumeSize, "size", 500*1024*1024, "Virtual size in bytes")
}

func runCreateVolume(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	poolName, name := args[0], args[1]

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
	start, _, err := provision.RegisterVolume(ctx, manager, deps)
	if err != nil {
		return fmt.Errorf("workflow registration failed: %w", err)
	}

	req := &provision.VolumeRequest{
		PoolName:         poolName,
		Name:             name,
		VirtualSizeBytes: createVolumeSize,
	}
	resp := &provision.VolumeResponse{}

	version, err := start(ctx, dmthin.DeriveRunKey("volume", poolName+"/"+name), fsm.NewRequest(req, resp), fsm.WithQueue(provision.VolumeQueue))
	if err != nil {
		return fmt.Errorf("workflow start failed: %w", err)
	}
	if err := manager.Wait(ctx, version); err != nil {
		return fmt.Errorf("volume provisioning failed: %w", err)
	}

	if resp.AlreadyExist {
		fmt.Printf("Volume %s already provisioned (device %d at %s)\n", resp.Name, resp.DeviceID, resp.DevicePath)
		return nil
	}
	fmt.Printf("Volume %s provisioned\n", resp.Name)
	fmt.Printf("  device:    %s\n", resp.DevicePath)
	fmt.Printf("  device id: %d\n", resp.DeviceID)
	fmt.Printf("  size:      %d bytes\n", resp.VirtualSizeBytes)
	return nil
}
