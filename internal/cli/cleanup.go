package cli

import (
	"github.com/spf13/cobra"

	"github.com/maren/evmount/internal/system"
)

// CleanupCommand runs the stale-state reconciler standalone
type CleanupCommand struct {
	ctx *GlobalContext
}

// NewCleanupCommand creates the cleanup command
func NewCleanupCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &CleanupCommand{ctx: ctx}

	return &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim stale mounts and devices from an interrupted run",
		Long: `Sweep the mount point pools and the snapshot root for anything a
previous interrupted run left bound: mounted slots, attached NBD devices
and loop devices. Safe to run on a clean system.`,
		RunE: cmd.Run,
	}
}

// Run executes the cleanup command
func (c *CleanupCommand) Run(cmd *cobra.Command, args []string) error {
	if err := system.RequireRoot(); err != nil {
		return err
	}
	if err := c.ctx.CheckDependencies(); err != nil {
		return err
	}

	mounting, err := c.ctx.BuildMounting()
	if err != nil {
		return err
	}

	mounting.Reconciler.Sweep()
	c.ctx.Logger.Success("stale state reconciled")
	return nil
}
