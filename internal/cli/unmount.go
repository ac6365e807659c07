package cli

import (
	"github.com/spf13/cobra"

	"github.com/maren/evmount/internal/system"
)

// UnmountCommand releases every evidence mount of a previous job
type UnmountCommand struct {
	ctx *GlobalContext
}

// NewUnmountCommand creates the unmount command
func NewUnmountCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &UnmountCommand{ctx: ctx}

	return &cobra.Command{
		Use:   "unmount",
		Short: "Unmount all evidence images",
		Long: `Unmount every image left mounted by 'evmount mount', disconnect NBD
devices and release loop devices. Equivalent to the startup sweep a new
job performs.`,
		RunE: cmd.Run,
	}
}

// Run executes the unmount command
func (c *UnmountCommand) Run(cmd *cobra.Command, args []string) error {
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
	c.ctx.Logger.Success("all evidence mounts released")
	return nil
}
