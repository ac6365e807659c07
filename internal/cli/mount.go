package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maren/evmount/internal/pipeline"
	"github.com/maren/evmount/internal/system"
	"github.com/maren/evmount/internal/ui"
)

// MountCommand mounts evidence containers without running later phases
type MountCommand struct {
	ctx    *GlobalContext
	output string
	vss    bool
}

// NewMountCommand creates the mount command
func NewMountCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &MountCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "mount <container>...",
		Short: "Mount evidence containers and leave them mounted",
		Long: `Identify and mount one or more evidence containers, printing the
resulting image handles and mount points. Images stay mounted; use
'evmount unmount' or 'evmount cleanup' to release them.`,
		Args: cobra.MinimumNArgs(1),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.output, "output", "o", ".", "Directory where the audit log is written")
	cobraCmd.Flags().BoolVar(&cmd.vss, "vss", false, "Enumerate and mount NTFS volume shadow snapshots")

	return cobraCmd
}

// Run executes the mount command
func (c *MountCommand) Run(cmd *cobra.Command, args []string) error {
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

	audit, err := pipeline.OpenAudit(c.output)
	if err != nil {
		return err
	}
	defer audit.Close()

	orch := &pipeline.Orchestrator{
		Engine:      mounting.Engine,
		Reconciler:  mounting.Reconciler,
		Audit:       audit,
		Log:         c.ctx.Logger,
		WithVSS:     c.vss,
		KeepMounted: true,
		MaxSize:     c.ctx.Config.MaxSize(),
		Parallel:    1,
	}

	summary, err := orch.Run(cmd.Context(), args, []pipeline.Phase{pipeline.PhaseMount}, c.output)
	if err != nil {
		return err
	}

	table := ui.NewTable("HANDLE", "MOUNT")
	for _, entry := range mounting.Registry.Entries() {
		table.AddRow(entry.Handle.String(), entry.MountPath)
	}
	table.Print()

	printSummary(summary)
	if !summary.Success() {
		return fmt.Errorf("no container could be mounted")
	}
	return nil
}

// printSummary renders the per-container outcome table every job ends with.
func printSummary(summary *pipeline.Summary) {
	if summary == nil {
		return
	}
	table := ui.NewTable("CONTAINER", "STATUS", "IMAGES")
	for _, out := range summary.Outcomes {
		status := out.Status
		if out.Error != "" {
			status = fmt.Sprintf("%s (%s)", out.Status, out.Error)
		}
		table.AddRow(out.Container, status, fmt.Sprintf("%d", len(out.Handles)))
	}
	table.Print()
}
