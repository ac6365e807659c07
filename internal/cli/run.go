package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maren/evmount/internal/pipeline"
	"github.com/maren/evmount/internal/system"
)

// RunCommand drives the full acquisition pipeline
type RunCommand struct {
	ctx      *GlobalContext
	output   string
	phases   string
	vss      bool
	hash     bool
	parallel int

	collectCmd string
	processCmd string
	analyseCmd string
	indexCmd   string
	archiveCmd string
}

// NewRunCommand creates the run command
func NewRunCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &RunCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "run <container>...",
		Short: "Mount evidence containers and run the acquisition pipeline",
		Long: `Mount one or more evidence containers and drive them through the
mount, collect, process, analyse, index and archive phases. A container
that fails to mount is reported and skipped; the job continues with the
rest.`,
		Args: cobra.MinimumNArgs(1),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.output, "output", "o", ".", "Directory where results and the audit log are written")
	cobraCmd.Flags().StringVar(&cmd.phases, "phases", "", "Comma-separated phase subset (default: all)")
	cobraCmd.Flags().BoolVar(&cmd.vss, "vss", false, "Enumerate and mount NTFS volume shadow snapshots")
	cobraCmd.Flags().BoolVar(&cmd.hash, "hash", false, "Keep a running SHA-256 over collected data")
	cobraCmd.Flags().IntVar(&cmd.parallel, "parallel", 1, "Containers to mount concurrently")
	cobraCmd.Flags().StringVar(&cmd.collectCmd, "collect-cmd", "", "Collector command template ({handle} {mount} {output})")
	cobraCmd.Flags().StringVar(&cmd.processCmd, "process-cmd", "", "Processor command template")
	cobraCmd.Flags().StringVar(&cmd.analyseCmd, "analyse-cmd", "", "Analyser command template")
	cobraCmd.Flags().StringVar(&cmd.indexCmd, "index-cmd", "", "Indexer command template")
	cobraCmd.Flags().StringVar(&cmd.archiveCmd, "archive-cmd", "", "Archiver command template")

	return cobraCmd
}

// Run executes the run command
func (c *RunCommand) Run(cmd *cobra.Command, args []string) error {
	if err := system.RequireRoot(); err != nil {
		return err
	}
	if err := c.ctx.CheckDependencies(); err != nil {
		return err
	}

	phases, err := pipeline.ParsePhases(c.phases)
	if err != nil {
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
		Engine:        mounting.Engine,
		Reconciler:    mounting.Reconciler,
		Audit:         audit,
		Log:           c.ctx.Logger,
		Collaborators: c.collaborators(),
		WithVSS:       c.vss,
		WithHash:      c.hash,
		MaxSize:       c.ctx.Config.MaxSize(),
		Parallel:      c.parallel,
	}

	// A job-level abort must reclaim every mount before exit.
	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := orch.Run(runCtx, args, phases, c.output)
	printSummary(summary)

	if runErr != nil {
		return runErr
	}
	if !summary.Success() {
		return fmt.Errorf("no container reached the %s phase", phases[len(phases)-1])
	}
	return nil
}

// collaborators builds the per-phase collaborator table from the command
// templates. Unset phases fall back to built-in no-ops.
func (c *RunCommand) collaborators() map[pipeline.Phase][]pipeline.Collaborator {
	table := make(map[pipeline.Phase][]pipeline.Collaborator)
	add := func(phase pipeline.Phase, name, template string) {
		if template == "" {
			return
		}
		argv := strings.Fields(template)
		table[phase] = []pipeline.Collaborator{
			pipeline.NewCommandCollaborator(name, c.ctx.Executor, argv),
		}
	}
	add(pipeline.PhaseCollect, "collector", c.collectCmd)
	add(pipeline.PhaseProcess, "processor", c.processCmd)
	add(pipeline.PhaseAnalyse, "analyser", c.analyseCmd)
	add(pipeline.PhaseIndex, "indexer", c.indexCmd)
	add(pipeline.PhaseArchive, "archiver", c.archiveCmd)
	return table
}
