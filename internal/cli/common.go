package cli

import (
	"fmt"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/image"
	"github.com/maren/evmount/internal/system"
	"github.com/maren/evmount/internal/ui"
)

// GlobalContext holds shared resources for all commands
type GlobalContext struct {
	Executor *system.Executor
	Logger   *ui.Logger
	Config   *config.Config
}

// NewGlobalContext creates a new global context
func NewGlobalContext(verbose, quiet, noColor, debug bool, configPath string) (*GlobalContext, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	return &GlobalContext{
		Executor: system.NewExecutor(debug),
		Logger:   ui.NewLogger(verbose, quiet, noColor),
		Config:   cfg,
	}, nil
}

// CheckDependencies checks for the commands no mount mechanism can work
// without. Optional tools (ewfmount, qemu-nbd, kpartx, the FUSE drivers)
// degrade their mechanism instead of failing the job.
func (ctx *GlobalContext) CheckDependencies() error {
	deps := []string{
		ctx.Config.Tool("mount"),
		ctx.Config.Tool("umount"),
		ctx.Config.Tool("losetup"),
	}
	return system.CheckDependencies(ctx.Executor, deps)
}

// Mounting bundles the engine, its pools and the reconciler for commands
// that touch mount state.
type Mounting struct {
	Final      *image.Pool
	Bridge     *image.Pool
	Registry   *image.Registry
	Engine     *image.Engine
	Reconciler *image.Reconciler
}

// BuildMounting provisions the mount point pools and wires the engine.
// Requires root, since pool directories live under the system mount base.
func (ctx *GlobalContext) BuildMounting() (*Mounting, error) {
	final, err := image.NewPool(ctx.Config.PoolBase, "image", ctx.Config.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("cannot provision image pool: %w", err)
	}
	bridge, err := image.NewPool(ctx.Config.PoolBase, "bridge", ctx.Config.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("cannot provision bridge pool: %w", err)
	}

	reg := image.NewRegistry()
	engine := image.NewEngine(ctx.Executor, ctx.Config, ctx.Logger, final, bridge, reg)
	reconciler := image.NewReconciler(ctx.Executor, ctx.Config, ctx.Logger, engine.NBD(), final, bridge)

	return &Mounting{
		Final:      final,
		Bridge:     bridge,
		Registry:   reg,
		Engine:     engine,
		Reconciler: reconciler,
	}, nil
}
