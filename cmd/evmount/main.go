package main

import (
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/maren/evmount/internal/cli"
	"github.com/maren/evmount/internal/config"
)

var (
	verbose    bool
	quiet      bool
	noColor    bool
	debug      bool
	configPath string

	ctx  *cli.GlobalContext
	once sync.Once
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evmount",
	Short: "evmount - forensic evidence mounting pipeline",
	Long: `evmount exposes disk and memory evidence containers (E01, VMDK, raw,
DMG) as read-only filesystem trees and drives the acquisition pipeline
(mount, collect, process, analyse, index, archive) across them.

It cascades through kernel loop mounts, NBD, device-mapper partition
nodes and user-space FUSE drivers until one mechanism works, and
reclaims every mount, loop and NBD device it acquired, even after an
interrupted run.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Rebuild the context with the parsed flag values
		var err error
		once.Do(func() {
			ctx2, buildErr := cli.NewGlobalContext(verbose, quiet, noColor, debug, configPath)
			if buildErr != nil {
				err = buildErr
				return
			}
			*ctx = *ctx2
		})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (suppress non-error output)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode (show commands)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Configuration file")

	// Initial context with defaults; replaced in PersistentPreRunE once
	// flags are parsed.
	var err error
	ctx, err = cli.NewGlobalContext(false, false, false, false, config.DefaultPath)
	if err != nil {
		ctx = &cli.GlobalContext{}
	}

	rootCmd.AddCommand(cli.NewRunCommand(ctx))
	rootCmd.AddCommand(cli.NewMountCommand(ctx))
	rootCmd.AddCommand(cli.NewUnmountCommand(ctx))
	rootCmd.AddCommand(cli.NewListCommand(ctx))
	rootCmd.AddCommand(cli.NewCleanupCommand(ctx))

	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
