package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/boot"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/fetch"
	"github.com/cochaviz/kiln/internal/image"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/manifest"
	"github.com/cochaviz/kiln/internal/pipeline"
	"github.com/cochaviz/kiln/internal/rootfs"
	"github.com/cochaviz/kiln/internal/run"
	"github.com/cochaviz/kiln/internal/store"
	"github.com/cochaviz/kiln/internal/teststage"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	logLevel   string
	configPath string
	storeRoot  string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	flags := &rootFlags{logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Staged build-and-test pipeline for the kiln kernel userland",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Pipeline configuration file (default: built-in)")
	root.PersistentFlags().StringVar(&flags.storeRoot, "store", "", "Override the artifact store root")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(flags.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newPlainStageCommand(logger, flags, "setup", "Fetch pinned sources and toolchain assets"),
		newPlainStageCommand(logger, flags, "update", "Move tracked sources to their upstream heads"),
		newArchStageCommand(logger, flags, "rootfs", "Build the minimal userland for an architecture"),
		newArchStageCommand(logger, flags, "libc-test", "Stage the libc conformance suite into the rootfs"),
		newArchStageCommand(logger, flags, "other-test", "Stage the secondary test suite into the rootfs"),
		newImageCommand(logger, flags),
		newArchStageCommand(logger, flags, "boot", "Smoke-boot the packaged image under qemu"),
		newPlainStageCommand(logger, flags, "check", "Run the configured style checks"),
		newDocCommand(logger, flags),
		newCleanCommand(logger, flags),
		newStatusCommand(logger, flags),
	)
	return root
}

// newPlainStageCommand covers stages that take no architecture.
func newPlainStageCommand(logger *slog.Logger, flags *rootFlags, stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   stage,
		Args:  cobra.NoArgs,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd.Context(), logger, flags, stage, pipeline.Options{})
		},
	}
}

// newArchStageCommand covers stages parameterized by an optional
// architecture argument.
func newArchStageCommand(logger *slog.Logger, flags *rootFlags, stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   stage + " [arch]",
		Args:  cobra.MaximumNArgs(1),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseArchArg(args)
			if err != nil {
				return err
			}
			return runStage(cmd.Context(), logger, flags, stage, pipeline.Options{Arch: target})
		},
	}
}

func newImageCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	var withTests bool

	cmd := &cobra.Command{
		Use:   "image [arch]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Pack the rootfs into a bootable disk image",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseArchArg(args)
			if err != nil {
				return err
			}
			return runStage(cmd.Context(), logger, flags, "image", pipeline.Options{
				Arch:      target,
				WithTests: withTests,
			})
		},
	}
	cmd.Flags().BoolVar(&withTests, "with-tests", false, "Stage both test suites before packing")
	return cmd
}

func newDocCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	var open bool

	cmd := &cobra.Command{
		Use:   "doc",
		Args:  cobra.NoArgs,
		Short: "Generate the project documentation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd.Context(), logger, flags, "doc", pipeline.Options{OpenDoc: open})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "Open the generated documentation index")
	return cmd
}

func newCleanCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	var (
		archFlag string
		sources  bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Args:  cobra.NoArgs,
		Short: "Delete build outputs from the artifact store",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipeline.Options{CleanSources: sources}
			if archFlag != "" {
				target, err := arch.Parse(archFlag)
				if err != nil {
					return err
				}
				opts.Arch = target
				opts.CleanArchOnly = true
			}
			return runStage(cmd.Context(), logger, flags, "clean", opts)
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Clean a single architecture instead of everything")
	cmd.Flags().BoolVar(&sources, "sources", false, "Also remove fetched sources and toolchains")
	return cmd
}

func newStatusCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [arch]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Show the freshness of every tracked artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(logger, flags)
			if err != nil {
				return err
			}

			arches := arch.Supported()
			if len(args) > 0 {
				target, err := arch.Parse(args[0])
				if err != nil {
					return err
				}
				arches = []arch.Architecture{target}
			}

			fmt.Printf("%-10s %-12s %-12s %s\n", "ARCH", "ARTIFACT", "STATE", "TREE")
			for _, entry := range app.store.Status(arches) {
				fmt.Printf("%-10s %-12s %-12s %s\n", entry.Arch, entry.Name, entry.State, entry.TreeHash)
			}
			return nil
		},
	}
}

func parseArchArg(args []string) (arch.Architecture, error) {
	if len(args) == 0 {
		return arch.Default(), nil
	}
	return arch.Parse(args[0])
}

// app holds the assembled pipeline behind one command invocation.
type app struct {
	store  *store.Store
	driver *pipeline.Driver
}

func buildApp(logger *slog.Logger, flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.StoreRoot, logger.With("component", "store"))
	if err != nil {
		return nil, err
	}

	mf, err := loadManifest(cfg)
	if err != nil {
		return nil, err
	}

	runner := &run.ExecRunner{Logger: logger.With("component", "run")}
	services := pipeline.Services{
		Store:  st,
		Config: cfg,
		Runner: runner,
		Fetcher: &fetch.Fetcher{
			Logger:   logger.With("component", "fetch"),
			Store:    st,
			Runner:   runner,
			Manifest: mf,
		},
		Rootfs: &rootfs.Builder{
			Logger: logger.With("component", "rootfs"),
			Store:  st,
			Runner: runner,
			Config: cfg,
		},
		Tests: &teststage.Stager{
			Logger: logger.With("component", "teststage"),
			Store:  st,
			Runner: runner,
			Config: cfg,
		},
		Images: &image.Packager{
			Logger: logger.With("component", "image"),
			Store:  st,
			Runner: runner,
			Config: cfg,
		},
		Boots: &boot.Booter{
			Logger: logger.With("component", "boot"),
			Store:  st,
			Config: cfg,
		},
	}

	driver := pipeline.NewDriver(logger.With("component", "pipeline"), st)
	if err := driver.Register(pipeline.DefaultStages(services)...); err != nil {
		return nil, err
	}
	return &app{store: st, driver: driver}, nil
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if flags.storeRoot != "" {
		root, err := filepath.Abs(flags.storeRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve store root: %w", err)
		}
		cfg.StoreRoot = root
	}
	return cfg, nil
}

func loadManifest(cfg *config.Config) (*manifest.Manifest, error) {
	if cfg.SourceManifest != "" {
		return manifest.Load(cfg.SourceManifest)
	}
	return manifest.Default()
}

func runStage(ctx context.Context, logger *slog.Logger, flags *rootFlags, stage string, opts pipeline.Options) error {
	cmdLogger := logger.With("command", stage)

	app, err := buildApp(logger, flags)
	if err != nil {
		cmdLogger.Error("pipeline assembly failed", "error", err)
		return err
	}

	if _, err := app.driver.Run(ctx, stage, opts); err != nil {
		cmdLogger.Error("stage failed", "error", err)
		return err
	}
	return nil
}
