package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kwv/maplocalizer/localize"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile   string
	logLevel     string
	keyframeList string
	forceInit    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "maplocalizer",
		Short:         "Localize a moving camera against a pre-built visual map",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Replay keyframes as queries and report position error",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *App, cmd *cobra.Command, _ []string) error {
			ids, err := parseKeyframeIDs(keyframeList)
			if err != nil {
				return err
			}
			return a.Evaluate(ctx, ids, cmd.OutOrStdout())
		}),
	}
	evaluateCmd.Flags().StringVar(&keyframeList, "keyframes", "", "Comma-separated keyframe IDs (default: all)")

	initCmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configFile); err == nil && !forceInit {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configFile)
			}
			cfg := localize.DefaultConfig()
			cfg.Map.Project = "project.xml"
			if err := localize.SaveConfig(configFile, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configFile)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the localization service",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, a *App, _ *cobra.Command, _ []string) error {
				return a.RunService(ctx)
			}),
		},
		&cobra.Command{
			Use:   "build-cache",
			Short: "Extract features for every keyframe and fill the descriptor cache",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, a *App, cmd *cobra.Command, _ []string) error {
				return a.BuildCache(ctx, cmd.OutOrStdout())
			}),
		},
		&cobra.Command{
			Use:   "inspect",
			Short: "Print keyframe count, descriptor statistics and map bounds",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, a *App, cmd *cobra.Command, _ []string) error {
				return a.Inspect(ctx, cmd.OutOrStdout())
			}),
		},
		&cobra.Command{
			Use:   "localize <image>",
			Short: "Localize a single image and print the record as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(ctx context.Context, a *App, cmd *cobra.Command, args []string) error {
				return a.LocalizeImage(ctx, args[0], cmd.OutOrStdout())
			}),
		},
		evaluateCmd,
		initCmd,
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "maplocalizer version: %s\n", Version)
			},
		},
	)
	return root
}

type appFunc func(ctx context.Context, a *App, cmd *cobra.Command, args []string) error

// withApp loads the configuration and logger, builds an App and runs fn
// with a context cancelled on SIGINT or SIGTERM.
func withApp(fn appFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := localize.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err := localize.NewLogger(cfg.Log.Env, cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		logger.Info("starting maplocalizer",
			zap.String("version", Version),
			zap.String("command", cmd.Name()),
			zap.String("config", configFile))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := NewApp(cfg, logger)
		defer func() {
			if cerr := a.Close(); cerr != nil {
				logger.Warn("closing", zap.Error(cerr))
			}
		}()

		err = fn(ctx, a, cmd, args)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// parseKeyframeIDs parses a comma-separated ID list. Empty means all.
func parseKeyframeIDs(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid keyframe id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
