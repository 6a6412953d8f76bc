package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/github"
	"github.com/schaermu/relsyncd/internal/mirror"
	"github.com/schaermu/relsyncd/internal/scheduler"
	"github.com/schaermu/relsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relsyncd",
	Short: "Mirror GitHub release assets to local disk",
	Long: `relsyncd mirrors the release assets of a GitHub repository into a local
directory tree served by a static file server.

Each release gets an immutable version directory (/X.Y.Z), and tracking
directories (/latest, /X, /X.Y) always point at the newest release within
their scope. It can run as a oneshot sync (via systemd timer or cron) or as
a long-running daemon with a daily schedule and an on-demand sync webhook.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time mirror pass",
	Long: `Sync enumerates the configured repository's releases, downloads any
missing version directories, updates the tracking directories and rewrites
index.json. Exits non-zero if another sync holds the mirror lock.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror daemon",
	Long: `Serve performs an initial mirror pass, then keeps the mirror current with
a periodic schedule and an HTTP endpoint (POST /api/sync) for on-demand
passes, typically wired to a GitHub release webhook through the front-door
proxy.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/relsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	report, err := engine.Run(ctx)
	if err != nil {
		if errors.Is(err, mirror.ErrBusy) {
			return fmt.Errorf("another sync is already running for %s", cfg.Paths.MirrorDir)
		}
		logger.Error("sync failed", "error", err)
		return err
	}

	logger.Info("sync finished",
		"synced", report.Synced,
		"skipped", report.Skipped,
		"duration", report.Duration)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(engine, cfg.Sync.Interval.Std(), logger)
	server := webhook.NewServer(cfg, engine, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(ctx)
	})
	g.Go(func() error {
		return server.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildEngine(cfg *config.Config, logger *slog.Logger) (*mirror.Engine, error) {
	source, err := github.NewAPIClient(cfg.Owner(), cfg.Name(), cfg.Repo.TokenFile, cfg.Repo.APIBaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create release source: %w", err)
	}
	return mirror.NewEngine(cfg, source, logger), nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/relsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.Slug,
		"mirror_dir", cfg.Paths.MirrorDir,
		"interval", cfg.Sync.Interval.Std(),
		"busy_policy", cfg.Sync.BusyPolicy)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
