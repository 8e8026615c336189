package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hollowcrest/pretranscode/internal/config"
	"github.com/hollowcrest/pretranscode/internal/hwaccel"
	"github.com/hollowcrest/pretranscode/internal/logger"
	"github.com/hollowcrest/pretranscode/internal/metastore"
	"github.com/hollowcrest/pretranscode/internal/watcher"

	pretranscode "github.com/hollowcrest/pretranscode"
)

var rootCmd = &cobra.Command{
	Use:   "pretransd",
	Short: "Pre-transcoding engine for a personal media server",
	Long: `pretransd scans a films and series library, queues newly found
sources for HLS packaging, and supervises a bounded pool of ffmpeg workers
that produce demuxed multi-rendition HLS assets on disk.

It can be configured with flags, PRETRANS_* environment variables, or
built-in defaults, in that precedence order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Flags())
	},
}

var scanOnceCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the library once, enqueue new sources, and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return scanOnce(cmd.Flags())
	},
}

func init() {
	config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(scanOnceCmd)
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildEngine(cfg *config.Config) (*pretranscode.Engine, *metastore.Store, error) {
	store, err := metastore.Open(cfg.DBPath, metastore.Options{BusyTimeout: 5 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata store: %w", err)
	}

	hw := hwaccel.New("")
	if cfg.HWAccel == "none" {
		hw.Disable()
	}

	w := watcher.New([]string{cfg.FilmsRoot, cfg.SeriesRoot})

	engine := pretranscode.NewEngine(pretranscode.Options{
		FilmsRoot:      cfg.FilmsRoot,
		SeriesRoot:     cfg.SeriesRoot,
		TranscodedRoot: cfg.TranscodedRoot,
		Hardware:       hw,
		Metastore:      store,
		Watcher:        w,
		MaxConcurrent:  cfg.MaxConcurrent,
		AutoStart:      cfg.AutoStart,
	})
	return engine, store, nil
}

func run(flags *pflag.FlagSet) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.LogEnvironment,
		Format:      cfg.LogFormat,
		Level:       logger.ParseLevel(cfg.LogLevel),
	})
	log.Info("starting pretransd", "films_root", cfg.FilmsRoot, "series_root", cfg.SeriesRoot, "transcoded_root", cfg.TranscodedRoot)

	engine, store, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := engine.ScanAndQueue(); err != nil {
		log.WithError(err).Warn("initial library scan failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Boot(ctx); err != nil {
		return fmt.Errorf("boot engine: %w", err)
	}

	log.Info("pretransd running, awaiting signal")
	<-ctx.Done()
	log.Info("shutting down")
	engine.Stop()
	return nil
}

func scanOnce(flags *pflag.FlagSet) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{Environment: cfg.LogEnvironment, Level: logger.ParseLevel(cfg.LogLevel)})

	engine, store, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := engine.ScanAndQueue(); err != nil {
		return fmt.Errorf("scan library: %w", err)
	}
	stats := engine.GetStats()
	log.Info("scan complete", "pending", stats.Pending)
	return nil
}
