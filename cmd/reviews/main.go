// Command reviews is the offline-first restaurant review client.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/restaurant-reviews/internal/config"
	"github.com/steveyegge/restaurant-reviews/internal/localdb"
	"github.com/steveyegge/restaurant-reviews/internal/telemetry"
)

var (
	v         = config.New()
	cfg       *config.Config
	cfgFile   string
	logOutput io.Writer = os.Stderr

	shutdownTracing = func(context.Context) error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Offline-first restaurant review client",
	Long: `reviews keeps restaurant data and reviews in a local database, serves
static assets from a versioned cache, and replays reviews written offline
once the review endpoint is reachable again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		if cfg.LogFile != "" {
			logOutput = io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			})
		}

		shutdown, err := telemetry.Setup(cmd.Context(), "reviews")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: tracing disabled: %v\n", err)
		} else {
			shutdownTracing = shutdown
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = shutdownTracing(context.Background())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./reviews.toml or ~/.config/reviews/reviews.toml)")
	flags.String("data-dir", "", "directory for the local database, asset cache and spool")
	flags.String("endpoint", "", "review endpoint reviews are replayed to")
	flags.String("origin", "", "origin static assets are fetched from")
	flags.String("cache-version", "", "asset cache version tag")
	flags.String("log-file", "", "also write logs to this file (rotated)")

	for key, flag := range map[string]string{
		config.KeyDataDir:      "data-dir",
		config.KeyEndpoint:     "endpoint",
		config.KeyOrigin:       "origin",
		config.KeyCacheVersion: "cache-version",
		config.KeyLogFile:      "log-file",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Local data:"},
		&cobra.Group{ID: "sync", Title: "Sync and cache:"},
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

// newLogger returns a component logger honoring --log-file.
func newLogger(prefix string) *log.Logger {
	return log.New(logOutput, prefix, log.LstdFlags)
}

// openStore opens the local database, creating the data directory.
func openStore() (*localdb.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath()), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store := localdb.New(cfg.DatabasePath())
	store.SetLogger(newLogger("[localdb] "))
	return store, nil
}

// bindFlag binds a command-local flag to a config key.
func bindFlag(cmd *cobra.Command, key, flag string) {
	_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
}

// exitErr prints an error and exits non-zero.
func exitErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
