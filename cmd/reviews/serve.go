package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/restaurant-reviews/internal/assetcache"
	"github.com/steveyegge/restaurant-reviews/internal/config"
	"github.com/steveyegge/restaurant-reviews/internal/daemon"
	"github.com/steveyegge/restaurant-reviews/internal/dashboard"
	"github.com/steveyegge/restaurant-reviews/internal/reconcile"
	"github.com/steveyegge/restaurant-reviews/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the caching proxy, sync daemon and dashboard (foreground)",
	Long: `Run everything the client needs while it is open:

  1. Install and activate the asset cache, then serve it through a caching
     reverse proxy on --proxy-addr
  2. Watch the spool directory for sync tags
  3. Probe the review endpoint and replay the outbox when it comes back
  4. Stream replay and cache events to the dashboard on --dashboard-port

A cache that cannot be installed (for example while offline) is logged and
the proxy passes requests through to the origin.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		store, err := openStore()
		if err != nil {
			exitErr("%v", err)
		}
		defer store.Close()

		storage, err := assetcache.OpenStorage(cfg.CachePath())
		if err != nil {
			exitErr("opening asset cache: %v", err)
		}
		defer storage.Close()

		server := dashboard.NewServer(&dashboard.Config{
			Host:   "127.0.0.1",
			Port:   cfg.DashboardPort,
			Logger: newLogger("[dashboard] "),
		})
		events := dashboard.NewHandler(server, newLogger("[dashboard] "))
		if err := server.Start(); err != nil {
			exitErr("failed to start dashboard: %v", err)
		}
		defer server.Stop()

		worker, err := newWorker(storage, assetcache.Hooks{
			Installed: events.OnCacheInstalled,
			Activated: events.OnCacheActivated,
		})
		if err != nil {
			exitErr("%v", err)
		}
		if err := worker.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s asset cache unavailable: %v\n", ui.RenderWarn("⚠"), err)
		}

		reconciler := reconcile.NewReconciler(store, reconcile.NewHTTPSender(cfg.Endpoint, nil), &reconcile.Config{
			OnResult: events.OnSyncComplete,
			Logger:   newLogger("[sync] "),
		})
		if n, err := store.OutboxCount(ctx); err == nil {
			events.SetQueued(int(n))
		}

		proxy := &http.Server{
			Addr:              cfg.ProxyAddr,
			Handler:           worker.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := proxy.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "Error: proxy: %v\n", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = proxy.Shutdown(shutdownCtx)
		}()

		d, err := daemon.NewWithConfig(reconciler, cfg.SpoolDir(), &daemon.Config{
			ProbeURL:         cfg.Endpoint,
			ProbeInterval:    cfg.ProbeInterval,
			DebounceInterval: 100 * time.Millisecond,
			Logger:           newLogger("[daemon] "),
		})
		if err != nil {
			exitErr("%v", err)
		}

		fmt.Printf("%s Proxy:     http://%s/\n", ui.RenderAccent("→"), cfg.ProxyAddr)
		fmt.Printf("%s Dashboard: http://%s/\n", ui.RenderAccent("→"), server.Addr())
		fmt.Printf("%s Spool:     %s\n", ui.RenderAccent("→"), cfg.SpoolDir())
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon: %v\n", err)
		}
	},
}

// newWorker builds the asset cache worker from the loaded config.
func newWorker(storage *assetcache.Storage, hooks assetcache.Hooks) (*assetcache.Worker, error) {
	wc := assetcache.DefaultConfig()
	wc.Origin = cfg.Origin
	wc.Version = cfg.CacheVersion
	wc.FetchConcurrency = cfg.FetchConcurrency
	wc.Hooks = hooks
	wc.Logger = newLogger("[cache] ")
	if cfg.Manifest != "" {
		m, err := assetcache.LoadManifest(cfg.Manifest)
		if err != nil {
			return nil, err
		}
		wc.Manifest = m
	}
	return assetcache.New(storage, wc)
}

func init() {
	serveCmd.Flags().String("proxy-addr", "", "address for the caching proxy")
	serveCmd.Flags().Int("dashboard-port", 0, "dashboard port")
	serveCmd.Flags().Duration("probe-interval", 0, "how often to probe the review endpoint")
	bindFlag(serveCmd, config.KeyProxyAddr, "proxy-addr")
	bindFlag(serveCmd, config.KeyDashboardPort, "dashboard-port")
	bindFlag(serveCmd, config.KeyProbeInterval, "probe-interval")

	rootCmd.AddCommand(serveCmd)
}
