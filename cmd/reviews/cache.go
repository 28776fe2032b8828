package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/steveyegge/restaurant-reviews/internal/assetcache"
	"github.com/steveyegge/restaurant-reviews/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "sync",
	Short:   "Manage the versioned static asset cache",
	Long: `Manage the static asset cache.

Each cache version is stored under its version tag. Installing fetches every
manifest resource and stores them only if all succeed. Activating deletes
every other version.`,
}

var cacheInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Fetch the manifest into the current cache version",
	Run: func(cmd *cobra.Command, args []string) {
		withWorker(func(w *assetcache.Worker) {
			if err := w.Install(cmd.Context()); err != nil {
				exitErr("install failed: %v", err)
			}
			fmt.Printf("%s Installed cache %s\n", ui.RenderPass("✓"), w.Version())
		})
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate the current cache version and delete the others",
	Run: func(cmd *cobra.Command, args []string) {
		withWorker(func(w *assetcache.Worker) {
			// A previously installed version can be activated directly.
			if err := w.Start(cmd.Context()); err != nil {
				exitErr("activate failed: %v", err)
			}
			fmt.Printf("%s Active cache: %s\n", ui.RenderPass("✓"), w.Version())
		})
	},
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List cache versions and their entry counts",
	Run: func(cmd *cobra.Command, args []string) {
		storage, err := assetcache.OpenStorage(cfg.CachePath())
		if err != nil {
			exitErr("opening asset cache: %v", err)
		}
		defer storage.Close()

		tags, err := storage.Keys()
		if err != nil {
			exitErr("%v", err)
		}
		sort.Strings(tags)

		if len(tags) == 0 {
			fmt.Printf("\n%s No cache installed\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'reviews cache install' while online\n\n")
			return
		}

		rows := make([][]string, 0, len(tags))
		for _, tag := range tags {
			keys, err := storage.Open(tag).Keys()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: reading %s: %v\n", tag, err)
				continue
			}
			current := ""
			if tag == cfg.CacheVersion {
				current = ui.RenderPass("current")
			}
			rows = append(rows, []string{tag, strconv.Itoa(len(keys)), current})
		}

		fmt.Printf("\n%s Asset Cache (%s)\n\n", ui.RenderAccent("📦"), cfg.CachePath())
		ui.Table(os.Stdout, []string{"VERSION", "ENTRIES", ""}, rows)
		fmt.Println()
	},
}

// withWorker opens the cache storage for the duration of fn.
func withWorker(fn func(*assetcache.Worker)) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		exitErr("failed to create data directory: %v", err)
	}
	storage, err := assetcache.OpenStorage(cfg.CachePath())
	if err != nil {
		exitErr("opening asset cache: %v", err)
	}
	defer storage.Close()

	w, err := newWorker(storage, assetcache.Hooks{})
	if err != nil {
		exitErr("%v", err)
	}
	fn(w)
}

func init() {
	cacheCmd.AddCommand(cacheInstallCmd, cacheActivateCmd, cacheStatusCmd)
	rootCmd.AddCommand(cacheCmd)
}
