package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/restaurant-reviews/internal/loadtest"
	"github.com/steveyegge/restaurant-reviews/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "data",
	Short:   "Measure local store latency under concurrent readers",
	Long: `Seed a throwaway database and run concurrent indexed review reads
against it, then check consistency while a writer adds and queues reviews.

The database lives in a temporary directory and is removed afterwards.`,
	Run: func(cmd *cobra.Command, args []string) {
		restaurants, _ := cmd.Flags().GetInt("restaurants")
		reviews, _ := cmd.Flags().GetInt("reviews")
		clients, _ := cmd.Flags().GetInt("clients")
		queries, _ := cmd.Flags().GetInt("queries")
		verify, _ := cmd.Flags().GetDuration("verify")

		dir, err := os.MkdirTemp("", "reviews-loadtest-")
		if err != nil {
			exitErr("%v", err)
		}
		defer os.RemoveAll(dir)

		ctx := cmd.Context()
		fmt.Printf("%s Seeding %d restaurants x %d reviews...\n", ui.RenderAccent("→"), restaurants, reviews)
		td, err := loadtest.CreateTestDatabase(ctx, filepath.Join(dir, "load.db"), restaurants, reviews)
		if err != nil {
			exitErr("%v", err)
		}
		defer td.Close()

		start := time.Now()
		stats, err := td.RunConcurrentQueries(ctx, clients, queries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
		}
		if stats != nil {
			fmt.Printf("\n%d clients x %d queries in %v\n\n", clients, queries, time.Since(start).Round(time.Millisecond))
			stats.WriteStats(os.Stdout)
		}

		if verify > 0 {
			fmt.Printf("\n%s Checking consistency for %v...\n", ui.RenderAccent("→"), verify)
			if err := td.VerifyConsistency(ctx, clients, verify); err != nil {
				exitErr("consistency check failed: %v", err)
			}
			fmt.Printf("%s Consistent\n", ui.RenderPass("✓"))
		}
	},
}

func init() {
	loadtestCmd.Flags().Int("restaurants", 50, "restaurants to seed")
	loadtestCmd.Flags().Int("reviews", 20, "reviews per restaurant")
	loadtestCmd.Flags().Int("clients", 20, "concurrent readers")
	loadtestCmd.Flags().Int("queries", 50, "queries per reader")
	loadtestCmd.Flags().Duration("verify", 2*time.Second, "consistency check duration (0 to skip)")
	rootCmd.AddCommand(loadtestCmd)
}
