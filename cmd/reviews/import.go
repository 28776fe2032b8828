package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/restaurant-reviews/internal/importer"
	"github.com/steveyegge/restaurant-reviews/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import",
	GroupID: "data",
	Short:   "Load restaurants and reviews from JSON or JSONL",
	Long: `Load restaurants and reviews into the local database. Each source is a
file path or an http(s) URL and may hold a JSON array or one object per line.

Importing is idempotent: records are replaced by ID. A single invalid record
rejects its whole source.`,
	Run: func(cmd *cobra.Command, args []string) {
		restaurants, _ := cmd.Flags().GetString("restaurants")
		reviews, _ := cmd.Flags().GetString("reviews")
		if restaurants == "" && reviews == "" {
			exitErr("nothing to import (use --restaurants and/or --reviews)")
		}

		store, err := openStore()
		if err != nil {
			exitErr("%v", err)
		}
		defer store.Close()

		stats, err := importer.New(store, nil).Import(cmd.Context(), restaurants, reviews)
		if err != nil {
			exitErr("%v", err)
		}
		fmt.Printf("%s Imported %d restaurants and %d reviews in %v\n",
			ui.RenderPass("✓"), stats.Restaurants, stats.Reviews, stats.Duration)
	},
}

func init() {
	importCmd.Flags().String("restaurants", "", "restaurants source (file or URL)")
	importCmd.Flags().String("reviews", "", "reviews source (file or URL)")
	rootCmd.AddCommand(importCmd)
}
