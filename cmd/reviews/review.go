package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/restaurant-reviews/internal/localdb"
	"github.com/steveyegge/restaurant-reviews/internal/reconcile"
	"github.com/steveyegge/restaurant-reviews/internal/schema"
	"github.com/steveyegge/restaurant-reviews/internal/ui"
)

var reviewCmd = &cobra.Command{
	Use:     "review",
	GroupID: "data",
	Short:   "Write and read reviews",
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Send a review, queueing it when the endpoint is unreachable",
	Long: `Send a review to the review endpoint. When delivery is not confirmed the
review is stored locally and queued in the outbox, and a sync is requested so
the daemon replays it once the endpoint is reachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		review := reviewFromFlags(cmd)

		store, err := openStore()
		if err != nil {
			exitErr("%v", err)
		}
		defer store.Close()

		ctx := cmd.Context()
		if _, err := store.AddReview(ctx, review); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: review not stored locally: %v\n", err)
		}

		sub, err := reconcile.Submit(ctx, store, reconcile.NewHTTPSender(cfg.Endpoint, nil), review)
		if err != nil {
			exitErr("%v", err)
		}
		if sub.Delivered {
			fmt.Printf("%s Review sent\n", ui.RenderPass("✓"))
			return
		}

		requestSync()
		fmt.Printf("%s Review queued as outbox entry %d\n", ui.RenderWarn("⚠"), sub.EntryID)
		fmt.Printf("   %s\n", ui.RenderMuted(sub.Err.Error()))
	},
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reviews",
	Run: func(cmd *cobra.Command, args []string) {
		restaurantID, _ := cmd.Flags().GetInt64("restaurant")

		store, err := openStore()
		if err != nil {
			exitErr("%v", err)
		}
		defer store.Close()

		var reviews []schema.Review
		if restaurantID > 0 {
			reviews, err = store.ReviewsForRestaurant(cmd.Context(), restaurantID)
		} else {
			reviews, err = store.Reviews(cmd.Context())
		}
		if err != nil {
			exitErr("%v", err)
		}

		rows := make([][]string, 0, len(reviews))
		for _, r := range reviews {
			rows = append(rows, []string{
				strconv.FormatInt(r.ID, 10),
				strconv.FormatInt(r.RestaurantID, 10),
				r.Name,
				strings.Repeat("★", r.Rating),
				truncate(r.Comments, 50),
			})
		}
		ui.Table(os.Stdout, []string{"ID", "RESTAURANT", "AUTHOR", "RATING", "COMMENTS"}, rows)
	},
}

var restaurantsCmd = &cobra.Command{
	Use:     "restaurants",
	GroupID: "data",
	Short:   "List stored restaurants, or show one by ID",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore()
		if err != nil {
			exitErr("%v", err)
		}
		defer store.Close()

		var restaurants []schema.Restaurant
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				exitErr("invalid restaurant ID %q", args[0])
			}
			r, err := store.Restaurant(cmd.Context(), id)
			if errors.Is(err, localdb.ErrNotFound) {
				exitErr("restaurant %d not found", id)
			} else if err != nil {
				exitErr("%v", err)
			}
			restaurants = append(restaurants, *r)
		} else {
			restaurants, err = store.Restaurants(cmd.Context())
			if err != nil {
				exitErr("%v", err)
			}
		}

		rows := make([][]string, 0, len(restaurants))
		for _, r := range restaurants {
			rows = append(rows, []string{strconv.FormatInt(r.ID, 10), r.Name, r.Neighborhood, r.CuisineType})
		}
		ui.Table(os.Stdout, []string{"ID", "NAME", "NEIGHBORHOOD", "CUISINE"}, rows)
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	addReviewFlags(reviewSubmitCmd)
	reviewListCmd.Flags().Int64("restaurant", 0, "only reviews for this restaurant")

	reviewCmd.AddCommand(reviewSubmitCmd, reviewListCmd)
	rootCmd.AddCommand(reviewCmd, restaurantsCmd)
}
