package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/restaurant-reviews/internal/daemon"
	"github.com/steveyegge/restaurant-reviews/internal/reconcile"
	"github.com/steveyegge/restaurant-reviews/internal/schema"
	"github.com/steveyegge/restaurant-reviews/internal/ui"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "Inspect and replay reviews waiting for delivery",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued reviews",
	Long: `List reviews waiting in the outbox, oldest first.

--since accepts a timestamp, a duration ("2h") or a phrase such as
"yesterday" or "last monday".`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceFlag, _ := cmd.Flags().GetString("since")
		var since time.Time
		if sinceFlag != "" {
			t, err := parseSince(sinceFlag, time.Now())
			if err != nil {
				exitErr("%v", err)
			}
			since = t
		}

		store, err := openStore()
		if err != nil {
			exitErr("%v", err)
		}
		defer store.Close()

		entries, err := store.OutboxEntries(cmd.Context())
		if err != nil {
			exitErr("%v", err)
		}

		var rows [][]string
		for _, e := range entries {
			if e.QueuedAt.Before(since) {
				continue
			}
			rows = append(rows, []string{
				strconv.FormatInt(e.ID, 10),
				e.QueuedAt.Local().Format("2006-01-02 15:04:05"),
				strconv.FormatInt(e.Review.RestaurantID, 10),
				e.Review.Name,
				strings.Repeat("★", e.Review.Rating),
			})
		}

		if len(rows) == 0 {
			fmt.Printf("%s Outbox is empty\n", ui.RenderPass("✓"))
			return
		}
		ui.Table(os.Stdout, []string{"ID", "QUEUED", "RESTAURANT", "AUTHOR", "RATING"}, rows)
	},
}

var outboxEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a review without trying to send it",
	Run: func(cmd *cobra.Command, args []string) {
		review := reviewFromFlags(cmd)

		store, err := openStore()
		if err != nil {
			exitErr("%v", err)
		}
		defer store.Close()

		id, err := store.EnqueueReview(cmd.Context(), review)
		if err != nil {
			exitErr("%v", err)
		}
		requestSync()
		fmt.Printf("%s Queued review as outbox entry %d\n", ui.RenderPass("✓"), id)
	},
}

var outboxSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the outbox now",
	Long: `Replay every queued review to the review endpoint. Reviews the endpoint
accepts are removed; everything else stays queued.

With --via-daemon the sync tag is dropped into the spool directory for a
running 'reviews serve' to pick up instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		if viaDaemon, _ := cmd.Flags().GetBool("via-daemon"); viaDaemon {
			if err := daemon.Request(cfg.SpoolDir(), reconcile.SyncTag); err != nil {
				exitErr("%v", err)
			}
			fmt.Printf("%s Sync requested\n", ui.RenderPass("✓"))
			return
		}

		store, err := openStore()
		if err != nil {
			exitErr("%v", err)
		}
		defer store.Close()

		sender := reconcile.NewHTTPSender(cfg.Endpoint, nil)
		result, err := reconcile.Reconcile(cmd.Context(), store, sender, newLogger("[sync] "))
		if err != nil {
			exitErr("%v", err)
		}

		for _, rp := range result.Replays {
			mark := ui.RenderPass("✓")
			detail := "sent"
			if rp.Outcome != reconcile.Accepted {
				mark = ui.RenderWarn("⚠")
				detail = rp.Outcome.String()
				if rp.Err != nil {
					detail += ": " + rp.Err.Error()
				}
			}
			fmt.Printf("%s entry %d %s\n", mark, rp.EntryID, ui.RenderMuted(detail))
		}
		fmt.Printf("\n%d sent, %d still queued (%v)\n", result.Accepted, result.Remaining(), result.Duration.Round(time.Millisecond))
	},
}

// parseSince accepts RFC 3339, a duration back from now, or natural language.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a date", s)
	}
	return r.Time, nil
}

// requestSync asks a running daemon to replay the outbox. Without a daemon
// the spool file waits for the next 'reviews serve'.
func requestSync() {
	if err := daemon.Request(cfg.SpoolDir(), reconcile.SyncTag); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not request sync: %v\n", err)
	}
}

func addReviewFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("restaurant", 0, "restaurant ID (required)")
	cmd.Flags().String("name", "", "reviewer name (required)")
	cmd.Flags().Int("rating", 0, "rating from 1 to 5 (required)")
	cmd.Flags().String("comments", "", "review text")
	_ = cmd.MarkFlagRequired("restaurant")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("rating")
}

func reviewFromFlags(cmd *cobra.Command) schema.Review {
	restaurantID, _ := cmd.Flags().GetInt64("restaurant")
	name, _ := cmd.Flags().GetString("name")
	rating, _ := cmd.Flags().GetInt("rating")
	comments, _ := cmd.Flags().GetString("comments")

	now := schema.Now()
	review := schema.Review{
		RestaurantID: restaurantID,
		Name:         name,
		Rating:       rating,
		Comments:     comments,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := review.Validate(); err != nil {
		exitErr("invalid review: %v", err)
	}
	return review
}

func init() {
	outboxListCmd.Flags().String("since", "", "only entries queued after this time")
	outboxSyncCmd.Flags().Bool("via-daemon", false, "hand the sync to a running daemon")
	addReviewFlags(outboxEnqueueCmd)

	outboxCmd.AddCommand(outboxListCmd, outboxEnqueueCmd, outboxSyncCmd)
	rootCmd.AddCommand(outboxCmd)
}
