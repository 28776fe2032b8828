// Package reconcile drains the review outbox once connectivity returns.
//
// Reconcile is a plain function over an Outbox and a Sender, so it runs the
// same whether a daemon, the CLI or a test delivers the trigger. Entries are
// replayed concurrently and only entries the endpoint accepted are deleted.
// Every other outcome is logged and the entry stays queued for the next
// trigger; the outbox is never cleared in bulk.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

// SyncTag is the only connectivity-restored tag that runs a reconciliation.
const SyncTag = "sendRestaurantReview"

const tracerName = "github.com/steveyegge/restaurant-reviews/internal/reconcile"

// Outbox is the part of the local store the reconciler needs.
type Outbox interface {
	OutboxEntries(ctx context.Context) ([]schema.OutboxEntry, error)
	DeleteOutboxEntry(ctx context.Context, id int64) error
}

// Replay is the outcome of one entry.
type Replay struct {
	EntryID  int64
	Outcome  Outcome
	Deleted  bool
	Err      error
	Duration time.Duration
}

// Result summarizes one reconciliation.
type Result struct {
	Replays   []Replay
	Accepted  int
	Rejected  int
	Failed    int
	Malformed int
	Duration  time.Duration
}

// Remaining returns how many entries are still queued.
func (r *Result) Remaining() int {
	n := 0
	for _, rp := range r.Replays {
		if !rp.Deleted {
			n++
		}
	}
	return n
}

// Reconcile replays every queued entry through send. It only returns an
// error when the outbox cannot be read; replay failures are logged and
// reported in the result.
func Reconcile(ctx context.Context, outbox Outbox, send Sender, logger *log.Logger) (*Result, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	start := time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile")
	defer span.End()

	entries, err := outbox.OutboxEntries(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read outbox")
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.entries", len(entries)))
	logger.Printf("Replaying %d queued reviews", len(entries))

	var mu sync.Mutex
	result := &Result{Replays: make([]Replay, 0, len(entries))}

	wg := conc.NewWaitGroup()
	for _, entry := range entries {
		wg.Go(func() {
			rp := replay(ctx, outbox, send, entry, logger)
			mu.Lock()
			result.Replays = append(result.Replays, rp)
			mu.Unlock()
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		logger.Printf("Warning: replay panicked: %v", recovered.Value)
	}

	sort.Slice(result.Replays, func(i, j int) bool {
		return result.Replays[i].EntryID < result.Replays[j].EntryID
	})
	for _, rp := range result.Replays {
		switch rp.Outcome {
		case Accepted:
			result.Accepted++
		case Rejected:
			result.Rejected++
		case Malformed:
			result.Malformed++
		default:
			result.Failed++
		}
	}
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("replay.accepted", result.Accepted),
		attribute.Int("replay.rejected", result.Rejected),
		attribute.Int("replay.failed", result.Failed+result.Malformed),
	)
	logger.Printf("Reconciliation done: %d accepted, %d rejected, %d failed, %d malformed (%s)",
		result.Accepted, result.Rejected, result.Failed, result.Malformed, result.Duration.Round(time.Millisecond))
	return result, nil
}

func replay(ctx context.Context, outbox Outbox, send Sender, entry schema.OutboxEntry, logger *log.Logger) Replay {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.replay",
		trace.WithAttributes(
			attribute.Int64("outbox.id", entry.ID),
			attribute.Int64("review.restaurant_id", entry.Review.RestaurantID),
		))
	defer span.End()

	rp := Replay{EntryID: entry.ID}
	err := send.Send(ctx, entry)
	rp.Outcome = OutcomeOf(err)
	rp.Err = err
	span.SetAttributes(attribute.String("replay.outcome", rp.Outcome.String()))

	switch rp.Outcome {
	case Accepted:
		if err := outbox.DeleteOutboxEntry(ctx, entry.ID); err != nil {
			// The endpoint has the review; a later trigger may send it again.
			rp.Err = err
			span.RecordError(err)
			logger.Printf("Warning: entry %d accepted but not removed: %v", entry.ID, err)
		} else {
			rp.Deleted = true
			logger.Printf("Entry %d accepted and removed", entry.ID)
		}
	case Rejected:
		span.SetStatus(codes.Error, "rejected")
		logger.Printf("Entry %d rejected by endpoint, keeping it queued: %v", entry.ID, err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, rp.Outcome.String())
		logger.Printf("Warning: entry %d not delivered: %v", entry.ID, err)
	}

	rp.Duration = time.Since(start)
	return rp
}
