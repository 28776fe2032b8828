package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

// Config holds configuration for a Reconciler.
type Config struct {
	// OnResult is called after every completed reconciliation.
	OnResult func(*Result)

	// Logger for sync activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Reconciler gates Reconcile behind the sync tag. Triggers that arrive while
// a run is in progress share its result instead of replaying twice.
type Reconciler struct {
	outbox Outbox
	sender Sender
	config *Config
	group  singleflight.Group
}

// NewReconciler creates a Reconciler.
func NewReconciler(outbox Outbox, sender Sender, config *Config) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Reconciler{outbox: outbox, sender: sender, config: config}
}

// Trigger handles a connectivity-restored signal. Tags other than SyncTag
// return ErrIgnoredTag without touching the outbox. A canceled ctx returns
// early but leaves the run to finish for any other waiting trigger.
func (r *Reconciler) Trigger(ctx context.Context, tag string) (*Result, error) {
	if tag != SyncTag {
		r.config.Logger.Printf("Ignoring sync tag %q", tag)
		return nil, ErrIgnoredTag
	}

	// The run outlives the caller that started it: later triggers join it,
	// and one caller giving up must not fail the others.
	ch := r.group.DoChan(tag, func() (any, error) {
		result, err := Reconcile(context.WithoutCancel(ctx), r.outbox, r.sender, r.config.Logger)
		if err == nil && r.config.OnResult != nil {
			r.config.OnResult(result)
		}
		return result, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	}
}

// Queue is where undelivered reviews wait.
type Queue interface {
	EnqueueReview(ctx context.Context, review schema.Review) (int64, error)
}

// Submission is the outcome of Submit.
type Submission struct {
	Delivered bool
	EntryID   int64
	Err       error
}

// Submit tries to deliver review right away and queues it when delivery is
// not confirmed. The returned error is only set when queueing fails.
func Submit(ctx context.Context, queue Queue, send Sender, review schema.Review) (*Submission, error) {
	if err := review.Validate(); err != nil {
		return nil, fmt.Errorf("invalid review: %w", err)
	}

	sendErr := send.Send(ctx, schema.OutboxEntry{Review: review})
	if sendErr == nil {
		return &Submission{Delivered: true}, nil
	}

	id, err := queue.EnqueueReview(ctx, review)
	if err != nil {
		return nil, fmt.Errorf("delivery failed (%v) and queueing failed: %w", sendErr, err)
	}
	return &Submission{EntryID: id, Err: sendErr}, nil
}
