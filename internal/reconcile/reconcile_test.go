package reconcile

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/restaurant-reviews/internal/localdb"
	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupOutbox(t *testing.T, names ...string) (*localdb.Store, map[string]int64) {
	t.Helper()
	ctx := testCtx(t)
	s := localdb.New(filepath.Join(t.TempDir(), "restaurants.db"))
	t.Cleanup(func() { s.Close() })

	ids := make(map[string]int64)
	for _, name := range names {
		id, err := s.EnqueueReview(ctx, schema.Review{RestaurantID: 1, Name: name, Rating: 5, Comments: "queued"})
		if err != nil {
			t.Fatalf("EnqueueReview(%s): %v", name, err)
		}
		ids[name] = id
	}
	return s, ids
}

func remainingNames(t *testing.T, s *localdb.Store) []string {
	t.Helper()
	entries, err := s.OutboxEntries(testCtx(t))
	if err != nil {
		t.Fatalf("OutboxEntries: %v", err)
	}
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Review.Name)
	}
	return names
}

// acceptOnly accepts reviews whose author is in names and rejects the rest.
func acceptOnly(names ...string) SenderFunc {
	return func(ctx context.Context, entry schema.OutboxEntry) error {
		for _, n := range names {
			if entry.Review.Name == n {
				return nil
			}
		}
		return &ReplayError{EntryID: entry.ID, Outcome: Rejected, StatusCode: 200, Result: "failure"}
	}
}

func TestReconcile_AllAccepted(t *testing.T) {
	s, _ := setupOutbox(t, "A", "B")

	result, err := Reconcile(testCtx(t), s, acceptOnly("A", "B"), quietLogger())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Accepted != 2 || result.Remaining() != 0 {
		t.Errorf("accepted=%d remaining=%d, want 2 and 0", result.Accepted, result.Remaining())
	}
	if got := remainingNames(t, s); len(got) != 0 {
		t.Errorf("outbox = %v, want empty", got)
	}
}

func TestReconcile_PartialAcceptance(t *testing.T) {
	s, ids := setupOutbox(t, "A", "B")

	result, err := Reconcile(testCtx(t), s, acceptOnly("A"), quietLogger())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff([]string{"B"}, remainingNames(t, s)); diff != "" {
		t.Errorf("outbox mismatch (-want +got):\n%s", diff)
	}
	if result.Accepted != 1 || result.Rejected != 1 {
		t.Errorf("accepted=%d rejected=%d, want 1 and 1", result.Accepted, result.Rejected)
	}

	var outcomes []Outcome
	for _, rp := range result.Replays {
		outcomes = append(outcomes, rp.Outcome)
	}
	// Replays are ordered by entry ID, and A was queued first.
	if ids["A"] >= ids["B"] {
		t.Fatalf("ids = %v, want A before B", ids)
	}
	if diff := cmp.Diff([]Outcome{Accepted, Rejected}, outcomes); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcile_FailuresKeepEntries(t *testing.T) {
	s, _ := setupOutbox(t, "A", "B", "C")

	send := SenderFunc(func(ctx context.Context, entry schema.OutboxEntry) error {
		switch entry.Review.Name {
		case "A":
			return errors.New("connection refused")
		case "B":
			return &ReplayError{EntryID: entry.ID, Outcome: Malformed, Err: errors.New("not json")}
		}
		return nil
	})

	result, err := Reconcile(testCtx(t), s, send, quietLogger())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Failed != 1 || result.Malformed != 1 || result.Accepted != 1 {
		t.Errorf("result = %+v", result)
	}
	if diff := cmp.Diff([]string{"A", "B"}, remainingNames(t, s)); diff != "" {
		t.Errorf("outbox mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcile_EmptyOutbox(t *testing.T) {
	s, _ := setupOutbox(t)

	var calls atomic.Int32
	send := SenderFunc(func(ctx context.Context, entry schema.OutboxEntry) error {
		calls.Add(1)
		return nil
	})
	result, err := Reconcile(testCtx(t), s, send, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Replays) != 0 || calls.Load() != 0 {
		t.Errorf("replays=%d calls=%d, want 0", len(result.Replays), calls.Load())
	}
}

type brokenOutbox struct{}

func (brokenOutbox) OutboxEntries(ctx context.Context) ([]schema.OutboxEntry, error) {
	return nil, errors.New("disk gone")
}

func (brokenOutbox) DeleteOutboxEntry(ctx context.Context, id int64) error {
	return nil
}

func TestReconcile_OutboxUnreadable(t *testing.T) {
	_, err := Reconcile(testCtx(t), brokenOutbox{}, acceptOnly(), quietLogger())
	if err == nil {
		t.Fatal("expected error for unreadable outbox")
	}
}

func TestReconciler_IgnoresOtherTags(t *testing.T) {
	s, _ := setupOutbox(t, "A")

	var calls atomic.Int32
	send := SenderFunc(func(ctx context.Context, entry schema.OutboxEntry) error {
		calls.Add(1)
		return nil
	})
	r := NewReconciler(s, send, &Config{Logger: quietLogger()})

	if _, err := r.Trigger(testCtx(t), "somethingElse"); !errors.Is(err, ErrIgnoredTag) {
		t.Fatalf("Trigger(other) error = %v, want ErrIgnoredTag", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("sender called %d times for ignored tag", calls.Load())
	}
	if got := remainingNames(t, s); len(got) != 1 {
		t.Fatalf("outbox = %v, want untouched", got)
	}

	var reported atomic.Int32
	r.config.OnResult = func(*Result) { reported.Add(1) }
	result, err := r.Trigger(testCtx(t), SyncTag)
	if err != nil {
		t.Fatalf("Trigger(%s): %v", SyncTag, err)
	}
	if result.Accepted != 1 || reported.Load() != 1 {
		t.Errorf("accepted=%d reported=%d, want 1 and 1", result.Accepted, reported.Load())
	}
}

func TestReconciler_CoalescesConcurrentTriggers(t *testing.T) {
	s, _ := setupOutbox(t, "A")

	release := make(chan struct{})
	var calls atomic.Int32
	send := SenderFunc(func(ctx context.Context, entry schema.OutboxEntry) error {
		calls.Add(1)
		<-release
		return nil
	})
	r := NewReconciler(s, send, &Config{Logger: quietLogger()})

	ctx := testCtx(t)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Trigger(ctx, SyncTag); err != nil {
				t.Errorf("Trigger: %v", err)
			}
		}()
	}
	// Let the first run reach the sender before releasing it.
	deadline := time.After(5 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sender never called")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := remainingNames(t, s); len(got) != 0 {
		t.Errorf("outbox = %v, want empty", got)
	}
}

type memQueue struct {
	mu      sync.Mutex
	reviews []schema.Review
	err     error
}

func (q *memQueue) EnqueueReview(ctx context.Context, review schema.Review) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.reviews = append(q.reviews, review)
	return int64(len(q.reviews)), nil
}

func TestSubmit(t *testing.T) {
	ctx := testCtx(t)
	review := schema.Review{RestaurantID: 3, Name: "Ann", Rating: 4, Comments: "ok"}

	t.Run("delivered", func(t *testing.T) {
		q := &memQueue{}
		sub, err := Submit(ctx, q, acceptOnly("Ann"), review)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if !sub.Delivered || len(q.reviews) != 0 {
			t.Errorf("delivered=%v queued=%d, want true and 0", sub.Delivered, len(q.reviews))
		}
	})

	t.Run("queued when offline", func(t *testing.T) {
		q := &memQueue{}
		offline := SenderFunc(func(context.Context, schema.OutboxEntry) error {
			return errors.New("network down")
		})
		sub, err := Submit(ctx, q, offline, review)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if sub.Delivered || sub.EntryID != 1 || OutcomeOf(sub.Err) != TransportFailed {
			t.Errorf("submission = %+v", sub)
		}
	})

	t.Run("queue failure", func(t *testing.T) {
		q := &memQueue{err: errors.New("full")}
		if _, err := Submit(ctx, q, acceptOnly(), review); err == nil {
			t.Error("expected error when queueing fails")
		}
	})

	t.Run("invalid review", func(t *testing.T) {
		if _, err := Submit(ctx, &memQueue{}, acceptOnly("Ann"), schema.Review{Name: "x"}); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestReconciler_CanceledCallerDoesNotFailJoinedTriggers(t *testing.T) {
	s, _ := setupOutbox(t, "A")

	release := make(chan struct{})
	var calls atomic.Int32
	send := SenderFunc(func(ctx context.Context, entry schema.OutboxEntry) error {
		calls.Add(1)
		<-release
		return ctx.Err()
	})
	var reported atomic.Int32
	r := NewReconciler(s, send, &Config{
		Logger:   quietLogger(),
		OnResult: func(*Result) { reported.Add(1) },
	})

	firstCtx, cancelFirst := context.WithCancel(testCtx(t))
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Trigger(firstCtx, SyncTag)
		firstErr <- err
	}()

	deadline := time.After(5 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sender never called")
		case <-time.After(5 * time.Millisecond):
		}
	}

	type outcome struct {
		result *Result
		err    error
	}
	joined := make(chan outcome, 1)
	go func() {
		result, err := r.Trigger(testCtx(t), SyncTag)
		joined <- outcome{result, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("canceled Trigger error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("canceled Trigger did not return")
	}

	close(release)
	select {
	case got := <-joined:
		if got.err != nil {
			t.Fatalf("joined Trigger failed: %v", got.err)
		}
		if got.result.Accepted != 1 {
			t.Errorf("joined result accepted = %d, want 1", got.result.Accepted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("joined Trigger did not return")
	}

	if calls.Load() != 1 {
		t.Errorf("sender called %d times, want 1", calls.Load())
	}
	if reported.Load() != 1 {
		t.Errorf("OnResult called %d times, want 1", reported.Load())
	}
	if got := remainingNames(t, s); len(got) != 0 {
		t.Errorf("outbox = %v, want empty", got)
	}
}
