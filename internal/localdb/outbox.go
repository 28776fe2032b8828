package localdb

import (
	"context"
	"fmt"

	"github.com/steveyegge/restaurant-reviews/internal/idb"
	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

// EnqueueReview queues review for delivery and returns the entry ID.
func (s *Store) EnqueueReview(ctx context.Context, review schema.Review) (int64, error) {
	entry := schema.NewOutboxEntry(review)
	if err := entry.Validate(); err != nil {
		return 0, fmt.Errorf("cannot queue review: %w", err)
	}

	var id int64
	err := s.withTx(ctx, engine.ReadWrite, []string{OutboxStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(OutboxStore)
		if err != nil {
			return err
		}
		key, err := store.Add(entry).Await(ctx)
		if err != nil {
			return err
		}
		id, err = intKey(key)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to queue review: %w", err)
	}
	return id, nil
}

// OutboxEntries lists queued entries oldest first.
func (s *Store) OutboxEntries(ctx context.Context) ([]schema.OutboxEntry, error) {
	var entries []schema.OutboxEntry
	err := s.withTx(ctx, engine.ReadOnly, []string{OutboxStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(OutboxStore)
		if err != nil {
			return err
		}
		return idb.IterateCursor(ctx, store.OpenCursor(nil, engine.Next), func(c *idb.Cursor) error {
			var e schema.OutboxEntry
			if err := c.Decode(&e); err != nil {
				return fmt.Errorf("failed to decode outbox entry %v: %w", c.PrimaryKey(), err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return entries, nil
}

// DeleteOutboxEntry removes one entry. Deleting a missing entry is not an
// error.
func (s *Store) DeleteOutboxEntry(ctx context.Context, id int64) error {
	err := s.withTx(ctx, engine.ReadWrite, []string{OutboxStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(OutboxStore)
		if err != nil {
			return err
		}
		_, err = store.Delete(id).Await(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete outbox entry %d: %w", id, err)
	}
	return nil
}

// OutboxCount returns the number of queued entries.
func (s *Store) OutboxCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, engine.ReadOnly, []string{OutboxStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(OutboxStore)
		if err != nil {
			return err
		}
		n, err = store.Count(nil).Await(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}
