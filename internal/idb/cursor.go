package idb

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
)

// Cursor is one position of a forward-only scan. Every position wraps the
// same engine request, so stepping any of them advances the shared scan.
// A finished scan cannot be restarted; open a new cursor instead.
type Cursor struct {
	c          *engine.Cursor
	store      *ObjectStore
	index      *Index
	key        engine.Key
	primaryKey engine.Key
	value      json.RawMessage
}

// cursorFuture settles with the cursor position the request lands on.
func cursorFuture(op string, store *ObjectStore, index *Index, r *engine.Request) *Future[*Cursor] {
	f := newFuture[*Cursor]()
	r.OnSuccess(func() {
		res := r.Result()
		if res == nil {
			f.settle(nil, ErrCursorExhausted)
			return
		}
		c := res.(*engine.Cursor)
		f.settle(&Cursor{
			c:          c,
			store:      store,
			index:      index,
			key:        c.Key(),
			primaryKey: c.PrimaryKey(),
			value:      c.Value(),
		}, nil)
	})
	r.OnError(func() {
		f.settle(nil, &RequestError{Op: op, Err: r.Err()})
	})
	return f
}

// Key returns the key at this position: the index key for index cursors.
func (c *Cursor) Key() engine.Key {
	return c.key
}

// PrimaryKey returns the record key at this position.
func (c *Cursor) PrimaryKey() engine.Key {
	return c.primaryKey
}

// Value returns the record at this position. Key cursors return nil.
func (c *Cursor) Value() json.RawMessage {
	return c.value
}

// Decode unmarshals the record at this position into v.
func (c *Cursor) Decode(v any) error {
	if c.value == nil {
		return errors.New("cursor has no value")
	}
	return json.Unmarshal(c.value, v)
}

// Direction returns the scan direction.
func (c *Cursor) Direction() engine.Direction {
	return c.c.Direction()
}

// Store returns the store being scanned.
func (c *Cursor) Store() *ObjectStore {
	return c.store
}

// Index returns the index being scanned, or nil for store cursors.
func (c *Cursor) Index() *Index {
	return c.index
}

// Continue advances to the next position, or to key when given.
func (c *Cursor) Continue(key ...engine.Key) *Future[*Cursor] {
	if err := c.c.Continue(key...); err != nil {
		return Rejected[*Cursor](&RequestError{Op: "continue", Err: err})
	}
	return cursorFuture("continue", c.store, c.index, c.c.Request())
}

// ContinuePrimaryKey advances an index cursor to (key, primaryKey).
func (c *Cursor) ContinuePrimaryKey(key, primaryKey engine.Key) *Future[*Cursor] {
	if err := c.c.ContinuePrimaryKey(key, primaryKey); err != nil {
		return Rejected[*Cursor](&RequestError{Op: "continuePrimaryKey", Err: err})
	}
	return cursorFuture("continuePrimaryKey", c.store, c.index, c.c.Request())
}

// Advance skips count positions.
func (c *Cursor) Advance(count int) *Future[*Cursor] {
	if err := c.c.Advance(count); err != nil {
		return Rejected[*Cursor](&RequestError{Op: "advance", Err: err})
	}
	return cursorFuture("advance", c.store, c.index, c.c.Request())
}

// Update replaces the record at the current position.
func (c *Cursor) Update(value any) *Future[engine.Key] {
	b, err := encode(value)
	if err != nil {
		return Rejected[engine.Key](&RequestError{Op: "update", Err: err})
	}
	return wrap("update", c.c.Update(b), asKey)
}

// Delete removes the record at the current position.
func (c *Cursor) Delete() *Future[struct{}] {
	return wrap("delete", c.c.Delete(), asNothing)
}

// Each calls fn for this position and every later one until the scan is
// exhausted or fn returns an error.
func (c *Cursor) Each(ctx context.Context, fn func(*Cursor) error) error {
	cur := c
	for {
		if err := fn(cur); err != nil {
			return err
		}
		next, err := cur.Continue().Await(ctx)
		if errors.Is(err, ErrCursorExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		cur = next
	}
}

// IterateCursor waits for an opened cursor and walks it with fn. An empty
// scan is not an error.
func IterateCursor(ctx context.Context, open *Future[*Cursor], fn func(*Cursor) error) error {
	c, err := open.Await(ctx)
	if errors.Is(err, ErrCursorExhausted) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.Each(ctx, fn)
}
