package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// Cursor walks a store or index one record at a time. Every step settles
// the request that opened the cursor again: its result is the cursor while
// positioned on a record and nil once the scan is exhausted.
type Cursor struct {
	tx      *Transaction
	store   *ObjectStore
	index   *Index
	rng     *KeyRange
	dir     Direction
	keyOnly bool
	req     *Request

	mu         sync.Mutex
	key        Key
	primaryKey Key
	value      json.RawMessage
	positioned bool
	gotValue   bool
	exhausted  bool
}

// seek describes where the next step lands relative to the current position.
type seek struct {
	from       Key
	fromPK     Key
	positioned bool
	target     Key
	targetPK   Key
	skip       int
}

func openCursor(tx *Transaction, store *ObjectStore, index *Index, query any, dir Direction, keyOnly bool) *Request {
	var source any = store
	if index != nil {
		source = index
	}
	if dir == "" {
		dir = Next
	}
	if !dir.valid() {
		return failedRequest(tx.db.loop, source, newError(ErrData, "invalid cursor direction %q", dir))
	}
	rng, err := normalizeQuery(query)
	if err != nil {
		return failedRequest(tx.db.loop, source, err)
	}

	c := &Cursor{tx: tx, store: store, index: index, rng: rng, dir: dir, keyOnly: keyOnly}
	c.req = newRequest(tx.db.loop, source)
	if err := tx.schedule(c.req, false, c.stepOp(seek{})); err != nil {
		tx.db.loop.dispatch(func() { c.req.complete(nil, err) })
	}
	return c.req
}

// Source returns the store or index being iterated.
func (c *Cursor) Source() any {
	if c.index != nil {
		return c.index
	}
	return c.store
}

// Direction returns the iteration direction.
func (c *Cursor) Direction() Direction {
	return c.dir
}

// Request returns the request re-fired on every step.
func (c *Cursor) Request() *Request {
	return c.req
}

// Key returns the current key: the index key for index cursors.
func (c *Cursor) Key() Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// PrimaryKey returns the record key at the current position.
func (c *Cursor) PrimaryKey() Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryKey
}

// Value returns the current record, or nil for key cursors.
func (c *Cursor) Value() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Continue moves to the next record, or to the first record at or beyond
// key in the iteration direction.
func (c *Cursor) Continue(key ...Key) error {
	if len(key) > 1 {
		return newError(ErrData, "continue takes at most one key")
	}
	var target Key
	if len(key) == 1 && key[0] != nil {
		k, err := NormalizeKey(key[0])
		if err != nil {
			return err
		}
		target = k
	}
	return c.step(func(s *seek) error {
		if target == nil {
			return nil
		}
		if s.positioned {
			cmp := CompareKeys(target, s.from)
			if (!c.dir.backwards() && cmp <= 0) || (c.dir.backwards() && cmp >= 0) {
				return newError(ErrData, "continue key %v does not advance the cursor", target)
			}
		}
		s.target = target
		return nil
	})
}

// ContinuePrimaryKey moves to the first entry at or beyond (key, primaryKey).
// Only index cursors iterating next or prev support it.
func (c *Cursor) ContinuePrimaryKey(key, primaryKey Key) error {
	if c.index == nil {
		return newError(ErrInvalidAccess, "continuePrimaryKey needs an index cursor")
	}
	if c.dir.unique() {
		return newError(ErrInvalidAccess, "continuePrimaryKey is not allowed for %s cursors", c.dir)
	}
	k, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	pk, err := NormalizeKey(primaryKey)
	if err != nil {
		return err
	}
	return c.step(func(s *seek) error {
		cmp := CompareKeys(k, s.from)
		if cmp == 0 {
			cmp = CompareKeys(pk, s.fromPK)
		}
		if (!c.dir.backwards() && cmp <= 0) || (c.dir.backwards() && cmp >= 0) {
			return newError(ErrData, "continuePrimaryKey does not advance the cursor")
		}
		s.target, s.targetPK = k, pk
		return nil
	})
}

// Advance skips count records.
func (c *Cursor) Advance(count int) error {
	if count <= 0 {
		return newError(ErrData, "advance count must be positive (got %d)", count)
	}
	return c.step(func(s *seek) error {
		s.skip = count - 1
		return nil
	})
}

// Update replaces the record at the cursor. The value must carry the
// same key.
func (c *Cursor) Update(value []byte) *Request {
	pk, err := c.current()
	if err == nil && c.keyOnly {
		err = newError(ErrInvalidState, "key cursors cannot update")
	}
	if err != nil {
		return failedRequest(c.tx.db.loop, c, err)
	}
	buf := append([]byte(nil), value...)
	return c.tx.issue(c, true, func(tx *sql.Tx) (any, error) {
		m, err := c.store.meta()
		if err != nil {
			return nil, err
		}
		k, ok := extractKey(buf, m.keyPath)
		if !ok || CompareKeys(k, pk) != 0 {
			return nil, newError(ErrData, "updated value must keep key %v", pk)
		}
		return putRecord(tx, m, buf, true)
	})
}

// Delete removes the record at the cursor.
func (c *Cursor) Delete() *Request {
	pk, err := c.current()
	if err == nil && c.keyOnly {
		err = newError(ErrInvalidState, "key cursors cannot delete")
	}
	if err != nil {
		return failedRequest(c.tx.db.loop, c, err)
	}
	return c.tx.issue(c, true, func(tx *sql.Tx) (any, error) {
		if _, err := tx.Exec(`DELETE FROM idb_index_entries WHERE store = ? AND pk = ?`, c.store.name, pk); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to delete index entries")
		}
		if _, err := tx.Exec(`DELETE FROM idb_records WHERE store = ? AND k = ?`, c.store.name, pk); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to delete record")
		}
		return nil, nil
	})
}

func (c *Cursor) current() (Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gotValue || c.exhausted {
		return nil, newError(ErrInvalidState, "cursor is not positioned on a record")
	}
	return c.primaryKey, nil
}

// step re-arms the request and schedules the next fetch.
func (c *Cursor) step(configure func(*seek) error) error {
	c.mu.Lock()
	if c.exhausted {
		c.mu.Unlock()
		return newError(ErrInvalidState, "cursor is exhausted")
	}
	if !c.gotValue {
		c.mu.Unlock()
		return newError(ErrInvalidState, "cursor is already advancing")
	}
	s := seek{from: c.key, fromPK: c.primaryKey, positioned: c.positioned}
	c.mu.Unlock()

	if err := configure(&s); err != nil {
		return err
	}

	c.mu.Lock()
	c.gotValue = false
	c.mu.Unlock()

	c.req.rearm()
	if err := c.tx.schedule(c.req, false, c.stepOp(s)); err != nil {
		c.mu.Lock()
		c.gotValue = true
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Cursor) stepOp(s seek) opFunc {
	return func(tx *sql.Tx) (any, error) {
		if c.index != nil {
			if _, err := c.index.meta(); err != nil {
				return nil, err
			}
		} else if _, err := c.store.meta(); err != nil {
			return nil, err
		}

		q, args := c.query(s)
		var k, pk any
		var v string
		err := tx.QueryRow(q, args...).Scan(&k, &pk, &v)
		if errors.Is(err, sql.ErrNoRows) {
			c.mu.Lock()
			c.exhausted = true
			c.key, c.primaryKey, c.value = nil, nil, nil
			c.mu.Unlock()
			return nil, nil
		}
		if err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to advance cursor")
		}

		c.mu.Lock()
		c.key = scanKey(k)
		c.primaryKey = scanKey(pk)
		c.value = nil
		if !c.keyOnly {
			c.value = json.RawMessage(v)
		}
		c.positioned = true
		c.gotValue = true
		c.mu.Unlock()
		return c, nil
	}
}

// query builds the SELECT for one step. Columns are key, primary key, value.
func (c *Cursor) query(s seek) (string, []any) {
	back := c.dir.backwards()
	after, atOrAfter := ">", ">="
	order := "ASC"
	if back {
		after, atOrAfter = "<", "<="
		order = "DESC"
	}

	var conds []string
	var args []any
	add := func(cond string, a ...any) {
		conds = append(conds, cond)
		args = append(args, a...)
	}

	switch {
	case c.index == nil:
		rc, ra := c.rng.clause("k")
		args = append(args, c.store.name)
		args = append(args, ra...)
		if s.positioned {
			add("k "+after+" ?", s.from)
		}
		if s.target != nil {
			add("k "+atOrAfter+" ?", s.target)
		}
		q := `SELECT k, k, v FROM idb_records WHERE store = ?` + rc + joinConds(conds) +
			` ORDER BY k ` + order + ` LIMIT 1 OFFSET ?`
		return q, append(args, s.skip)

	case c.dir.unique():
		rc, ra := c.rng.clause("k")
		args = append(args, c.store.name, c.index.name)
		args = append(args, ra...)
		if s.positioned {
			add("k "+after+" ?", s.from)
		}
		if s.target != nil {
			add("k "+atOrAfter+" ?", s.target)
		}
		q := `SELECT g.k, g.pk, r.v FROM (
				SELECT k, MIN(pk) AS pk FROM idb_index_entries
				WHERE store = ? AND idx = ?` + rc + joinConds(conds) + `
				GROUP BY k
			) g
			JOIN idb_records r ON r.store = ? AND r.k = g.pk
			ORDER BY g.k ` + order + ` LIMIT 1 OFFSET ?`
		return q, append(args, c.store.name, s.skip)

	default:
		rc, ra := c.rng.clause("e.k")
		args = append(args, c.store.name, c.index.name)
		args = append(args, ra...)
		if s.positioned {
			add("(e.k "+after+" ? OR (e.k = ? AND e.pk "+after+" ?))", s.from, s.from, s.fromPK)
		}
		switch {
		case s.targetPK != nil:
			add("(e.k "+after+" ? OR (e.k = ? AND e.pk "+atOrAfter+" ?))", s.target, s.target, s.targetPK)
		case s.target != nil:
			add("e.k "+atOrAfter+" ?", s.target)
		}
		q := `SELECT e.k, e.pk, r.v FROM idb_index_entries e
			JOIN idb_records r ON r.store = e.store AND r.k = e.pk
			WHERE e.store = ? AND e.idx = ?` + rc + joinConds(conds) + `
			ORDER BY e.k ` + order + `, e.pk ` + order + ` LIMIT 1 OFFSET ?`
		return q, append(args, s.skip)
	}
}

func joinConds(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " AND " + strings.Join(conds, " AND ")
}
