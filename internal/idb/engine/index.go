package engine

import (
	"database/sql"
	"encoding/json"
)

// Index looks up records of a store by a secondary key.
type Index struct {
	store *ObjectStore
	name  string
}

func (ix *Index) meta() (*indexMeta, error) {
	m, err := ix.store.meta()
	if err != nil {
		return nil, err
	}
	ix.store.tx.db.mu.RLock()
	defer ix.store.tx.db.mu.RUnlock()
	im, ok := m.indexes[ix.name]
	if !ok {
		return nil, newError(ErrInvalidState, "index %q has been deleted", ix.name)
	}
	return im, nil
}

// Name returns the index name.
func (ix *Index) Name() string {
	return ix.name
}

// KeyPath returns the indexed key path.
func (ix *Index) KeyPath() string {
	if im, err := ix.meta(); err == nil {
		return im.keyPath
	}
	return ""
}

// Unique reports whether index keys must be unique.
func (ix *Index) Unique() bool {
	if im, err := ix.meta(); err == nil {
		return im.unique
	}
	return false
}

// MultiEntry reports whether array values add one entry per element.
func (ix *Index) MultiEntry() bool {
	if im, err := ix.meta(); err == nil {
		return im.multiEntry
	}
	return false
}

// ObjectStore returns the indexed store.
func (ix *Index) ObjectStore() *ObjectStore {
	return ix.store
}

// Get returns the first record whose index key matches query.
func (ix *Index) Get(query any) *Request {
	return ix.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		values, err := ix.selectValues(tx, rng, 1)
		if err != nil || len(values) == 0 {
			return nil, err
		}
		return values[0], nil
	})
}

// GetKey returns the primary key of the first match.
func (ix *Index) GetKey(query any) *Request {
	return ix.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		keys, err := ix.selectPrimaryKeys(tx, rng, 1)
		if err != nil || len(keys) == 0 {
			return nil, err
		}
		return keys[0], nil
	})
}

// GetAll returns up to count matching records ordered by index key, then
// primary key.
func (ix *Index) GetAll(query any, count int) *Request {
	return ix.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		return ix.selectValues(tx, rng, count)
	})
}

// GetAllKeys returns up to count matching primary keys.
func (ix *Index) GetAllKeys(query any, count int) *Request {
	return ix.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		return ix.selectPrimaryKeys(tx, rng, count)
	})
}

// Count returns the number of index entries matching query.
func (ix *Index) Count(query any) *Request {
	return ix.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		cond, args := rng.clause("k")
		var n int64
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM idb_index_entries WHERE store = ? AND idx = ?`+cond,
			append([]any{ix.store.name, ix.name}, args...)...,
		).Scan(&n)
		if err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to count index entries")
		}
		return n, nil
	})
}

// OpenCursor scans records in index order.
func (ix *Index) OpenCursor(query any, dir Direction) *Request {
	return openCursor(ix.store.tx, ix.store, ix, query, dir, false)
}

// OpenKeyCursor scans index and primary keys only.
func (ix *Index) OpenKeyCursor(query any, dir Direction) *Request {
	return openCursor(ix.store.tx, ix.store, ix, query, dir, true)
}

func (ix *Index) read(query any, fn func(*sql.Tx, *KeyRange) (any, error)) *Request {
	rng, err := normalizeQuery(query)
	if err != nil {
		return failedRequest(ix.store.tx.db.loop, ix, err)
	}
	return ix.store.tx.issue(ix, false, func(tx *sql.Tx) (any, error) {
		if _, err := ix.meta(); err != nil {
			return nil, err
		}
		return fn(tx, rng)
	})
}

func (ix *Index) selectValues(tx *sql.Tx, rng *KeyRange, limit int) ([]json.RawMessage, error) {
	cond, args := rng.clause("e.k")
	q := `SELECT r.v FROM idb_index_entries e
		JOIN idb_records r ON r.store = e.store AND r.k = e.pk
		WHERE e.store = ? AND e.idx = ?` + cond + `
		ORDER BY e.k ASC, e.pk ASC` + limitClause(limit)
	rows, err := tx.Query(q, append([]any{ix.store.name, ix.name}, args...)...)
	if err != nil {
		return nil, wrapError(ErrUnknown, err, "failed to query index %q", ix.name)
	}
	defer rows.Close()

	values := []json.RawMessage{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to scan record")
		}
		values = append(values, json.RawMessage(v))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(ErrUnknown, err, "error iterating index %q", ix.name)
	}
	return values, nil
}

func (ix *Index) selectPrimaryKeys(tx *sql.Tx, rng *KeyRange, limit int) ([]Key, error) {
	cond, args := rng.clause("k")
	q := `SELECT pk FROM idb_index_entries WHERE store = ? AND idx = ?` + cond +
		` ORDER BY k ASC, pk ASC` + limitClause(limit)
	return queryKeys(tx, q, append([]any{ix.store.name, ix.name}, args...))
}
