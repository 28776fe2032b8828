package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ObjectStore is a named partition of records inside a transaction.
type ObjectStore struct {
	tx   *Transaction
	name string
}

func (s *ObjectStore) meta() (*storeMeta, error) {
	m := s.tx.db.store(s.name)
	if m == nil {
		return nil, newError(ErrInvalidState, "object store %q has been deleted", s.name)
	}
	return m, nil
}

// Name returns the store name.
func (s *ObjectStore) Name() string {
	return s.name
}

// KeyPath returns the in-line key path.
func (s *ObjectStore) KeyPath() string {
	if m, err := s.meta(); err == nil {
		return m.keyPath
	}
	return ""
}

// AutoIncrement reports whether the store generates keys.
func (s *ObjectStore) AutoIncrement() bool {
	if m, err := s.meta(); err == nil {
		return m.autoIncrement
	}
	return false
}

// IndexNames returns the sorted index names.
func (s *ObjectStore) IndexNames() []string {
	m, err := s.meta()
	if err != nil {
		return nil
	}
	s.tx.db.mu.RLock()
	defer s.tx.db.mu.RUnlock()
	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transaction returns the owning transaction.
func (s *ObjectStore) Transaction() *Transaction {
	return s.tx
}

// Put inserts or replaces value. The request result is the record key.
func (s *ObjectStore) Put(value []byte) *Request {
	return s.write(value, true)
}

// Add inserts value, failing with ErrConstraint when the key exists.
func (s *ObjectStore) Add(value []byte) *Request {
	return s.write(value, false)
}

func (s *ObjectStore) write(value []byte, overwrite bool) *Request {
	buf := append([]byte(nil), value...)
	return s.tx.issue(s, true, func(tx *sql.Tx) (any, error) {
		m, err := s.meta()
		if err != nil {
			return nil, err
		}
		return putRecord(tx, m, buf, overwrite)
	})
}

// Delete removes records matching query (a key or *KeyRange).
func (s *ObjectStore) Delete(query any) *Request {
	rng, err := normalizeQuery(query)
	if err == nil && rng == nil {
		err = newError(ErrData, "delete needs a key or key range")
	}
	if err != nil {
		return failedRequest(s.tx.db.loop, s, err)
	}
	return s.tx.issue(s, true, func(tx *sql.Tx) (any, error) {
		cond, args := rng.clause("k")
		q := `DELETE FROM idb_index_entries WHERE store = ? AND pk IN (SELECT k FROM idb_records WHERE store = ?` + cond + `)`
		if _, err := tx.Exec(q, append([]any{s.name, s.name}, args...)...); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to delete index entries")
		}
		if _, err := tx.Exec(`DELETE FROM idb_records WHERE store = ?`+cond, append([]any{s.name}, args...)...); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to delete records")
		}
		return nil, nil
	})
}

// Clear removes every record.
func (s *ObjectStore) Clear() *Request {
	return s.tx.issue(s, true, func(tx *sql.Tx) (any, error) {
		if _, err := tx.Exec(`DELETE FROM idb_index_entries WHERE store = ?`, s.name); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to clear index entries")
		}
		if _, err := tx.Exec(`DELETE FROM idb_records WHERE store = ?`, s.name); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to clear records")
		}
		return nil, nil
	})
}

// Get returns the first record matching query as raw JSON, or nil.
func (s *ObjectStore) Get(query any) *Request {
	return s.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		values, err := s.selectValues(tx, rng, 1)
		if err != nil || len(values) == 0 {
			return nil, err
		}
		return values[0], nil
	})
}

// GetKey returns the first key matching query, or nil.
func (s *ObjectStore) GetKey(query any) *Request {
	return s.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		keys, err := s.selectKeys(tx, rng, 1)
		if err != nil || len(keys) == 0 {
			return nil, err
		}
		return keys[0], nil
	})
}

// GetAll returns up to count records matching query in key order.
// A count of zero means no limit.
func (s *ObjectStore) GetAll(query any, count int) *Request {
	return s.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		return s.selectValues(tx, rng, count)
	})
}

// GetAllKeys returns up to count keys matching query in key order.
func (s *ObjectStore) GetAllKeys(query any, count int) *Request {
	return s.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		return s.selectKeys(tx, rng, count)
	})
}

// Count returns the number of records matching query as an int64.
func (s *ObjectStore) Count(query any) *Request {
	return s.read(query, func(tx *sql.Tx, rng *KeyRange) (any, error) {
		cond, args := rng.clause("k")
		var n int64
		err := tx.QueryRow(`SELECT COUNT(*) FROM idb_records WHERE store = ?`+cond, append([]any{s.name}, args...)...).Scan(&n)
		if err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to count records")
		}
		return n, nil
	})
}

// OpenCursor starts a scan over records matching query. The request result
// is the *Cursor, or nil when nothing matches.
func (s *ObjectStore) OpenCursor(query any, dir Direction) *Request {
	return openCursor(s.tx, s, nil, query, dir, false)
}

// OpenKeyCursor is OpenCursor without record values.
func (s *ObjectStore) OpenKeyCursor(query any, dir Direction) *Request {
	return openCursor(s.tx, s, nil, query, dir, true)
}

// Index returns a named index of the store.
func (s *ObjectStore) Index(name string) (*Index, error) {
	m, err := s.meta()
	if err != nil {
		return nil, err
	}
	s.tx.db.mu.RLock()
	_, ok := m.indexes[name]
	s.tx.db.mu.RUnlock()
	if !ok {
		return nil, newError(ErrNotFound, "index %q not found on %q", name, s.name)
	}
	return &Index{store: s, name: name}, nil
}

// CreateIndex adds an index and fills it from existing records. Only legal
// during an upgrade.
func (s *ObjectStore) CreateIndex(name, keyPath string, opts IndexOptions) (*Index, error) {
	if err := s.tx.requireUpgrade(); err != nil {
		return nil, err
	}
	m, err := s.meta()
	if err != nil {
		return nil, err
	}
	s.tx.db.mu.RLock()
	_, exists := m.indexes[name]
	s.tx.db.mu.RUnlock()
	if exists {
		return nil, newError(ErrConstraint, "index %q already exists on %q", name, s.name)
	}
	if keyPath == "" {
		return nil, newError(ErrData, "index %q needs a key path", name)
	}

	_, err = s.tx.sqlTx.Exec(
		`INSERT INTO idb_indexes (store, name, key_path, is_unique, multi_entry) VALUES (?, ?, ?, ?, ?)`,
		s.name, name, keyPath, opts.Unique, opts.MultiEntry,
	)
	if err != nil {
		return nil, wrapError(ErrUnknown, err, "failed to create index %q", name)
	}

	im := &indexMeta{name: name, keyPath: keyPath, unique: opts.Unique, multiEntry: opts.MultiEntry}
	if err := backfillIndex(s.tx.sqlTx, s.name, im); err != nil {
		return nil, err
	}

	s.tx.db.mu.Lock()
	m.indexes[name] = im
	s.tx.db.mu.Unlock()

	return &Index{store: s, name: name}, nil
}

// DeleteIndex drops an index. Only legal during an upgrade.
func (s *ObjectStore) DeleteIndex(name string) error {
	if err := s.tx.requireUpgrade(); err != nil {
		return err
	}
	m, err := s.meta()
	if err != nil {
		return err
	}
	if _, err := s.Index(name); err != nil {
		return err
	}
	if _, err := s.tx.sqlTx.Exec(`DELETE FROM idb_index_entries WHERE store = ? AND idx = ?`, s.name, name); err != nil {
		return wrapError(ErrUnknown, err, "failed to delete index entries")
	}
	if _, err := s.tx.sqlTx.Exec(`DELETE FROM idb_indexes WHERE store = ? AND name = ?`, s.name, name); err != nil {
		return wrapError(ErrUnknown, err, "failed to delete index %q", name)
	}

	s.tx.db.mu.Lock()
	delete(m.indexes, name)
	s.tx.db.mu.Unlock()
	return nil
}

func (s *ObjectStore) read(query any, fn func(*sql.Tx, *KeyRange) (any, error)) *Request {
	rng, err := normalizeQuery(query)
	if err != nil {
		return failedRequest(s.tx.db.loop, s, err)
	}
	return s.tx.issue(s, false, func(tx *sql.Tx) (any, error) {
		return fn(tx, rng)
	})
}

func (s *ObjectStore) selectValues(tx *sql.Tx, rng *KeyRange, limit int) ([]json.RawMessage, error) {
	cond, args := rng.clause("k")
	q := `SELECT v FROM idb_records WHERE store = ?` + cond + ` ORDER BY k ASC` + limitClause(limit)
	rows, err := tx.Query(q, append([]any{s.name}, args...)...)
	if err != nil {
		return nil, wrapError(ErrUnknown, err, "failed to query records")
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
		return nil, wrapError(ErrUnknown, err, "error iterating records")
	}
	return values, nil
}

func (s *ObjectStore) selectKeys(tx *sql.Tx, rng *KeyRange, limit int) ([]Key, error) {
	cond, args := rng.clause("k")
	q := `SELECT k FROM idb_records WHERE store = ?` + cond + ` ORDER BY k ASC` + limitClause(limit)
	return queryKeys(tx, q, append([]any{s.name}, args...))
}

func queryKeys(tx *sql.Tx, q string, args []any) ([]Key, error) {
	rows, err := tx.Query(q, args...)
	if err != nil {
		return nil, wrapError(ErrUnknown, err, "failed to query keys")
	}
	defer rows.Close()

	keys := []Key{}
	for rows.Next() {
		var k any
		if err := rows.Scan(&k); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to scan key")
		}
		keys = append(keys, scanKey(k))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(ErrUnknown, err, "error iterating keys")
	}
	return keys, nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// putRecord writes one record and refreshes its index entries.
func putRecord(tx *sql.Tx, m *storeMeta, value []byte, overwrite bool) (Key, error) {
	if !json.Valid(value) {
		return nil, newError(ErrData, "value for %q is not valid JSON", m.name)
	}

	key, ok := extractKey(value, m.keyPath)
	if !ok {
		if !m.autoIncrement {
			return nil, newError(ErrData, "value for %q has no key at %q", m.name, m.keyPath)
		}
		var next int64
		if err := tx.QueryRow(`SELECT next_key FROM idb_stores WHERE name = ?`, m.name).Scan(&next); err != nil {
			return nil, wrapError(ErrUnknown, err, "failed to read key generator")
		}
		injected, err := injectKey(value, m.keyPath, next)
		if err != nil {
			return nil, err
		}
		value, key = injected, next
		if err := bumpGenerator(tx, m.name, next); err != nil {
			return nil, err
		}
	} else if m.autoIncrement {
		var floor int64
		switch k := key.(type) {
		case int64:
			floor = k
		case float64:
			floor = int64(k)
		default:
			floor = -1
		}
		if floor >= 0 {
			if err := bumpGenerator(tx, m.name, floor); err != nil {
				return nil, err
			}
		}
	}

	if !overwrite {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM idb_records WHERE store = ? AND k = ?`, m.name, key).Scan(&exists)
		if err == nil {
			return nil, newError(ErrConstraint, "key %v already exists in %q", key, m.name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, wrapError(ErrUnknown, err, "failed to check key")
		}
	}

	_, err := tx.Exec(`
		INSERT INTO idb_records (store, k, v) VALUES (?, ?, ?)
		ON CONFLICT(store, k) DO UPDATE SET v = excluded.v
	`, m.name, key, string(value))
	if err != nil {
		return nil, wrapError(ErrUnknown, err, "failed to write record")
	}

	if _, err := tx.Exec(`DELETE FROM idb_index_entries WHERE store = ? AND pk = ?`, m.name, key); err != nil {
		return nil, wrapError(ErrUnknown, err, "failed to clear index entries")
	}
	for _, im := range m.indexes {
		if err := indexRecord(tx, m.name, im, key, value); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// bumpGenerator moves the key generator past used.
func bumpGenerator(tx *sql.Tx, store string, used int64) error {
	_, err := tx.Exec(`UPDATE idb_stores SET next_key = ? WHERE name = ? AND next_key <= ?`, used+1, store, used)
	if err != nil {
		return wrapError(ErrUnknown, err, "failed to update key generator")
	}
	return nil
}

func indexRecord(tx *sql.Tx, store string, im *indexMeta, pk Key, value []byte) error {
	for _, k := range extractIndexKeys(value, im.keyPath, im.multiEntry) {
		if im.unique {
			var other int
			err := tx.QueryRow(
				`SELECT 1 FROM idb_index_entries WHERE store = ? AND idx = ? AND k = ? AND pk <> ? LIMIT 1`,
				store, im.name, k, pk,
			).Scan(&other)
			if err == nil {
				return newError(ErrConstraint, "index %q already has key %v", im.name, k)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return wrapError(ErrUnknown, err, "failed to check unique index")
			}
		}
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO idb_index_entries (store, idx, k, pk) VALUES (?, ?, ?, ?)`,
			store, im.name, k, pk,
		)
		if err != nil {
			return wrapError(ErrUnknown, err, "failed to write index entry")
		}
	}
	return nil
}

func backfillIndex(tx *sql.Tx, store string, im *indexMeta) error {
	rows, err := tx.Query(`SELECT k, v FROM idb_records WHERE store = ?`, store)
	if err != nil {
		return wrapError(ErrUnknown, err, "failed to read records for index %q", im.name)
	}
	type record struct {
		key   Key
		value []byte
	}
	var records []record
	for rows.Next() {
		var k any
		var v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return wrapError(ErrUnknown, err, "failed to scan record")
		}
		records = append(records, record{key: scanKey(k), value: []byte(v)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapError(ErrUnknown, err, "error iterating records")
	}

	for _, r := range records {
		if err := indexRecord(tx, store, im, r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}
