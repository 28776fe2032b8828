package idb

import (
	"encoding/json"

	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
)

// ObjectStore is a store bound to a transaction.
type ObjectStore struct {
	s  *engine.ObjectStore
	tx *Transaction
}

// Name returns the store name.
func (s *ObjectStore) Name() string { return s.s.Name() }

// KeyPath returns the in-line key path.
func (s *ObjectStore) KeyPath() string { return s.s.KeyPath() }

// AutoIncrement reports whether keys are generated.
func (s *ObjectStore) AutoIncrement() bool { return s.s.AutoIncrement() }

// IndexNames returns the store's index names.
func (s *ObjectStore) IndexNames() []string { return s.s.IndexNames() }

// Transaction returns the owning transaction.
func (s *ObjectStore) Transaction() *Transaction { return s.tx }

// Put inserts or replaces value and resolves with its key. Values other
// than []byte and json.RawMessage are marshalled to JSON first.
func (s *ObjectStore) Put(value any) *Future[engine.Key] {
	b, err := encode(value)
	if err != nil {
		return Rejected[engine.Key](&RequestError{Op: "put", Err: err})
	}
	return wrap("put", s.s.Put(b), asKey)
}

// Add inserts value, rejecting with ErrConstraint if the key exists.
func (s *ObjectStore) Add(value any) *Future[engine.Key] {
	b, err := encode(value)
	if err != nil {
		return Rejected[engine.Key](&RequestError{Op: "add", Err: err})
	}
	return wrap("add", s.s.Add(b), asKey)
}

// Delete removes records matching query.
func (s *ObjectStore) Delete(query any) *Future[struct{}] {
	return wrap("delete", s.s.Delete(query), asNothing)
}

// Clear removes every record.
func (s *ObjectStore) Clear() *Future[struct{}] {
	return wrap("clear", s.s.Clear(), asNothing)
}

// Get resolves with the first matching record, or nil.
func (s *ObjectStore) Get(query any) *Future[json.RawMessage] {
	return wrap("get", s.s.Get(query), asValue)
}

// GetKey resolves with the first matching key, or nil.
func (s *ObjectStore) GetKey(query any) *Future[engine.Key] {
	return wrap("getKey", s.s.GetKey(query), asKey)
}

// GetAll resolves with up to count matching records; zero means all.
func (s *ObjectStore) GetAll(query any, count int) *Future[[]json.RawMessage] {
	return wrap("getAll", s.s.GetAll(query, count), asValues)
}

// GetAllKeys resolves with up to count matching keys.
func (s *ObjectStore) GetAllKeys(query any, count int) *Future[[]engine.Key] {
	return wrap("getAllKeys", s.s.GetAllKeys(query, count), asKeys)
}

// Count resolves with the number of matching records.
func (s *ObjectStore) Count(query any) *Future[int64] {
	return wrap("count", s.s.Count(query), asCount)
}

// OpenCursor opens a scan. It rejects with ErrCursorExhausted when nothing
// matches.
func (s *ObjectStore) OpenCursor(query any, dir engine.Direction) *Future[*Cursor] {
	return cursorFuture("openCursor", s, nil, s.s.OpenCursor(query, dir))
}

// OpenKeyCursor opens a key-only scan.
func (s *ObjectStore) OpenKeyCursor(query any, dir engine.Direction) *Future[*Cursor] {
	return cursorFuture("openKeyCursor", s, nil, s.s.OpenKeyCursor(query, dir))
}

// Index returns a named index.
func (s *ObjectStore) Index(name string) (*Index, error) {
	ix, err := s.s.Index(name)
	if err != nil {
		return nil, err
	}
	return &Index{ix: ix, store: s}, nil
}

// CreateIndex adds an index during an upgrade.
func (s *ObjectStore) CreateIndex(name, keyPath string, opts engine.IndexOptions) (*Index, error) {
	ix, err := s.s.CreateIndex(name, keyPath, opts)
	if err != nil {
		return nil, err
	}
	return &Index{ix: ix, store: s}, nil
}

// DeleteIndex drops an index during an upgrade.
func (s *ObjectStore) DeleteIndex(name string) error {
	return s.s.DeleteIndex(name)
}
