package idb

import (
	"encoding/json"

	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
)

// Index is a secondary index bound to a transaction.
type Index struct {
	ix    *engine.Index
	store *ObjectStore
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.ix.Name() }

// KeyPath returns the indexed key path.
func (ix *Index) KeyPath() string { return ix.ix.KeyPath() }

// Unique reports whether index keys are unique.
func (ix *Index) Unique() bool { return ix.ix.Unique() }

// MultiEntry reports whether arrays add one entry per element.
func (ix *Index) MultiEntry() bool { return ix.ix.MultiEntry() }

// ObjectStore returns the indexed store.
func (ix *Index) ObjectStore() *ObjectStore { return ix.store }

// Get resolves with the first record whose index key matches query.
func (ix *Index) Get(query any) *Future[json.RawMessage] {
	return wrap("index.get", ix.ix.Get(query), asValue)
}

// GetKey resolves with the primary key of the first match.
func (ix *Index) GetKey(query any) *Future[engine.Key] {
	return wrap("index.getKey", ix.ix.GetKey(query), asKey)
}

// GetAll resolves with up to count matching records; zero means all.
func (ix *Index) GetAll(query any, count int) *Future[[]json.RawMessage] {
	return wrap("index.getAll", ix.ix.GetAll(query, count), asValues)
}

// GetAllKeys resolves with up to count matching primary keys.
func (ix *Index) GetAllKeys(query any, count int) *Future[[]engine.Key] {
	return wrap("index.getAllKeys", ix.ix.GetAllKeys(query, count), asKeys)
}

// Count resolves with the number of matching entries.
func (ix *Index) Count(query any) *Future[int64] {
	return wrap("index.count", ix.ix.Count(query), asCount)
}

// OpenCursor opens a scan in index order.
func (ix *Index) OpenCursor(query any, dir engine.Direction) *Future[*Cursor] {
	return cursorFuture("index.openCursor", ix.store, ix, ix.ix.OpenCursor(query, dir))
}

// OpenKeyCursor opens a key-only scan in index order.
func (ix *Index) OpenKeyCursor(query any, dir engine.Direction) *Future[*Cursor] {
	return cursorFuture("index.openKeyCursor", ix.store, ix, ix.ix.OpenKeyCursor(query, dir))
}
