package idb

import (
	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
)

// DB is an open database.
type DB struct {
	db *engine.Database
}

// UpgradeFunc creates or migrates stores when the requested version is
// newer than the stored one.
type UpgradeFunc func(*UpgradeDB) error

// Open opens the database file at path and resolves with the handle once any
// upgrade has committed.
func Open(path, name string, version int64, upgrade UpgradeFunc) *Future[*DB] {
	var hook engine.UpgradeFunc
	if upgrade != nil {
		hook = func(ev *engine.UpgradeEvent) error {
			u := &UpgradeDB{ev: ev}
			u.tx = newTransaction(nil, ev.Transaction())
			return upgrade(u)
		}
	}
	return wrap("open", engine.Open(path, name, version, hook), func(v any) (*DB, error) {
		return &DB{db: v.(*engine.Database)}, nil
	})
}

// Delete removes the database file at path.
func Delete(path string) *Future[struct{}] {
	return wrap("deleteDatabase", engine.DeleteDatabase(path), asNothing)
}

// Name returns the database name.
func (d *DB) Name() string { return d.db.Name() }

// Version returns the schema version.
func (d *DB) Version() int64 { return d.db.Version() }

// ObjectStoreNames returns the store names.
func (d *DB) ObjectStoreNames() []string { return d.db.ObjectStoreNames() }

// Transaction starts a transaction over stores.
func (d *DB) Transaction(mode engine.Mode, stores ...string) (*Transaction, error) {
	tx, err := d.db.Transaction(stores, mode)
	if err != nil {
		return nil, err
	}
	return newTransaction(d, tx), nil
}

// Close closes the database. Unfinished transactions abort.
func (d *DB) Close() error {
	return d.db.Close()
}

// UpgradeDB is the database as seen from an upgrade callback.
type UpgradeDB struct {
	ev *engine.UpgradeEvent
	tx *Transaction
}

// OldVersion returns the stored version, zero for a new database.
func (u *UpgradeDB) OldVersion() int64 { return u.ev.OldVersion }

// NewVersion returns the requested version.
func (u *UpgradeDB) NewVersion() int64 { return u.ev.NewVersion }

// ObjectStoreNames returns the stores that exist so far.
func (u *UpgradeDB) ObjectStoreNames() []string { return u.ev.ObjectStoreNames() }

// Contains reports whether a store exists.
func (u *UpgradeDB) Contains(name string) bool { return u.ev.Contains(name) }

// Transaction returns the version-change transaction.
func (u *UpgradeDB) Transaction() *Transaction { return u.tx }

// CreateObjectStore creates a store.
func (u *UpgradeDB) CreateObjectStore(name string, opts engine.StoreOptions) (*ObjectStore, error) {
	s, err := u.ev.CreateObjectStore(name, opts)
	if err != nil {
		return nil, err
	}
	return &ObjectStore{s: s, tx: u.tx}, nil
}

// DeleteObjectStore drops a store and its records.
func (u *UpgradeDB) DeleteObjectStore(name string) error {
	return u.ev.DeleteObjectStore(name)
}
