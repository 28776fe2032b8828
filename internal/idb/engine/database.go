package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	// maxActiveTransactions caps transactions holding a connection so the
	// loop never blocks waiting for the pool.
	maxActiveTransactions = 16
	maxOpenConns          = 25
)

const bootstrapSQL = `
	CREATE TABLE IF NOT EXISTS idb_meta (
		name TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS idb_stores (
		name TEXT PRIMARY KEY,
		key_path TEXT NOT NULL,
		auto_increment INTEGER NOT NULL DEFAULT 0,
		next_key INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS idb_indexes (
		store TEXT NOT NULL,
		name TEXT NOT NULL,
		key_path TEXT NOT NULL,
		is_unique INTEGER NOT NULL DEFAULT 0,
		multi_entry INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (store, name)
	);

	-- k and pk carry no declared type so integer and text keys keep
	-- their storage class and sort numbers before strings.
	CREATE TABLE IF NOT EXISTS idb_records (
		store TEXT NOT NULL,
		k NOT NULL,
		v TEXT NOT NULL,
		PRIMARY KEY (store, k)
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS idb_index_entries (
		store TEXT NOT NULL,
		idx TEXT NOT NULL,
		k NOT NULL,
		pk NOT NULL,
		PRIMARY KEY (store, idx, k, pk)
	) WITHOUT ROWID;

	CREATE INDEX IF NOT EXISTS idx_idb_index_entries_pk
		ON idb_index_entries(store, pk);
`

// StoreOptions configures a new object store.
type StoreOptions struct {
	// KeyPath is the dotted JSON path holding each record's key. Required.
	KeyPath string
	// AutoIncrement generates integer keys for records lacking one.
	AutoIncrement bool
}

// IndexOptions configures a new index.
type IndexOptions struct {
	Unique     bool
	MultiEntry bool
}

type storeMeta struct {
	name          string
	keyPath       string
	autoIncrement bool
	indexes       map[string]*indexMeta
}

type indexMeta struct {
	name       string
	keyPath    string
	unique     bool
	multiEntry bool
}

// Database is an open connection to an object store database file.
type Database struct {
	name string
	path string
	conn *sql.DB
	loop *loop

	mu      sync.RWMutex
	version int64
	stores  map[string]*storeMeta
	closed  bool

	// Scheduler state, touched only on the loop.
	active  map[*Transaction]struct{}
	waiting []*Transaction
	pumping bool
	repump  bool
}

// UpgradeFunc creates or migrates object stores. It runs on the event loop
// inside the version-change transaction; returning an error aborts the
// upgrade and fails the open request. It must not block on other requests.
type UpgradeFunc func(*UpgradeEvent) error

// Open opens the database file at path, creating it when missing. When
// version is greater than the stored version, upgrade runs first. The
// returned request succeeds with the *Database.
func Open(path, name string, version int64, upgrade UpgradeFunc) *Request {
	d := &Database{
		name:   name,
		path:   path,
		loop:   newLoop(),
		stores: make(map[string]*storeMeta),
		active: make(map[*Transaction]struct{}),
	}
	req := newRequest(d.loop, nil)

	if version < 1 {
		d.loop.post(func() {
			req.complete(nil, newError(ErrData, "version must be at least 1 (got %d)", version))
			d.halt()
		})
		return req
	}

	d.loop.post(func() { d.open(req, version, upgrade) })
	return req
}

// DeleteDatabase removes the database file at path along with its WAL files.
func DeleteDatabase(path string) *Request {
	l := newLoop()
	req := newRequest(l, nil)
	l.post(func() {
		var errs []error
		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			req.complete(nil, wrapError(ErrUnknown, err, "failed to delete database %s", path))
		} else {
			req.complete(nil, nil)
		}
		go l.stop()
	})
	return req
}

func (d *Database) open(req *Request, version int64, upgrade UpgradeFunc) {
	if err := d.connect(); err != nil {
		req.complete(nil, err)
		d.halt()
		return
	}

	var old int64
	err := d.conn.QueryRow(`SELECT version FROM idb_meta WHERE name = ?`, d.name).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		req.complete(nil, wrapError(ErrUnknown, err, "failed to read version"))
		d.shutdown()
		return
	}

	if err := d.loadSchema(); err != nil {
		req.complete(nil, err)
		d.shutdown()
		return
	}

	switch {
	case version < old:
		req.complete(nil, newError(ErrVersion, "requested version %d is less than stored version %d", version, old))
		d.shutdown()
		return
	case version == old:
		d.mu.Lock()
		d.version = old
		d.mu.Unlock()
		req.complete(d, nil)
		return
	}

	tx := newTransaction(d, nil, VersionChange)
	tx.onFinish(func(err error) {
		if err != nil {
			_ = d.loadSchema()
			req.complete(nil, err)
			d.shutdown()
			return
		}
		d.mu.Lock()
		d.version = version
		d.mu.Unlock()
		req.complete(d, nil)
	})

	d.start(tx)
	if tx.currentState() != txActive {
		return
	}

	_, err = tx.sqlTx.Exec(`
		INSERT INTO idb_meta (name, version) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET version = excluded.version
	`, d.name, version)
	if err != nil {
		tx.abortWith(wrapError(ErrUnknown, err, "failed to record version"))
		return
	}

	if upgrade != nil {
		ev := &UpgradeEvent{db: d, tx: tx, OldVersion: old, NewVersion: version}
		if err := upgrade(ev); err != nil {
			tx.abortWith(&Error{Name: ErrAbort.Name, Message: "upgrade failed: " + err.Error(), Err: err})
			return
		}
	}

	tx.mu.Lock()
	tx.commitRequested = true
	tx.mu.Unlock()
	tx.maybeFinish()
}

// connect opens the SQLite file in WAL mode.
func (d *Database) connect() error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return wrapError(ErrUnknown, err, "failed to create database directory")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", d.path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return wrapError(ErrUnknown, err, "failed to open database")
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return wrapError(ErrUnknown, err, "failed to ping database")
	}
	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(5)

	if _, err := conn.Exec(bootstrapSQL); err != nil {
		_ = conn.Close()
		return wrapError(ErrUnknown, err, "failed to initialize catalog")
	}

	d.conn = conn
	return nil
}

// loadSchema rebuilds the in-memory catalog from the database.
func (d *Database) loadSchema() error {
	stores := make(map[string]*storeMeta)

	rows, err := d.conn.Query(`SELECT name, key_path, auto_increment FROM idb_stores`)
	if err != nil {
		return wrapError(ErrUnknown, err, "failed to load stores")
	}
	for rows.Next() {
		m := &storeMeta{indexes: make(map[string]*indexMeta)}
		if err := rows.Scan(&m.name, &m.keyPath, &m.autoIncrement); err != nil {
			rows.Close()
			return wrapError(ErrUnknown, err, "failed to scan store")
		}
		stores[m.name] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapError(ErrUnknown, err, "error iterating stores")
	}

	rows, err = d.conn.Query(`SELECT store, name, key_path, is_unique, multi_entry FROM idb_indexes`)
	if err != nil {
		return wrapError(ErrUnknown, err, "failed to load indexes")
	}
	defer rows.Close()
	for rows.Next() {
		var store string
		m := &indexMeta{}
		if err := rows.Scan(&store, &m.name, &m.keyPath, &m.unique, &m.multiEntry); err != nil {
			return wrapError(ErrUnknown, err, "failed to scan index")
		}
		if s, ok := stores[store]; ok {
			s.indexes[m.name] = m
		}
	}
	if err := rows.Err(); err != nil {
		return wrapError(ErrUnknown, err, "error iterating indexes")
	}

	d.mu.Lock()
	d.stores = stores
	d.mu.Unlock()
	return nil
}

// Name returns the database name given to Open.
func (d *Database) Name() string {
	return d.name
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Version returns the schema version.
func (d *Database) Version() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// ObjectStoreNames returns the sorted object store names.
func (d *Database) ObjectStoreNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.stores))
	for name := range d.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Database) store(name string) *storeMeta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stores[name]
}

// Transaction starts a transaction over scope. Read-only transactions may
// overlap each other and any read-write transaction on other stores.
// Read-write transactions are serialized across the whole database, even
// when their scopes are disjoint, because SQLite allows one writer and the
// loop cannot block on a busy second writer.
func (d *Database) Transaction(scope []string, mode Mode) (*Transaction, error) {
	if mode != ReadOnly && mode != ReadWrite {
		return nil, newError(ErrInvalidState, "invalid transaction mode %v", mode)
	}
	if len(scope) == 0 {
		return nil, newError(ErrInvalidState, "transaction scope is empty")
	}

	d.mu.RLock()
	closed := d.closed
	for _, name := range scope {
		if _, ok := d.stores[name]; !ok {
			d.mu.RUnlock()
			return nil, newError(ErrNotFound, "object store %q not found", name)
		}
	}
	d.mu.RUnlock()
	if closed {
		return nil, newError(ErrInvalidState, "database is closed")
	}

	tx := newTransaction(d, append([]string(nil), scope...), mode)
	if !d.loop.post(func() { d.enqueue(tx) }) {
		return nil, newError(ErrInvalidState, "database is closed")
	}
	return tx, nil
}

// Close aborts unfinished transactions, checkpoints the WAL and closes the
// connection. It is safe to call more than once.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	result := make(chan error, 1)
	posted := d.loop.post(func() {
		for tx := range d.active {
			tx.abortWith(newError(ErrAbort, "database closed"))
		}
		for _, tx := range d.waiting {
			tx.abortWith(newError(ErrAbort, "database closed"))
		}
		d.waiting = nil
		result <- d.closeConn()
	})
	if !posted {
		return nil
	}
	err := <-result
	d.loop.stop()
	return err
}

func (d *Database) closeConn() error {
	if d.conn == nil {
		return nil
	}
	if _, err := d.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := d.conn.Close()
	d.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// shutdown closes the connection after a failed open. Runs on the loop.
func (d *Database) shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	_ = d.closeConn()
	d.halt()
}

// halt stops the loop from within a loop task.
func (d *Database) halt() {
	go d.loop.stop()
}

func (d *Database) enqueue(tx *Transaction) {
	d.waiting = append(d.waiting, tx)
	d.pump()
}

func (d *Database) release(tx *Transaction) {
	delete(d.active, tx)
	d.pump()
}

// pump starts every waiting transaction whose scope allows it.
func (d *Database) pump() {
	if d.pumping {
		d.repump = true
		return
	}
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return
	}

	d.pumping = true
	defer func() { d.pumping = false }()

	for {
		d.repump = false
		var blocked []*Transaction
		waiting := d.waiting
		d.waiting = nil
		for _, tx := range waiting {
			if tx.currentState() != txWaiting {
				continue
			}
			if d.canStart(tx, blocked) {
				d.start(tx)
			} else {
				blocked = append(blocked, tx)
			}
		}
		d.waiting = append(blocked, d.waiting...)
		if !d.repump {
			return
		}
	}
}

// canStart applies the ordering rules: a transaction waits for every earlier
// transaction with an overlapping scope unless both are read-only, and only
// one read-write transaction runs at a time because SQLite has one writer.
func (d *Database) canStart(tx *Transaction, earlier []*Transaction) bool {
	if len(d.active) >= maxActiveTransactions {
		return false
	}
	conflicts := func(other *Transaction) bool {
		if tx.mode != ReadOnly && other.mode != ReadOnly {
			return true
		}
		return (tx.mode != ReadOnly || other.mode != ReadOnly) && overlaps(tx.scope, other.scope)
	}
	for other := range d.active {
		if conflicts(other) {
			return false
		}
	}
	for _, other := range earlier {
		if conflicts(other) {
			return false
		}
	}
	return true
}

func overlaps(a, b []string) bool {
	if a == nil || b == nil {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// start begins the SQL transaction and runs requests queued while waiting.
func (d *Database) start(tx *Transaction) {
	d.active[tx] = struct{}{}

	sqlTx, err := d.conn.BeginTx(context.Background(), nil)
	if err != nil {
		tx.abortWith(wrapError(ErrUnknown, err, "failed to begin transaction"))
		return
	}
	tx.sqlTx = sqlTx

	tx.mu.Lock()
	tx.state = txActive
	tx.mu.Unlock()

	queued := tx.queue
	tx.queue = nil
	for _, task := range queued {
		task()
	}
	tx.maybeFinish()
}

// UpgradeEvent is passed to the UpgradeFunc during a version change.
type UpgradeEvent struct {
	db *Database
	tx *Transaction

	OldVersion int64
	NewVersion int64
}

// Transaction returns the version-change transaction.
func (e *UpgradeEvent) Transaction() *Transaction {
	return e.tx
}

// ObjectStoreNames returns the stores that exist at this point of the upgrade.
func (e *UpgradeEvent) ObjectStoreNames() []string {
	return e.db.ObjectStoreNames()
}

// Contains reports whether the store already exists.
func (e *UpgradeEvent) Contains(name string) bool {
	return e.db.store(name) != nil
}

// CreateObjectStore creates a store. Stores always use in-line keys.
func (e *UpgradeEvent) CreateObjectStore(name string, opts StoreOptions) (*ObjectStore, error) {
	if err := e.tx.requireUpgrade(); err != nil {
		return nil, err
	}
	if e.db.store(name) != nil {
		return nil, newError(ErrConstraint, "object store %q already exists", name)
	}
	if opts.KeyPath == "" {
		return nil, newError(ErrData, "object store %q needs a key path", name)
	}

	_, err := e.tx.sqlTx.Exec(
		`INSERT INTO idb_stores (name, key_path, auto_increment) VALUES (?, ?, ?)`,
		name, opts.KeyPath, opts.AutoIncrement,
	)
	if err != nil {
		return nil, wrapError(ErrUnknown, err, "failed to create object store %q", name)
	}

	e.db.mu.Lock()
	e.db.stores[name] = &storeMeta{
		name:          name,
		keyPath:       opts.KeyPath,
		autoIncrement: opts.AutoIncrement,
		indexes:       make(map[string]*indexMeta),
	}
	e.db.mu.Unlock()

	return &ObjectStore{tx: e.tx, name: name}, nil
}

// DeleteObjectStore drops a store with its records and indexes.
func (e *UpgradeEvent) DeleteObjectStore(name string) error {
	if err := e.tx.requireUpgrade(); err != nil {
		return err
	}
	if e.db.store(name) == nil {
		return newError(ErrNotFound, "object store %q not found", name)
	}

	for _, q := range []string{
		`DELETE FROM idb_index_entries WHERE store = ?`,
		`DELETE FROM idb_records WHERE store = ?`,
		`DELETE FROM idb_indexes WHERE store = ?`,
		`DELETE FROM idb_stores WHERE name = ?`,
	} {
		if _, err := e.tx.sqlTx.Exec(q, name); err != nil {
			return wrapError(ErrUnknown, err, "failed to delete object store %q", name)
		}
	}

	e.db.mu.Lock()
	delete(e.db.stores, name)
	e.db.mu.Unlock()
	return nil
}
