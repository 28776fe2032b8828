package engine

import (
	"database/sql"
	"errors"
	"sort"
	"sync"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	VersionChange
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	default:
		return "unknown"
	}
}

type txState int

const (
	txWaiting txState = iota
	txActive
	txFinished
	txAborted
)

type opFunc func(*sql.Tx) (any, error)

// Transaction groups requests that commit or abort together.
//
// Requests run in submission order once the engine starts the transaction.
// The transaction commits after Commit has been called and every request
// has settled; a failed request aborts it. Completion is reported through
// OnComplete, OnError and OnAbort.
type Transaction struct {
	db    *Database
	scope []string
	mode  Mode

	mu              sync.Mutex
	state           txState
	commitRequested bool
	aborting        bool
	pending         int
	err             error
	completed       slot
	failed          slot
	aborted         slot

	// Loop only.
	sqlTx *sql.Tx
	queue []func()
	hooks []func(error)
}

func newTransaction(d *Database, scope []string, mode Mode) *Transaction {
	return &Transaction{db: d, scope: scope, mode: mode}
}

// Mode returns the access mode.
func (tx *Transaction) Mode() Mode {
	return tx.mode
}

// Database returns the owning database.
func (tx *Transaction) Database() *Database {
	return tx.db
}

// ObjectStoreNames returns the sorted scope of the transaction.
func (tx *Transaction) ObjectStoreNames() []string {
	if tx.scope == nil {
		return tx.db.ObjectStoreNames()
	}
	names := append([]string(nil), tx.scope...)
	sort.Strings(names)
	return names
}

// Error returns the reason the transaction aborted, if any.
func (tx *Transaction) Error() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// ObjectStore returns a store within the transaction's scope.
func (tx *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	if tx.scope != nil {
		found := false
		for _, s := range tx.scope {
			if s == name {
				found = true
				break
			}
		}
		if !found {
			return nil, newError(ErrNotFound, "object store %q is not in the transaction scope", name)
		}
	}
	if tx.db.store(name) == nil {
		return nil, newError(ErrNotFound, "object store %q not found", name)
	}
	return &ObjectStore{tx: tx, name: name}, nil
}

// OnComplete sets the handler fired after a successful commit.
func (tx *Transaction) OnComplete(fn func()) {
	tx.db.loop.set(&tx.mu, &tx.completed, fn)
}

// OnError sets the handler fired when a request failure aborts the
// transaction.
func (tx *Transaction) OnError(fn func()) {
	tx.db.loop.set(&tx.mu, &tx.failed, fn)
}

// OnAbort sets the handler fired whenever the transaction aborts.
func (tx *Transaction) OnAbort(fn func()) {
	tx.db.loop.set(&tx.mu, &tx.aborted, fn)
}

// Abort rolls the transaction back. Requests issued afterwards fail
// immediately with ErrTransactionInactive; pending ones fail with ErrAbort.
func (tx *Transaction) Abort() error {
	tx.mu.Lock()
	if tx.aborting || tx.state == txFinished || tx.state == txAborted {
		tx.mu.Unlock()
		return newError(ErrInvalidState, "transaction already finished")
	}
	tx.aborting = true
	tx.mu.Unlock()

	tx.db.loop.post(func() {
		tx.abortWith(newError(ErrAbort, "transaction aborted"))
	})
	return nil
}

// Commit asks the engine to commit once pending requests settle. No new
// requests are accepted afterwards.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.commitRequested || tx.aborting || tx.state == txFinished || tx.state == txAborted {
		tx.mu.Unlock()
		return newError(ErrInvalidState, "transaction already finished")
	}
	tx.commitRequested = true
	tx.mu.Unlock()

	tx.db.loop.post(tx.maybeFinish)
	return nil
}

func (tx *Transaction) currentState() txState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Transaction) accepting() bool {
	return (tx.state == txWaiting || tx.state == txActive) && !tx.commitRequested && !tx.aborting
}

func (tx *Transaction) onFinish(fn func(error)) {
	tx.hooks = append(tx.hooks, fn)
}

// requireUpgrade guards schema changes, which are only legal while the
// version-change transaction is running.
func (tx *Transaction) requireUpgrade() error {
	if tx.mode != VersionChange {
		return newError(ErrInvalidState, "schema changes require a version change transaction")
	}
	if tx.currentState() != txActive {
		return newError(ErrTransactionInactive, "version change transaction is not active")
	}
	return nil
}

// issue creates a request for op and schedules it.
func (tx *Transaction) issue(source any, write bool, op opFunc) *Request {
	r := newRequest(tx.db.loop, source)
	if err := tx.schedule(r, write, op); err != nil {
		tx.db.loop.dispatch(func() { r.complete(nil, err) })
	}
	return r
}

// schedule queues op to settle r. Errors mean nothing was queued.
func (tx *Transaction) schedule(r *Request, write bool, op opFunc) error {
	if write && tx.mode == ReadOnly {
		return newError(ErrReadOnly, "transaction is read-only")
	}

	tx.mu.Lock()
	if !tx.accepting() {
		tx.mu.Unlock()
		return newError(ErrTransactionInactive, "transaction is not accepting requests")
	}
	tx.pending++
	tx.mu.Unlock()

	posted := tx.db.loop.post(func() {
		tx.run(func() { tx.execute(r, op) })
	})
	if !posted {
		tx.mu.Lock()
		tx.pending--
		tx.mu.Unlock()
		return newError(ErrInvalidState, "database is closed")
	}
	return nil
}

// run executes task now or defers it until the transaction starts.
func (tx *Transaction) run(task func()) {
	if tx.currentState() == txWaiting {
		tx.queue = append(tx.queue, task)
		return
	}
	task()
}

func (tx *Transaction) execute(r *Request, op opFunc) {
	if tx.currentState() != txActive {
		tx.settle(r, nil, newError(ErrAbort, "transaction was aborted"))
		return
	}

	result, err := op(tx.sqlTx)
	tx.settle(r, result, err)
	if err != nil {
		tx.abortWith(err)
		return
	}
	tx.maybeFinish()
}

func (tx *Transaction) settle(r *Request, result any, err error) {
	tx.mu.Lock()
	tx.pending--
	tx.mu.Unlock()
	r.complete(result, err)
}

// maybeFinish commits when the caller asked for it and nothing is pending.
func (tx *Transaction) maybeFinish() {
	tx.mu.Lock()
	ready := tx.state == txActive && tx.commitRequested && !tx.aborting && tx.pending == 0
	tx.mu.Unlock()
	if !ready {
		return
	}

	err := tx.sqlTx.Commit()
	tx.sqlTx = nil
	if err != nil {
		tx.abortWith(wrapError(ErrUnknown, err, "failed to commit transaction"))
		return
	}

	tx.mu.Lock()
	tx.state = txFinished
	tx.mu.Unlock()

	trigger(&tx.mu, &tx.completed)
	tx.finish(nil)
}

// abortWith rolls back and fails every request still queued. Runs on the loop.
func (tx *Transaction) abortWith(err error) {
	tx.mu.Lock()
	if tx.state == txFinished || tx.state == txAborted {
		tx.mu.Unlock()
		return
	}
	tx.state = txAborted
	tx.aborting = true
	tx.err = err
	tx.mu.Unlock()

	if tx.sqlTx != nil {
		_ = tx.sqlTx.Rollback()
		tx.sqlTx = nil
	}

	queued := tx.queue
	tx.queue = nil
	for _, task := range queued {
		task()
	}

	if !errors.Is(err, ErrAbort) {
		trigger(&tx.mu, &tx.failed)
	}
	trigger(&tx.mu, &tx.aborted)
	tx.finish(err)
}

func (tx *Transaction) finish(err error) {
	for _, hook := range tx.hooks {
		hook(err)
	}
	tx.hooks = nil
	tx.db.release(tx)
}
