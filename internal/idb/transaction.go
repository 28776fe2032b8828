package idb

import (
	"context"

	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
)

// Transaction wraps an engine transaction. Its completion future settles
// when the engine reports commit, error or abort.
type Transaction struct {
	tx       *engine.Transaction
	db       *DB
	complete *Future[struct{}]
}

func newTransaction(db *DB, tx *engine.Transaction) *Transaction {
	t := &Transaction{tx: tx, db: db, complete: newFuture[struct{}]()}
	tx.OnComplete(func() { t.complete.settle(struct{}{}, nil) })
	tx.OnError(func() { t.complete.settle(struct{}{}, t.failure(tx.Error())) })
	tx.OnAbort(func() { t.complete.settle(struct{}{}, t.failure(tx.Error())) })
	return t
}

func (t *Transaction) failure(err error) error {
	return &TransactionError{Mode: t.tx.Mode(), Scope: t.tx.ObjectStoreNames(), Err: err}
}

// Mode returns the access mode.
func (t *Transaction) Mode() engine.Mode { return t.tx.Mode() }

// ObjectStoreNames returns the transaction scope.
func (t *Transaction) ObjectStoreNames() []string { return t.tx.ObjectStoreNames() }

// DB returns the owning database, or nil during an upgrade.
func (t *Transaction) DB() *DB { return t.db }

// Error returns the abort reason, if any.
func (t *Transaction) Error() error { return t.tx.Error() }

// ObjectStore returns a store in the transaction's scope.
func (t *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	s, err := t.tx.ObjectStore(name)
	if err != nil {
		return nil, err
	}
	return &ObjectStore{s: s, tx: t}, nil
}

// Complete resolves when the transaction commits and rejects with a
// *TransactionError when it aborts.
func (t *Transaction) Complete() *Future[struct{}] {
	return t.complete
}

// Commit asks the engine to commit once pending requests settle and
// returns the completion future.
func (t *Transaction) Commit() *Future[struct{}] {
	if err := t.tx.Commit(); err != nil {
		select {
		case <-t.complete.Done():
			return t.complete
		default:
			return Rejected[struct{}](t.failure(err))
		}
	}
	return t.complete
}

// Abort rolls back. Pending operations reject with ErrAbort and later ones
// with ErrTransactionInactive.
func (t *Transaction) Abort() error {
	return t.tx.Abort()
}

// Wait commits and blocks until the transaction finishes.
func (t *Transaction) Wait(ctx context.Context) error {
	_, err := t.Commit().Await(ctx)
	return err
}
