// Package idb wraps the event-driven engine in internal/idb/engine with a
// future-based API.
//
// Every request-producing engine call becomes a *Future that resolves with
// the result or rejects with a *RequestError carrying the engine's error.
// Cursor scans are forward-only sequences: each step resolves with the next
// position and rejects with ErrCursorExhausted at the end.
//
// Transactions do not commit on their own. Issue the requests, then call
// Commit (or Wait) and the completion future settles on commit or abort:
//
//	tx, err := db.Transaction(engine.ReadWrite, "reviews")
//	if err != nil {
//	    return err
//	}
//	store, _ := tx.ObjectStore("reviews")
//	store.Put(review)
//	if err := tx.Wait(ctx); err != nil {
//	    return fmt.Errorf("failed to save review: %w", err)
//	}
//
// Handlers run on the engine's event loop, so Await must never be called
// from inside an upgrade callback.
package idb
