package idb

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
)

type note struct {
	ID    int64  `json:"id,omitempty"`
	Topic string `json:"topic"`
	Body  string `json:"body"`
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func notesUpgrade(u *UpgradeDB) error {
	if u.Contains("notes") {
		return nil
	}
	store, err := u.CreateObjectStore("notes", engine.StoreOptions{KeyPath: "id", AutoIncrement: true})
	if err != nil {
		return err
	}
	_, err = store.CreateIndex("topic", "topic", engine.IndexOptions{})
	return err
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notes.db")
	db, err := Open(path, "notes", 1, notesUpgrade).Await(testCtx(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func putNotes(t *testing.T, db *DB, notes ...note) []engine.Key {
	t.Helper()
	ctx := testCtx(t)
	tx, err := db.Transaction(engine.ReadWrite, "notes")
	if err != nil {
		t.Fatalf("Transaction() failed: %v", err)
	}
	store, err := tx.ObjectStore("notes")
	if err != nil {
		t.Fatalf("ObjectStore() failed: %v", err)
	}
	var futures []*Future[engine.Key]
	for _, n := range notes {
		futures = append(futures, store.Put(n))
	}
	keys, err := All(futures...).Await(ctx)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := tx.Wait(ctx); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	return keys
}

func decodeNotes(t *testing.T, raws []json.RawMessage) []note {
	t.Helper()
	out := make([]note, 0, len(raws))
	for _, raw := range raws {
		var n note
		if err := json.Unmarshal(raw, &n); err != nil {
			t.Fatalf("bad record %s: %v", raw, err)
		}
		out = append(out, n)
	}
	return out
}

func TestOpen_RunsUpgradeOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	ctx := testCtx(t)
	calls := 0
	upgrade := func(u *UpgradeDB) error {
		calls++
		if u.OldVersion() != 0 || u.NewVersion() != 1 {
			t.Errorf("versions = %d -> %d", u.OldVersion(), u.NewVersion())
		}
		return notesUpgrade(u)
	}

	for i := 0; i < 2; i++ {
		db, err := Open(path, "notes", 1, upgrade).Await(ctx)
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		if diff := cmp.Diff([]string{"notes"}, db.ObjectStoreNames()); diff != "" {
			t.Errorf("ObjectStoreNames() mismatch (-want +got):\n%s", diff)
		}
		db.Close()
	}
	if calls != 1 {
		t.Errorf("upgrade ran %d times, want 1", calls)
	}

	_, err := Open(path, "notes", 0, nil).Await(ctx)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Op != "open" {
		t.Errorf("Open(version 0) error = %v, want RequestError for open", err)
	}
}

func TestStore_PutGetAll(t *testing.T) {
	db := openTestDB(t)
	keys := putNotes(t, db,
		note{Topic: "food", Body: "noodles"},
		note{Topic: "travel", Body: "train"},
	)
	if diff := cmp.Diff([]engine.Key{int64(1), int64(2)}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}

	// Re-putting the same records keeps the count stable.
	putNotes(t, db,
		note{ID: 1, Topic: "food", Body: "noodles"},
		note{ID: 2, Topic: "travel", Body: "train"},
	)

	ctx := testCtx(t)
	tx, _ := db.Transaction(engine.ReadOnly, "notes")
	store, _ := tx.ObjectStore("notes")
	raws, err := store.GetAll(nil, 0).Await(ctx)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	want := []note{{ID: 1, Topic: "food", Body: "noodles"}, {ID: 2, Topic: "travel", Body: "train"}}
	if diff := cmp.Diff(want, decodeNotes(t, raws)); diff != "" {
		t.Errorf("GetAll() mismatch (-want +got):\n%s", diff)
	}

	raw, err := store.Get(3).Await(ctx)
	if err != nil || raw != nil {
		t.Errorf("Get(3) = (%s, %v), want (nil, nil)", raw, err)
	}
	n, _ := store.Count(nil).Await(ctx)
	if n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
	if err := tx.Wait(ctx); err != nil {
		t.Errorf("read transaction failed: %v", err)
	}
}

func TestIndex_GetAll(t *testing.T) {
	db := openTestDB(t)
	putNotes(t, db,
		note{Topic: "a", Body: "1"},
		note{Topic: "b", Body: "2"},
		note{Topic: "c", Body: "3"},
		note{Topic: "c", Body: "4"},
		note{Topic: "d", Body: "5"},
	)

	ctx := testCtx(t)
	tx, _ := db.Transaction(engine.ReadOnly, "notes")
	store, _ := tx.ObjectStore("notes")
	ix, err := store.Index("topic")
	if err != nil {
		t.Fatalf("Index() failed: %v", err)
	}
	raws, err := ix.GetAll("c", 0).Await(ctx)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	got := decodeNotes(t, raws)
	if len(got) != 2 || got[0].Body != "3" || got[1].Body != "4" {
		t.Errorf("GetAll(c) = %+v", got)
	}
}

func TestCursor_WalkAndExhaust(t *testing.T) {
	db := openTestDB(t)
	putNotes(t, db, note{Topic: "x", Body: "1"}, note{Topic: "x", Body: "2"}, note{Topic: "y", Body: "3"})

	ctx := testCtx(t)
	tx, _ := db.Transaction(engine.ReadOnly, "notes")
	store, _ := tx.ObjectStore("notes")

	var bodies []string
	err := IterateCursor(ctx, store.OpenCursor(nil, engine.Prev), func(c *Cursor) error {
		var n note
		if err := c.Decode(&n); err != nil {
			return err
		}
		bodies = append(bodies, n.Body)
		return nil
	})
	if err != nil {
		t.Fatalf("IterateCursor() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"3", "2", "1"}, bodies); diff != "" {
		t.Errorf("bodies mismatch (-want +got):\n%s", diff)
	}

	c, err := store.OpenCursor(nil, engine.Next).Await(ctx)
	if err != nil {
		t.Fatalf("OpenCursor() failed: %v", err)
	}
	c2, err := c.Advance(2).Await(ctx)
	if err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}
	if c2.PrimaryKey() != int64(3) {
		t.Errorf("PrimaryKey() = %v, want 3", c2.PrimaryKey())
	}
	if c.PrimaryKey() != int64(1) {
		t.Errorf("earlier position changed to %v", c.PrimaryKey())
	}
	if _, err := c2.Continue().Await(ctx); !errors.Is(err, ErrCursorExhausted) {
		t.Errorf("Continue() at end error = %v, want ErrCursorExhausted", err)
	}
	if _, err := c2.Continue().Await(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Continue() after end error = %v, want InvalidStateError", err)
	}

	_, err = store.OpenCursor("nope", engine.Next).Await(ctx)
	if !errors.Is(err, ErrCursorExhausted) {
		t.Errorf("empty OpenCursor() error = %v, want ErrCursorExhausted", err)
	}
}

func TestTransaction_AbortRejects(t *testing.T) {
	db := openTestDB(t)
	ctx := testCtx(t)

	tx, _ := db.Transaction(engine.ReadWrite, "notes")
	store, _ := tx.ObjectStore("notes")
	if _, err := store.Put(note{Topic: "a"}).Await(ctx); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort() failed: %v", err)
	}

	_, err := tx.Complete().Await(ctx)
	var txErr *TransactionError
	if !errors.As(err, &txErr) {
		t.Fatalf("Complete() error = %v, want TransactionError", err)
	}
	if !errors.Is(err, ErrAbort) {
		t.Errorf("Complete() error = %v, want AbortError", err)
	}

	if _, err := store.Put(note{Topic: "b"}).Await(ctx); !errors.Is(err, ErrTransactionInactive) {
		t.Errorf("Put() after abort error = %v, want TransactionInactiveError", err)
	}

	rtx, _ := db.Transaction(engine.ReadOnly, "notes")
	rstore, _ := rtx.ObjectStore("notes")
	if n, _ := rstore.Count(nil).Await(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0 after abort", n)
	}
}

func TestTransaction_FailedRequestRejectsCompletion(t *testing.T) {
	db := openTestDB(t)
	putNotes(t, db, note{Topic: "a"})
	ctx := testCtx(t)

	tx, _ := db.Transaction(engine.ReadWrite, "notes")
	store, _ := tx.ObjectStore("notes")
	_, err := store.Add(note{ID: 1, Topic: "dup"}).Await(ctx)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || !errors.Is(err, ErrConstraint) {
		t.Errorf("Add() error = %v, want RequestError wrapping ConstraintError", err)
	}
	if _, err := tx.Complete().Await(ctx); !errors.Is(err, ErrConstraint) {
		t.Errorf("Complete() error = %v, want ConstraintError", err)
	}
	if _, err := tx.Commit().Await(ctx); err == nil {
		t.Error("Commit() after failure succeeded")
	}
}

func TestDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	ctx := testCtx(t)
	db, err := Open(path, "notes", 1, notesUpgrade).Await(ctx)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	db.Close()

	if _, err := Delete(path).Await(ctx); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	db, err = Open(path, "notes", 1, nil).Await(ctx)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()
	if names := db.ObjectStoreNames(); len(names) != 0 {
		t.Errorf("ObjectStoreNames() = %v, want none", names)
	}
}
