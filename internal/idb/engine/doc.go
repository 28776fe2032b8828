// Package engine is an event-driven object store database on top of SQLite.
//
// A Database holds named object stores of JSON records keyed by an in-line
// key path, optionally with secondary indexes. All work happens inside
// transactions and every operation returns a *Request whose outcome arrives
// through OnSuccess / OnError handlers:
//
//	req := engine.Open(path, "restaurants-db", 1, upgrade)
//	req.OnSuccess(func() {
//	    db := req.Result().(*engine.Database)
//	    tx, _ := db.Transaction([]string{"restaurants"}, engine.ReadWrite)
//	    store, _ := tx.ObjectStore("restaurants")
//	    store.Put([]byte(`{"id":1,"name":"Mission Chinese Food"}`))
//	    tx.OnComplete(func() { log.Println("saved") })
//	    tx.Commit()
//	})
//
// Handlers for one Database run one at a time on a single event-loop
// goroutine. Transactions over overlapping stores run in creation order
// unless both are read-only. Read-write transactions run one at a time
// whatever their scopes: the file has a single SQLite writer, so a second
// read-write transaction waits until the first commits or aborts. A caller
// must not hold one read-write transaction open while it waits on another.
//
// Keys are int64, float64 or string values. Numbers sort before strings.
package engine
