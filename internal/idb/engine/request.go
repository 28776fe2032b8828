package engine

import "sync"

// ReadyState is the lifecycle state of a Request.
type ReadyState int

const (
	// Pending means the operation has not produced a result yet.
	Pending ReadyState = iota
	// Done means Result or Err is available.
	Done
)

// Request is a single pending operation. Its outcome is delivered through
// the OnSuccess and OnError handlers, which run on the engine's event loop.
//
// Cursor requests are re-armed by Cursor.Continue and friends: the same
// Request fires again for every step of the scan.
type Request struct {
	loop   *loop
	source any

	mu      sync.Mutex
	done    chan struct{}
	state   ReadyState
	result  any
	err     error
	success slot
	failure slot
}

func newRequest(l *loop, source any) *Request {
	return &Request{loop: l, source: source, done: make(chan struct{})}
}

// failedRequest returns a request that is already settled with err.
func failedRequest(l *loop, source any, err error) *Request {
	r := newRequest(l, source)
	l.dispatch(func() { r.complete(nil, err) })
	return r
}

// Source returns the store, index or cursor the request was issued against.
func (r *Request) Source() any {
	return r.source
}

// ReadyState reports whether the request has settled.
func (r *Request) ReadyState() ReadyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel closed when the current step settles.
func (r *Request) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Result returns the value produced by a successful request.
func (r *Request) Result() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err returns the failure of an unsuccessful request.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// OnSuccess sets the success handler. Setting it after the request already
// succeeded still delivers the event once.
func (r *Request) OnSuccess(fn func()) {
	r.loop.set(&r.mu, &r.success, fn)
}

// OnError sets the error handler. Setting it after the request already
// failed still delivers the event once.
func (r *Request) OnError(fn func()) {
	r.loop.set(&r.mu, &r.failure, fn)
}

// complete settles the request on the loop and fires the matching handler.
func (r *Request) complete(result any, err error) {
	r.mu.Lock()
	r.state = Done
	r.result = result
	r.err = err
	close(r.done)
	r.mu.Unlock()

	if err != nil {
		trigger(&r.mu, &r.failure)
		return
	}
	trigger(&r.mu, &r.success)
}

// rearm resets the request for the next cursor step. Handlers are cleared so
// a stale handler never observes the next step.
func (r *Request) rearm() {
	r.mu.Lock()
	r.state = Pending
	r.done = make(chan struct{})
	r.result = nil
	r.err = nil
	r.success = slot{}
	r.failure = slot{}
	r.mu.Unlock()
}
