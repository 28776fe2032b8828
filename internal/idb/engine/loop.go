package engine

import "sync"

// loop runs posted tasks one at a time on a single goroutine. Every SQL
// statement and every event handler of a Database executes here, which is
// what makes the engine single-threaded from the callers' point of view.
//
// The queue is unbounded so tasks may post further tasks without blocking.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.stopped {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		task()
	}
}

// post queues task. It returns false once the loop has been stopped.
func (l *loop) post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// dispatch posts task, running it inline when the loop is gone so late
// handlers still observe the outcome.
func (l *loop) dispatch(task func()) {
	if !l.post(task) {
		task()
	}
}

// stop drains the queue and waits for the loop goroutine to exit.
// It must not be called from the loop goroutine.
func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// slot is a one-shot event handler. The handler fires exactly once, on the
// loop, as soon as both the handler is registered and the event occurred.
type slot struct {
	fn       func()
	occurred bool
	fired    bool
}

// set registers fn under mu and fires it if the event already happened.
func (l *loop) set(mu *sync.Mutex, s *slot, fn func()) {
	mu.Lock()
	s.fn = fn
	ready := fn != nil && s.occurred && !s.fired
	if ready {
		s.fired = true
	}
	mu.Unlock()

	if ready {
		l.dispatch(fn)
	}
}

// trigger marks the event as occurred and runs the handler inline.
// Callers are on the loop goroutine.
func trigger(mu *sync.Mutex, s *slot) {
	mu.Lock()
	s.occurred = true
	fn := s.fn
	ready := fn != nil && !s.fired
	if ready {
		s.fired = true
	}
	mu.Unlock()

	if ready {
		fn()
	}
}
