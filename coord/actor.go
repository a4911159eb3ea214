package coord

import "sync"

// actor is the single-threaded cooperative executor of spec §5: one
// goroutine draining an inbox of closures. All mutations to round store,
// dedup windows, register, and pending dispatches happen inside this
// goroutine, so no additional locking is needed for state owned by it.
// Suspension points (gateway calls, history loads, outbound writes) run on
// their own goroutines and deliver results back via Post, preserving
// re-entrancy safety: a posted closure always re-checks round/resolved
// state before acting on a result that raced with something else.
type actor struct {
	inbox chan func()

	closeOnce sync.Once
	done      chan struct{}
}

func newActor() *actor {
	a := &actor{
		inbox: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for fn := range a.inbox {
		fn()
	}
}

// Post enqueues fn to run on the actor goroutine. Safe to call from any
// goroutine, including from within the actor itself. Post is a no-op after
// Stop (the closure is dropped).
func (a *actor) Post(fn func()) {
	defer func() {
		// Recover from send-on-closed-channel if Stop raced with Post.
		recover()
	}()
	select {
	case a.inbox <- fn:
	case <-a.done:
	}
}

// Stop closes the inbox and waits for the run loop to drain and exit.
func (a *actor) Stop() {
	a.closeOnce.Do(func() {
		close(a.inbox)
	})
	<-a.done
}
