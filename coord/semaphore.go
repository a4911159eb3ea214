package coord

import "sync"

// BoundedSemaphore caps concurrent holders at N, per spec §4.2. Callers
// arriving while full park in FIFO order via a buffered permit channel;
// Drain wakes all parked callers, which observe Stopped() == true and must
// return without doing work.
type BoundedSemaphore struct {
	permits chan struct{}

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// NewBoundedSemaphore creates a semaphore with n permits (default 1 if n <= 0).
func NewBoundedSemaphore(n int) *BoundedSemaphore {
	if n <= 0 {
		n = 1
	}
	s := &BoundedSemaphore{
		permits: make(chan struct{}, n),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		s.permits <- struct{}{}
	}
	return s
}

// Acquire blocks until a permit is available or the semaphore is drained.
// Returns false if the semaphore was drained while waiting — the caller
// must not proceed with work in that case.
func (s *BoundedSemaphore) Acquire() (ok bool) {
	select {
	case <-s.permits:
		return true
	case <-s.stopCh:
		return false
	}
}

// TryAcquire attempts to acquire a permit without blocking. It reports
// false once Drain has been called.
func (s *BoundedSemaphore) TryAcquire() bool {
	if s.Stopped() {
		return false
	}
	select {
	case <-s.permits:
		return true
	default:
		return false
	}
}

// Release returns a permit to the pool. A no-op after Drain.
func (s *BoundedSemaphore) Release() {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	select {
	case s.permits <- struct{}{}:
	default:
		// Pool already full; ignore extra releases rather than block/panic.
	}
}

// Drain wakes every parked Acquire call with a "stopped" signal. Idempotent.
func (s *BoundedSemaphore) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// Stopped reports whether Drain has been called.
func (s *BoundedSemaphore) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
