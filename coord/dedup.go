package coord

import (
	"sync"
	"time"
)

// clock abstracts time.Now so tests can control expiry without sleeping.
// The zero value uses the real wall clock.
type clock func() time.Time

func realClock() time.Time { return time.Now() }

// DedupWindow is a bounded "see once" set with per-entry time-to-live,
// per spec §4.1. Two instances exist per engine: a long-TTL id-window and
// a short-TTL content-window (see Config.DedupIDTTL / Config.DedupContentTTL).
//
// Mark is safe for concurrent use, but the engine is expected to call it
// only from its single-threaded actor domain (spec §5); the lock here
// exists to make the type safe to reuse from tests and from the
// Reliable Inbound poll path, which runs on its own goroutine.
type DedupWindow struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	now     clock
}

// NewDedupWindow creates an empty window.
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{
		entries: make(map[string]time.Time),
		now:     realClock,
	}
}

// Mark performs an atomic check-and-insert: if key is already present and
// unexpired, it returns true ("was already present") without modifying the
// window. Otherwise it inserts key with the given ttl and returns false.
func (w *DedupWindow) Mark(key string, ttl time.Duration) (wasPresent bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.sweepLocked(now)

	if exp, ok := w.entries[key]; ok && now.Before(exp) {
		return true
	}
	w.entries[key] = now.Add(ttl)
	return false
}

// Contains reports whether key is present and unexpired, without inserting.
func (w *DedupWindow) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	exp, ok := w.entries[key]
	return ok && now.Before(exp)
}

// Len returns the number of unexpired entries currently held.
func (w *DedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.sweepLocked(now)
	return len(w.entries)
}

// sweepLocked evicts expired entries. Caller must hold w.mu.
func (w *DedupWindow) sweepLocked(now time.Time) {
	for k, exp := range w.entries {
		if !now.Before(exp) {
			delete(w.entries, k)
		}
	}
}
