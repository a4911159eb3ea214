package coord

import "time"

// RoundStore holds at most one RoundState per round_id (invariant I1 of
// spec §3). It is owned exclusively by the Engine's actor goroutine — no
// internal locking, matching spec §5's single-threaded-domain requirement.
type RoundStore struct {
	rounds map[string]*RoundState
}

// NewRoundStore creates an empty store.
func NewRoundStore() *RoundStore {
	return &RoundStore{rounds: make(map[string]*RoundState)}
}

// Get returns the round state for id, or nil if none exists.
func (s *RoundStore) Get(roundID string) *RoundState {
	return s.rounds[roundID]
}

// Insert adds state, keyed by state.RoundID. Returns false without
// modifying the store if a round with that id already exists (invariant I1).
func (s *RoundStore) Insert(state *RoundState) bool {
	if _, exists := s.rounds[state.RoundID]; exists {
		return false
	}
	s.rounds[state.RoundID] = state
	return true
}

// AnyUnresolved reports whether at least one round in the store has not
// yet reached its terminal resolved state. Used by the peer-chat gate of
// spec §4.6 ("if any round is unresolved, drop peer-chat records").
func (s *RoundStore) AnyUnresolved() bool {
	for _, st := range s.rounds {
		if !st.Resolved {
			return true
		}
	}
	return false
}

// Delete cancels state's timers (if any remain armed) and removes it from
// the store.
func (s *RoundStore) Delete(roundID string) {
	if st, ok := s.rounds[roundID]; ok {
		stopTimer(st.DeadlineTimer)
		stopTimer(st.CleanupTimer)
		delete(s.rounds, roundID)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
