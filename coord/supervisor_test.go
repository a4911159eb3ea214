package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fastBackoffConfig() BackoffConfig {
	return BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2, Jitter: 0}
}

// TestReconnectSupervisorRetriesOnStartError covers spec §4.8: a start
// failure backs off and retries until start eventually succeeds.
func TestReconnectSupervisorRetriesOnStartError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	died := make(chan struct{})

	start := func(ctx context.Context) (<-chan struct{}, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("connect failed")
		}
		return died, nil
	}

	sup := NewReconnectSupervisor(start, fastBackoffConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	go sup.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	n := attempts
	mu.Unlock()
	if n < 3 {
		t.Fatalf("expected at least 3 start attempts, got %d", n)
	}
	cancel()
}

// TestReconnectSupervisorReconnectsOnDeath covers the steady-state loop: a
// successful connection that later dies is retried.
func TestReconnectSupervisorReconnectsOnDeath(t *testing.T) {
	var mu sync.Mutex
	starts := 0
	diedChans := make([]chan struct{}, 0, 4)

	start := func(ctx context.Context) (<-chan struct{}, error) {
		mu.Lock()
		defer mu.Unlock()
		starts++
		d := make(chan struct{})
		diedChans = append(diedChans, d)
		return d, nil
	}

	sup := NewReconnectSupervisor(start, fastBackoffConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	// Let the first connect land, then kill it and expect a reconnect.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ready := len(diedChans) > 0
		mu.Unlock()
		if ready {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	if len(diedChans) == 0 {
		mu.Unlock()
		t.Fatal("expected at least one start before the timeout")
	}
	first := diedChans[0]
	mu.Unlock()
	close(first)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := starts
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	n := starts
	mu.Unlock()
	if n < 2 {
		t.Fatalf("expected a reconnect after the connection died, got %d starts", n)
	}
}

// TestReconnectSupervisorStopsOnContextCancel ensures Run returns promptly
// once its context is cancelled, even mid-backoff.
func TestReconnectSupervisorStopsOnContextCancel(t *testing.T) {
	start := func(ctx context.Context) (<-chan struct{}, error) {
		return nil, errors.New("always fails")
	}
	cfg := BackoffConfig{Initial: time.Hour, Max: time.Hour, Factor: 2, Jitter: 0}
	sup := NewReconnectSupervisor(start, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return promptly after ctx is cancelled, even mid-backoff")
	}
}

func TestBackoffDelayCapsAtMaxAndClampsAttempt(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 3 * time.Second, Factor: 2, Jitter: 0}

	if d := backoffDelay(cfg, 0); d != time.Second {
		t.Fatalf("attempt < 1 should clamp to attempt 1 (%v), got %v", time.Second, d)
	}
	if d := backoffDelay(cfg, 1); d != time.Second {
		t.Fatalf("attempt 1 should be the initial delay, got %v", d)
	}
	if d := backoffDelay(cfg, 2); d != 2*time.Second {
		t.Fatalf("attempt 2 should double, got %v", d)
	}
	if d := backoffDelay(cfg, 10); d != cfg.Max {
		t.Fatalf("large attempts should cap at Max (%v), got %v", cfg.Max, d)
	}
}
