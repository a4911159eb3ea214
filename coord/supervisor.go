package coord

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// ReconnectSupervisor runs start-inbound/wait-until-dead/sleep-backoff/retry
// until aborted, per spec §4.8. Backoff is exponential with jitter,
// generalized from the teacher's per-call retry.retryBackoff to a
// long-lived reconnect loop.
type ReconnectSupervisor struct {
	start  func(ctx context.Context) (died <-chan struct{}, err error)
	cfg    BackoffConfig
	logger *slog.Logger
}

// NewReconnectSupervisor creates a supervisor. start must connect the
// inbound layer and return a channel that closes when the connection dies.
func NewReconnectSupervisor(start func(ctx context.Context) (<-chan struct{}, error), cfg BackoffConfig, logger *slog.Logger) *ReconnectSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconnectSupervisor{start: start, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled, reconnecting on every death with
// exponential backoff. Successful connects reset the attempt counter.
func (s *ReconnectSupervisor) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		died, err := s.start(ctx)
		if err != nil {
			attempt++
			delay := backoffDelay(s.cfg, attempt)
			s.logger.Warn("inbound connect failed, backing off", "attempt", attempt, "delay", delay, "error", err)
			if !sleepOrAbort(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		select {
		case <-ctx.Done():
			return
		case <-died:
			s.logger.Warn("inbound connection died, reconnecting")
		}

		attempt++
		delay := backoffDelay(s.cfg, attempt)
		if !sleepOrAbort(ctx, delay) {
			return
		}
	}
}

// backoffDelay computes delay = min(initial * factor^(attempt-1), max) *
// (1 + jitter*U(-1,1)), per spec §4.8.
func backoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(cfg.Initial)
	for i := 1; i < attempt; i++ {
		base *= cfg.Factor
	}
	maxF := float64(cfg.Max)
	if base > maxF {
		base = maxF
	}
	jitter := cfg.Jitter * (2*rand.Float64() - 1) // U(-1,1)
	delay := base * (1 + jitter)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// sleepOrAbort blocks for d or until ctx is cancelled, whichever comes
// first. Returns false if ctx was cancelled.
func sleepOrAbort(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
