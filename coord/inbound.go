package coord

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReliableInbound turns the duplicative, possibly-missing dispatch and
// coordination streams into exactly-once local handler invocation, per
// spec §4.3. It combines a fast path (broadcast subscription), a
// safety-net poll against the durable row store, and boot-time
// quarantine of stale rows. The Reconnect Supervisor (§4.8) drives
// reconnection of the fast path only; the poll and health loops run
// independently of the fast-path connection state.
type ReliableInbound struct {
	realtime Realtime
	rows     DurableRows
	agentID  string

	idWindow *DedupWindow
	bootTime time.Time

	onDispatch     func(DispatchPayload)
	onCoordination func(CoordinationEnvelope)

	cfg    Config
	logger *slog.Logger
}

// NewReliableInbound creates an inbound layer for agentID. onDispatch and
// onCoordination are invoked at most once per logical event (spec §4.3).
func NewReliableInbound(realtime Realtime, rows DurableRows, agentID string, cfg Config, onDispatch func(DispatchPayload), onCoordination func(CoordinationEnvelope), logger *slog.Logger) *ReliableInbound {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReliableInbound{
		realtime:       realtime,
		rows:           rows,
		agentID:        agentID,
		idWindow:       NewDedupWindow(),
		bootTime:       time.Now(),
		onDispatch:     onDispatch,
		onCoordination: onCoordination,
		cfg:            cfg,
		logger:         logger,
	}
}

// Run starts the safety-net poll loop, the health loop, and the
// fast-path reconnect supervisor. Blocks until ctx is cancelled.
func (r *ReliableInbound) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.healthLoop(ctx)
	}()

	supervisor := NewReconnectSupervisor(r.connectFastPath, r.cfg.Backoff, r.logger)
	supervisor.Run(ctx)
	wg.Wait()
}

// deliverDispatch applies the at-most-once hard gate (spec §4.3, §9) and
// invokes onDispatch if this is the first sighting of messageID.
func (r *ReliableInbound) deliverDispatch(payload DispatchPayload) {
	if r.idWindow.Mark(payload.MessageID, r.cfg.DedupIDTTL) {
		return
	}
	if r.onDispatch != nil {
		r.onDispatch(payload)
	}
}

// connectFastPath subscribes to both streams and returns a channel that
// closes when either subscription dies, satisfying the
// ReconnectSupervisor start-function contract. A stale subscription is
// disconnected before a new one is created (spec §4.8).
func (r *ReliableInbound) connectFastPath(ctx context.Context) (<-chan struct{}, error) {
	_ = r.realtime.Disconnect(ctx) // tear down any ghost subscription first

	dispatchCh, dispatchDied, err := r.realtime.SubscribeDispatch(ctx, r.agentID)
	if err != nil {
		return nil, err
	}
	coordCh, coordDied, err := r.realtime.SubscribeCoordination(ctx)
	if err != nil {
		return nil, err
	}

	died := make(chan struct{})
	var once sync.Once
	closeDied := func() { once.Do(func() { close(died) }) }

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-dispatchCh:
				if !ok {
					closeDied()
					return
				}
				r.deliverDispatch(p)
			case <-dispatchDied:
				closeDied()
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-coordCh:
				if !ok {
					closeDied()
					return
				}
				if r.onCoordination != nil {
					r.onCoordination(env)
				}
			case <-coordDied:
				closeDied()
				return
			}
		}
	}()

	return died, nil
}

// pollLoop is the 5 s safety-net scan of spec §4.3.
func (r *ReliableInbound) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SafetyNetPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *ReliableInbound) pollOnce(ctx context.Context) {
	pending, err := r.rows.PendingRowsForAgent(ctx, r.agentID)
	if err != nil {
		r.logger.Warn("safety-net poll failed", "error", err)
		return
	}

	var stale []string
	for _, row := range pending {
		if row.CreatedAt.Before(r.bootTime) {
			stale = append(stale, row.MessageID)
		}
	}
	if len(stale) > 0 {
		if err := r.rows.BulkMarkHandled(ctx, r.agentID, stale); err != nil {
			r.logger.Warn("boot-time quarantine bulk mark failed", "error", err)
		}
	}

	for _, row := range pending {
		if row.CreatedAt.Before(r.bootTime) {
			continue // quarantined above, never delivered
		}
		if r.idWindow.Contains(row.MessageID) {
			continue // already delivered via fast path
		}
		claimed, err := r.rows.ClaimRow(ctx, r.agentID, row.MessageID)
		if err != nil {
			// Claim failure is best-effort dedup only; the local dedup
			// window is the hard gate, so fail open and still invoke.
			r.logger.Warn("CAS claim errored, invoking anyway", "message_id", row.MessageID, "error", err)
			r.deliverDispatch(row.Payload)
			continue
		}
		if !claimed {
			continue // another path (or instance) already owns this row
		}
		r.deliverDispatch(row.Payload)
	}
}

// healthLoop keeps the upstream realtime session warm (spec §4.3).
func (r *ReliableInbound) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.realtime.Healthcheck(ctx); err != nil {
				r.logger.Warn("health check failed", "error", err)
			}
		}
	}
}
