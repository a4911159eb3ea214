package coord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// HistoryLoader performs the best-effort reads of spec §4.9 used to enrich
// proposal prompts. All failures degrade to "" rather than propagating —
// the loader never blocks a round on a slow or failing collaborator.
type HistoryLoader struct {
	history CoordinationHistorySource
	sink    ResponseSummarySink

	coordChatID string

	maxChars       int
	maxRounds      int
	perAgentLimit  int
	perAgentChars  int
	totalPeerChars int

	logger *slog.Logger
}

// NewHistoryLoader creates a loader with spec §4.9's defaults.
func NewHistoryLoader(history CoordinationHistorySource, sink ResponseSummarySink, coordChatID string, logger *slog.Logger) *HistoryLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryLoader{
		history:        history,
		sink:           sink,
		coordChatID:    coordChatID,
		maxChars:       8000,
		maxRounds:      5,
		perAgentLimit:  2,
		perAgentChars:  500,
		totalPeerChars: 4000,
		logger:         logger,
	}
}

// LoadAll concurrently loads coordination history and recent peer replies,
// with a shared per-call timeout. Grounded on the teacher's
// dispatchParallel fan-out (network.go), generalized to errgroup because
// each load independently degrades to "" on error rather than
// short-circuiting the other.
func (l *HistoryLoader) LoadAll(ctx context.Context, excludeRoundID, sourceChatID, myName string, timeout time.Duration) (coordHistory, peerReplies string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		coordHistory = l.loadCoordinationHistory(gctx, excludeRoundID)
		return nil
	})
	g.Go(func() error {
		peerReplies = l.loadRecentPeerReplies(gctx, sourceChatID, myName)
		return nil
	})

	_ = g.Wait() // both goroutines always return nil; errors degrade internally
	return coordHistory, peerReplies
}

func (l *HistoryLoader) loadCoordinationHistory(ctx context.Context, excludeRoundID string) string {
	if l.history == nil {
		return ""
	}
	records, err := l.history.RecentCoordinationRecords(ctx, l.coordChatID, 50)
	if err != nil {
		l.logger.Warn("coordination history load failed", "error", err)
		return ""
	}

	byRound := make(map[string][]CoordinationRecord)
	order := make([]string, 0, l.maxRounds)
	for _, rec := range records {
		if rec.RoundID == "" || rec.RoundID == excludeRoundID {
			continue
		}
		if _, seen := byRound[rec.RoundID]; !seen {
			if len(order) >= l.maxRounds {
				continue
			}
			order = append(order, rec.RoundID)
		}
		byRound[rec.RoundID] = append(byRound[rec.RoundID], rec)
	}

	var b strings.Builder
	for _, roundID := range order {
		for _, rec := range byRound[roundID] {
			line := formatHistoryLine(rec)
			if line == "" {
				continue
			}
			if b.Len()+len(line)+1 > l.maxChars {
				return b.String()
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatHistoryLine(rec CoordinationRecord) string {
	switch rec.Kind {
	case KindRoundStart:
		return fmt.Sprintf("round %s: intent %q", rec.RoundID, rec.TriggerContent)
	case KindMicroPropose:
		if rec.Proposal == nil {
			return ""
		}
		return fmt.Sprintf("round %s: proposal angle=%q confidence=%.2f", rec.RoundID, rec.Proposal.Angle, rec.Proposal.Confidence)
	case KindResolved:
		return fmt.Sprintf("round %s: resolved mode=%s winner=%s (%s)", rec.RoundID, rec.Mode, rec.Winner, rec.Reason)
	default:
		return ""
	}
}

func (l *HistoryLoader) loadRecentPeerReplies(ctx context.Context, sourceChatID, myName string) string {
	if l.sink == nil {
		return ""
	}
	agents, err := l.sink.RecentSpeakers(ctx, l.coordChatID, myName)
	if err != nil {
		l.logger.Warn("peer discovery failed", "error", err)
		return ""
	}

	var b strings.Builder
	for _, agent := range agents {
		replies, err := l.sink.RecentRepliesInChat(ctx, sourceChatID, agent, l.perAgentLimit)
		if err != nil {
			continue
		}
		for _, r := range replies {
			if len(r) > l.perAgentChars {
				r = r[:l.perAgentChars]
			}
			line := fmt.Sprintf("%s: %s\n", agent, r)
			if b.Len()+len(line) > l.totalPeerChars {
				return b.String()
			}
			b.WriteString(line)
		}
	}
	return b.String()
}
