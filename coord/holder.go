package coord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DispatchHolder gates a user-visible reply on the coordination decision,
// per spec §4.7. Pending entries and the dispatched-dedup window are
// protected by a single mutex (the alternative ownership model spec §5
// allows to the single-threaded-actor domain).
type DispatchHolder struct {
	mu      sync.Mutex
	pending map[string]*PendingDispatch

	// dispatched marks messageIDs that have reached a terminal dispatch
	// decision, TTL cfg.DispatchedTTL, to suppress late duplicate
	// decisions (spec §4.7, §7 "Decision race").
	dispatched *DedupWindow

	writer ChatWriter
	sink   ResponseSummarySink
	cfg    Config
	myName string
	logger *slog.Logger

	coordChatID string

	// onReplied, if set, is invoked after a successful ShouldRespond
	// dispatch with (chatID, roundID) so the Engine can advance its
	// advisory register (spec §4.6). Wired by NewEngine.
	onReplied func(chatID, roundID string)
}

// NewDispatchHolder creates a Holder. myName identifies this instance for
// response-summary bookkeeping; coordChatID is the shared coordination
// chat the response-summary sink is scoped to.
func NewDispatchHolder(writer ChatWriter, sink ResponseSummarySink, cfg Config, myName, coordChatID string, logger *slog.Logger) *DispatchHolder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchHolder{
		pending:     make(map[string]*PendingDispatch),
		dispatched:  NewDedupWindow(),
		writer:      writer,
		sink:        sink,
		cfg:         cfg,
		myName:      myName,
		coordChatID: coordChatID,
		logger:      logger,
	}
}

// Hold registers a user-triggered message while its coordination round
// runs. A backstop timer guarantees dispatch even if no decision ever
// arrives (spec §4.7, §7 "user never waits more than max_round_ms +
// backstop").
func (h *DispatchHolder) Hold(ctx context.Context, messageID, chatID, text, userID string) {
	h.mu.Lock()
	if h.dispatched.Contains(messageID) {
		h.mu.Unlock()
		return
	}
	if _, exists := h.pending[messageID]; exists {
		h.mu.Unlock()
		return
	}
	entry := &PendingDispatch{MessageID: messageID, ChatID: chatID, Text: text, UserID: userID}
	h.pending[messageID] = entry
	entry.BackstopTimer = time.AfterFunc(h.cfg.PendingBackstop, func() {
		h.fireBackstop(context.Background(), messageID)
	})
	h.mu.Unlock()
}

// fireBackstop is the handler for both the initial pending-backstop and the
// post-defer backstop: if the entry is still held (not yet dispatched), it
// dispatches with the original text.
func (h *DispatchHolder) fireBackstop(ctx context.Context, messageID string) {
	h.mu.Lock()
	entry, ok := h.pending[messageID]
	if !ok || entry.Dispatched {
		h.mu.Unlock()
		return
	}
	entry.Dispatched = true
	delete(h.pending, messageID)
	h.dispatched.Mark(messageID, h.cfg.DispatchedTTL)
	h.mu.Unlock()

	h.logger.Info("backstop fired", "message_id", messageID)
	h.dispatch(ctx, entry, entry.Text)
}

// ApplyDecision applies a DispatchDecision raised by the Engine, per the
// four cases of spec §4.7.
func (h *DispatchHolder) ApplyDecision(ctx context.Context, messageID string, decision DispatchDecision) {
	h.mu.Lock()
	if h.dispatched.Contains(messageID) {
		h.mu.Unlock()
		h.logger.Warn("decision race: message already dispatched", "message_id", messageID)
		return
	}
	entry, ok := h.pending[messageID]
	if !ok {
		h.mu.Unlock()
		return
	}
	stopTimer(entry.BackstopTimer)

	switch {
	case decision.ShouldRespond:
		entry.Dispatched = true
		delete(h.pending, messageID)
		h.dispatched.Mark(messageID, h.cfg.DispatchedTTL)
		h.mu.Unlock()

		text := entry.Text
		if decision.SynthesizeContext != "" {
			text = decision.SynthesizeContext + "\n\n" + entry.Text
		}
		resp := h.dispatch(ctx, entry, text)
		if h.sink != nil {
			_ = h.sink.WriteResponseSummary(ctx, h.coordChatID, decision.RoundID, h.myName, resp, entry.ChatID)
		}
		if h.onReplied != nil {
			h.onReplied(entry.ChatID, decision.RoundID)
		}

	case decision.CancelPending:
		entry.Dispatched = true
		delete(h.pending, messageID)
		h.dispatched.Mark(messageID, h.cfg.DispatchedTTL)
		h.mu.Unlock()
		h.logger.Info("dispatch suppressed (cancel_pending)", "message_id", messageID, "round_id", decision.RoundID)

	case decision.WaitForResponse != nil:
		h.mu.Unlock()
		go h.waitForSynthesis(ctx, messageID, entry, decision)

	default:
		// Initial defer: the peer's terminal decision hasn't arrived yet.
		// Arm a shorter defer-backstop covering the case it never does.
		entry.BackstopTimer = time.AfterFunc(h.cfg.DeferBackstop, func() {
			h.fireBackstop(context.Background(), messageID)
		})
		h.mu.Unlock()
	}
}

// waitForSynthesis implements the synthesis runner-up path: poll the
// response-summary sink for the winner's reply, and dispatch either a
// synthesis-style follow-up or a parallel-style fallback on timeout.
func (h *DispatchHolder) waitForSynthesis(ctx context.Context, messageID string, entry *PendingDispatch, decision DispatchDecision) {
	var content string
	var found bool
	if h.sink != nil {
		content, found = h.sink.WaitForResponseSummary(ctx, h.coordChatID, decision.RoundID, decision.WaitForResponse.WinnerName, h.cfg.SynthesisWaitTimeout, h.cfg.SynthesisPollInterval)
	}

	h.mu.Lock()
	e, ok := h.pending[messageID]
	if !ok || e.Dispatched {
		h.mu.Unlock()
		return
	}
	e.Dispatched = true
	delete(h.pending, messageID)
	h.dispatched.Mark(messageID, h.cfg.DispatchedTTL)
	h.mu.Unlock()

	var text string
	if found {
		text = fmt.Sprintf("[building on %s's reply: %s]\n\n%s", decision.WaitForResponse.WinnerName, content, e.Text)
	} else {
		h.logger.Warn("synthesis wait timed out, using parallel fallback", "message_id", messageID, "round_id", decision.RoundID)
		text = fmt.Sprintf("[%s did not reply in time; responding independently]\n\n%s", decision.WaitForResponse.WinnerName, e.Text)
	}
	h.dispatch(ctx, e, text)
}

// HardRoutingBypass implements the "@name mention" shortcut of spec §4.7:
// if mentions names this instance, dispatch immediately and report handled
// (true); if it names someone else, drop and report handled; if there are
// no mentions, report unhandled so normal coordination proceeds.
func (h *DispatchHolder) HardRoutingBypass(ctx context.Context, messageID, chatID, text, userID string, mentions []string) (handled bool) {
	if len(mentions) == 0 {
		return false
	}
	for _, m := range mentions {
		if strings.EqualFold(m, h.myName) {
			h.mu.Lock()
			h.dispatched.Mark(messageID, h.cfg.DispatchedTTL)
			h.mu.Unlock()
			entry := &PendingDispatch{MessageID: messageID, ChatID: chatID, Text: text, UserID: userID}
			h.dispatch(ctx, entry, text)
			return true
		}
	}
	h.logger.Info("dropping: @mention names another agent", "message_id", messageID)
	return true
}

func (h *DispatchHolder) dispatch(ctx context.Context, entry *PendingDispatch, text string) string {
	resp, err := h.writer.DispatchReply(ctx, entry.ChatID, text, entry.UserID)
	if err != nil {
		h.logger.Error("dispatch reply failed", "message_id", entry.MessageID, "error", err)
		return ""
	}
	return resp
}

// Stop cancels any still-armed backstop timers. Intended for shutdown.
func (h *DispatchHolder) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.pending {
		stopTimer(e.BackstopTimer)
	}
}
