package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	oasis "github.com/nevindra/oasis"
)

// Engine is the Coordination Engine of spec §4.6: the round state machine
// that turns round_start/micro_propose/deadline events into a single
// DispatchDecision per round, plus the layer-2 peer-chat gate multiplexed
// on the same coordination stream. All round/register mutation happens on
// a single actor goroutine (spec §5); gateway calls, history loads, and
// outbound writes run off-actor and report back via actor.Post, so any
// closure that acts on their result re-checks round/resolved state first.
type Engine struct {
	act *actor

	myName      string
	coordChatID string

	rounds    *RoundStore
	registers *RegisterStore

	contentDedup  *DedupWindow
	peerChatDedup *DedupWindow
	peerChatSem   *BoundedSemaphore

	gateway GatewayClient
	writer  ChatWriter
	history *HistoryLoader
	holder  *DispatchHolder

	// peerChatHandler, if set, composes a reply to an admitted peer-chat
	// record. Optional: the core's contract ends at gating + dedup + depth
	// cap (spec §4.6); reply composition is a host concern.
	peerChatHandler func(ctx context.Context, rec *CoordinationRecord, authorName string) (string, bool)

	cfg    Config
	tracer oasis.Tracer
	logger *slog.Logger
}

// NewEngine wires the Coordination Engine. tracer may be nil (span
// creation is then skipped, matching tracer.go's documented contract).
func NewEngine(myName, coordChatID string, gateway GatewayClient, writer ChatWriter, history *HistoryLoader, holder *DispatchHolder, cfg Config, tracer oasis.Tracer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		act:           newActor(),
		myName:        myName,
		coordChatID:   coordChatID,
		rounds:        NewRoundStore(),
		registers:     NewRegisterStore(),
		contentDedup:  NewDedupWindow(),
		peerChatDedup: NewDedupWindow(),
		peerChatSem:   NewBoundedSemaphore(cfg.Layer2InflightMax),
		gateway:       gateway,
		writer:        writer,
		history:       history,
		holder:        holder,
		cfg:           cfg,
		tracer:        tracer,
		logger:        logger,
	}
	holder.onReplied = e.onReplied
	return e
}

// SetPeerChatHandler installs the optional layer-2 reply composer.
func (e *Engine) SetPeerChatHandler(fn func(ctx context.Context, rec *CoordinationRecord, authorName string) (string, bool)) {
	e.peerChatHandler = fn
}

// Stop drains the actor and the holder's backstop timers.
func (e *Engine) Stop() {
	e.act.Stop()
	e.holder.Stop()
	e.peerChatSem.Drain()
}

// HandleInboundMessage is the entry point from Reliable Inbound's
// onDispatch callback: the per-agent dispatch payload that triggers (or
// joins) a coordination round, per spec §4.4/§4.6.
func (e *Engine) HandleInboundMessage(ctx context.Context, payload DispatchPayload) {
	key := payload.ChatID + "|" + payload.Speaker + "|" + truncate(payload.Text, 80)
	if e.contentDedup.Mark(key, e.cfg.DedupContentTTL) {
		e.logger.Info("content dedup: duplicate inbound text suppressed", "chat_id", payload.ChatID)
		return
	}

	if mentions := extractMentions(payload.Text); len(mentions) > 0 {
		if e.holder.HardRoutingBypass(ctx, payload.MessageID, payload.ChatID, payload.Text, payload.Speaker, mentions) {
			return
		}
	}

	e.holder.Hold(ctx, payload.MessageID, payload.ChatID, payload.Text, payload.Speaker)
	e.emitRoundStartAnnounce(ctx, payload.MessageID, payload.Text, payload.ChatID)
	e.act.Post(func() {
		e.startRound(ctx, payload.MessageID, payload.Text, payload.ChatID)
	})
}

// HandleCoordinationEnvelope is the entry point from Reliable Inbound's
// onCoordination callback.
func (e *Engine) HandleCoordinationEnvelope(ctx context.Context, env CoordinationEnvelope) {
	rec, ok := ParseCoordinationRecord(env.Raw)
	if !ok {
		return
	}
	if rec.Speaker == "" {
		rec.Speaker = env.AuthorName
	}

	switch {
	case rec.Kind == KindRoundStart:
		e.act.Post(func() {
			e.startRound(ctx, rec.TriggerMessageID, rec.TriggerContent, sourceChatOf(rec))
		})

	case rec.Kind == KindMicroPropose:
		if rec.Proposal == nil || rec.RoundID == "" {
			return
		}
		proposal := *rec.Proposal
		e.act.Post(func() {
			e.onPeerMicroPropose(ctx, rec.RoundID, env.AuthorName, proposal)
		})

	case rec.Kind == KindResolved, rec.Kind == KindSignal:
		// Informational only; logged for observability, never mutates state.
		e.logger.Debug("coordination record observed", "kind", rec.Kind, "round_id", rec.RoundID)

	case isPeerChatKind(rec.Kind):
		e.act.Post(func() {
			e.routePeerChat(ctx, rec, env.AuthorName)
		})
	}
}

// startRound implements spec §4.6's round_start transition: if the round
// already exists, drop (invariant I1); otherwise insert state, arm the
// round deadline timer, and kick off proposal generation.
func (e *Engine) startRound(ctx context.Context, roundID, triggerContent, sourceChatID string) {
	if roundID == "" || e.rounds.Get(roundID) != nil {
		return
	}

	ctx, span := e.startSpan(ctx, "coord.round", oasis.StringAttr("round_id", roundID))
	defer span.End()

	state := &RoundState{
		RoundID:        roundID,
		TriggerContent: triggerContent,
		TriggerMsgID:   roundID,
		SourceChatID:   sourceChatID,
		Phase:          PhaseGeneratingProposal,
	}
	e.rounds.Insert(state)

	state.DeadlineTimer = time.AfterFunc(e.cfg.MaxRoundDuration, func() {
		e.act.Post(func() { e.onRoundDeadline(ctx, roundID) })
	})

	register := *e.registers.Get(sourceChatID) // snapshot, taken on-actor
	go e.generateProposal(ctx, roundID, state, register)
}

// generateProposal runs off-actor: it loads history and calls the
// gateway's fast model, then reports back via Post. Any proposal that
// survives to the re-entry check is applied under the actor's exclusive
// ownership of round state. register is a snapshot taken on-actor before
// this goroutine was spawned — RegisterStore itself is never touched off-actor.
func (e *Engine) generateProposal(ctx context.Context, roundID string, state *RoundState, register RegisterState) {
	coordHistory, peerReplies := e.history.LoadAll(ctx, roundID, state.SourceChatID, e.myName, e.cfg.GatewayCallTimeout)

	prompt := buildProposalPrompt(state.TriggerContent, register, coordHistory, peerReplies)

	raw, err := e.gateway.CallHaiku(ctx, prompt)
	if err != nil || raw == nil {
		e.logger.Warn("proposal generation failed, failing open", "round_id", roundID, "error", err)
		e.act.Post(func() { e.onGeneratorFailed(ctx, roundID) })
		return
	}

	proposal, ok := parseMicroProposal(*raw)
	if !ok {
		e.logger.Warn("proposal response unparseable, failing open", "round_id", roundID)
		e.act.Post(func() { e.onGeneratorFailed(ctx, roundID) })
		return
	}

	e.act.Post(func() { e.onProposalGenerated(ctx, roundID, proposal) })
}

// onProposalGenerated implements the "posted" transition of spec §4.6: it
// stores the proposal, starts the post-generation cleanup timer (invariant
// I5), emits the micro_propose record, and resolves immediately if the
// peer's proposal already arrived (buffered per invariant I4).
func (e *Engine) onProposalGenerated(ctx context.Context, roundID string, proposal MicroProposal) {
	st := e.rounds.Get(roundID)
	if st == nil || st.Resolved {
		return
	}
	st.MyProposal = &proposal
	st.CleanupTimer = time.AfterFunc(e.cfg.CleanupDuration, func() {
		e.act.Post(func() { e.rounds.Delete(roundID) })
	})

	e.emitMicroPropose(ctx, st)

	if st.OtherProposal != nil {
		st.Phase = PhaseResolving
		e.resolve(ctx, st)
		return
	}
	st.Phase = PhaseProposalPosted
}

// onPeerMicroPropose implements the peer_micro_propose transition: drop if
// no round exists yet or it already resolved; otherwise store the peer's
// proposal and resolve once both proposals are present (invariant I4 lets
// this arrive before our own).
func (e *Engine) onPeerMicroPropose(ctx context.Context, roundID, otherName string, proposal MicroProposal) {
	st := e.rounds.Get(roundID)
	if st == nil || st.Resolved {
		return
	}
	st.OtherProposal = &proposal
	st.OtherName = otherName

	if st.MyProposal != nil {
		st.Phase = PhaseResolving
		e.resolve(ctx, st)
	}
}

// resolve is the one-shot terminal transition: run the pure Filter, emit
// the resolved record, translate its result into a DispatchDecision per
// the mode/winner table of spec §4.6, and raise it to the Holder.
func (e *Engine) resolve(ctx context.Context, st *RoundState) {
	result := Filter(*st.MyProposal, *st.OtherProposal, e.myName, st.OtherName, e.cfg.Thresholds)
	st.Resolved = true
	st.Phase = PhaseResolved
	stopTimer(st.DeadlineTimer)

	e.emitResolved(ctx, st, result)
	e.raiseDecision(ctx, st, e.buildDecision(st, result))
}

// buildDecision translates a FilterResult into the Holder's four-case
// contract, per spec §4.6's mode/winner dispatch table.
func (e *Engine) buildDecision(st *RoundState, result FilterResult) DispatchDecision {
	amWinner := result.Winner == e.myName

	switch result.Mode {
	case ModeParallel:
		return DispatchDecision{
			RoundID:          st.RoundID,
			TriggerMessageID: st.TriggerMsgID,
			ShouldRespond:    true,
			SynthesizeContext: fmt.Sprintf(
				"[coordination: parallel mode. your angle: %q; peer (%s) is covering: %q. stay focused on your own angle.]",
				st.MyProposal.Angle, st.OtherName, st.OtherProposal.Angle),
		}

	case ModeSynthesis:
		if amWinner {
			return DispatchDecision{
				RoundID:          st.RoundID,
				TriggerMessageID: st.TriggerMsgID,
				ShouldRespond:    true,
				SynthesizeContext: fmt.Sprintf(
					"[coordination: synthesis mode, you go first. %s will build on your reply.]", st.OtherName),
			}
		}
		return DispatchDecision{
			RoundID:          st.RoundID,
			TriggerMessageID: st.TriggerMsgID,
			ShouldRespond:    false,
			WaitForResponse: &WaitForResponse{
				WinnerName:    result.Winner,
				MyProposal:    *st.MyProposal,
				OtherProposal: *st.OtherProposal,
			},
		}

	default: // ModeSolo
		if amWinner {
			return DispatchDecision{
				RoundID:          st.RoundID,
				TriggerMessageID: st.TriggerMsgID,
				ShouldRespond:    true,
				SynthesizeContext: fmt.Sprintf(
					"[coordination: you were selected to respond (%s).]", result.Reason),
			}
		}
		return DispatchDecision{
			RoundID:          st.RoundID,
			TriggerMessageID: st.TriggerMsgID,
			ShouldRespond: false,
			CancelPending: true,
		}
	}
}

// onGeneratorFailed implements the fail-open path of spec §4.6/§7: a
// round whose own proposal never arrives still must not strand the held
// message, so it dispatches unconditionally.
func (e *Engine) onGeneratorFailed(ctx context.Context, roundID string) {
	st := e.rounds.Get(roundID)
	if st == nil || st.Resolved {
		return
	}
	st.Resolved = true
	e.raiseDecision(ctx, st, DispatchDecision{
		RoundID:          roundID,
		TriggerMessageID: st.TriggerMsgID,
		ShouldRespond:    true,
	})
	e.rounds.Delete(roundID)
}

// onRoundDeadline implements the max_round_duration fail-open path of spec
// §4.6/§7: if the round never reached a terminal decision in time, dispatch
// unconditionally rather than leave the user waiting indefinitely.
func (e *Engine) onRoundDeadline(ctx context.Context, roundID string) {
	st := e.rounds.Get(roundID)
	if st == nil || st.Resolved {
		return
	}
	st.Resolved = true
	e.raiseDecision(ctx, st, DispatchDecision{
		RoundID:          roundID,
		TriggerMessageID: st.TriggerMsgID,
		ShouldRespond:    true,
	})
	e.rounds.Delete(roundID)
}

// raiseDecision hands the decision to the Holder. It does not touch the
// register: the register advances only in onReplied, once the Holder
// reports that a positive decision actually produced a reply.
func (e *Engine) raiseDecision(ctx context.Context, st *RoundState, decision DispatchDecision) {
	e.holder.ApplyDecision(ctx, st.TriggerMsgID, decision)
}

// onReplied is the Holder's callback (spec §4.6 "after a positive decision
// for which the responder actually replied, update the register"). It runs
// off-actor (called from the Holder's own goroutine) and re-enters the
// actor domain to touch RegisterStore safely.
func (e *Engine) onReplied(chatID, roundID string) {
	e.act.Post(func() {
		st := e.rounds.Get(roundID)
		if st == nil || st.MyProposal == nil {
			return // round already swept by the cleanup timer; advisory only
		}
		e.registers.RecordResponse(chatID, e.myName, st.MyProposal.Angle)
	})
}

// routePeerChat implements the layer-2 gate of spec §4.6: while any round
// is unresolved (in any chat), peer-chat records are dropped outright; an
// admitted record still passes an address filter, a chain-depth cap, and a
// speaker+content dedup window before the optional handler composes a
// reply under the bounded semaphore.
func (e *Engine) routePeerChat(ctx context.Context, rec *CoordinationRecord, authorName string) {
	if e.rounds.AnyUnresolved() {
		return
	}
	if rec.To != "" && !strings.EqualFold(rec.To, e.myName) {
		return
	}
	if rec.Depth >= e.cfg.DepthCap {
		return
	}

	key := authorName + "|" + truncate(rec.Content, 120)
	if e.peerChatDedup.Mark(key, e.cfg.DedupContentTTL) {
		return
	}

	if e.peerChatHandler == nil {
		return
	}
	if !e.peerChatSem.TryAcquire() {
		e.logger.Debug("peer-chat reply dropped: inflight cap reached", "from", authorName)
		return
	}

	go func() {
		defer e.peerChatSem.Release()
		content, ok := e.peerChatHandler(ctx, rec, authorName)
		if !ok || content == "" {
			return
		}
		out := CoordinationRecord{
			Protocol: "v1.1",
			Kind:     KindInform,
			To:       authorName,
			Content:  content,
			Depth:    rec.Depth + 1,
		}
		data, err := json.Marshal(out)
		if err != nil {
			e.logger.Warn("peer-chat reply marshal failed", "error", err)
			return
		}
		if err := e.writer.PostCoordination(ctx, string(data)); err != nil {
			e.logger.Warn("peer-chat reply post failed", "error", err)
		}
	}()
}

func (e *Engine) emitMicroPropose(ctx context.Context, st *RoundState) {
	sourceChatID := st.SourceChatID
	rec := CoordinationRecord{
		Protocol:     "v1.1",
		RoundID:      st.RoundID,
		SourceChatID: &sourceChatID,
		Kind:         KindMicroPropose,
		Proposal:     st.MyProposal,
	}
	e.postCoordination(ctx, rec)
}

func (e *Engine) emitResolved(ctx context.Context, st *RoundState, result FilterResult) {
	sourceChatID := st.SourceChatID
	rec := CoordinationRecord{
		Protocol:      "v1.1",
		RoundID:       st.RoundID,
		SourceChatID:  &sourceChatID,
		Kind:          KindResolved,
		Mode:          result.Mode,
		Winner:        result.Winner,
		RunnerUp:      result.RunnerUp,
		Reason:        result.Reason,
		MyProposal:    st.MyProposal,
		OtherProposal: st.OtherProposal,
	}
	e.postCoordination(ctx, rec)
}

func (e *Engine) emitRoundStartAnnounce(ctx context.Context, roundID, triggerContent, sourceChatID string) {
	rec := CoordinationRecord{
		Protocol:         "v1.1",
		RoundID:          roundID,
		SourceChatID:     &sourceChatID,
		Kind:             KindRoundStart,
		TriggerMessageID: roundID,
		TriggerContent:   triggerContent,
	}
	e.postCoordination(ctx, rec)
}

// postCoordination is best-effort: failures are logged, never rewind round
// state (spec §4.6).
func (e *Engine) postCoordination(ctx context.Context, rec CoordinationRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		e.logger.Warn("coordination record marshal failed", "kind", rec.Kind, "error", err)
		return
	}
	if err := e.writer.PostCoordination(ctx, string(data)); err != nil {
		e.logger.Warn("coordination post failed", "kind", rec.Kind, "error", err)
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...oasis.SpanAttr) (context.Context, oasis.Span) {
	if e.tracer == nil {
		return ctx, noopSpan{}
	}
	return e.tracer.Start(ctx, name, attrs...)
}

// noopSpan satisfies oasis.Span when no tracer is configured.
type noopSpan struct{}

func (noopSpan) SetAttr(attrs ...oasis.SpanAttr) {}
func (noopSpan) Event(name string, attrs ...oasis.SpanAttr) {}
func (noopSpan) Error(err error) {}
func (noopSpan) End() {}

func sourceChatOf(rec *CoordinationRecord) string {
	if rec.SourceChatID != nil {
		return *rec.SourceChatID
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// extractMentions pulls "@name" tokens out of text, per spec §4.7's
// hard-routing bypass.
func extractMentions(text string) []string {
	var mentions []string
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "@") && len(field) > 1 {
			name := strings.TrimFunc(field[1:], func(r rune) bool {
				return !(r == '_' || r == '-' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9'))
			})
			if name != "" {
				mentions = append(mentions, name)
			}
		}
	}
	return mentions
}

// buildProposalPrompt composes the fast-model prompt for a micro-proposal,
// per spec §4.4: trigger content, the advisory register, and best-effort
// history/peer-reply context.
func buildProposalPrompt(triggerContent string, register RegisterState, coordHistory, peerReplies string) string {
	var b strings.Builder
	b.WriteString("You are one of several collaborating agents deciding how to respond to a message.\n")
	b.WriteString("Message: ")
	b.WriteString(triggerContent)
	b.WriteString("\n\n")

	if register.LastResponder != "" {
		fmt.Fprintf(&b, "Last responder in this chat: %s\n", register.LastResponder)
	}
	for _, a := range register.RecentAngles {
		fmt.Fprintf(&b, "Recent angle (%s): %s\n", a.Agent, a.Angle)
	}
	if coordHistory != "" {
		b.WriteString("\nRecent coordination history:\n")
		b.WriteString(coordHistory)
	}
	if peerReplies != "" {
		b.WriteString("\nRecent peer replies:\n")
		b.WriteString(peerReplies)
	}

	b.WriteString("\nRespond with a JSON object: {\"angle\": string, \"confidence\": number 0-1, ")
	b.WriteString("\"covers\": [string], \"solo_sufficient\": bool, \"builds_on_other\": bool}.\n")
	return b.String()
}

// parseMicroProposal decodes a model response into a MicroProposal,
// tolerating a leading/trailing prose wrapper around the JSON object.
func parseMicroProposal(raw string) (MicroProposal, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return MicroProposal{}, false
	}
	var p MicroProposal
	if err := json.Unmarshal([]byte(raw[start:end+1]), &p); err != nil {
		return MicroProposal{}, false
	}
	if p.Angle == "" {
		return MicroProposal{}, false
	}
	return p, true
}
