// Package coord implements the negotiation and dispatch engine for a
// per-agent coordination sidecar: reliable inbound delivery, the round
// state machine, the pure proposal filter, and the dispatch holder that
// gates a user-visible reply on the outcome of a negotiation round.
package coord

import "time"

// MicroProposal is an agent's self-assessment for a coordination round.
type MicroProposal struct {
	Angle          string   `json:"angle"`
	Confidence     float64  `json:"confidence"`
	Covers         []string `json:"covers"`
	SoloSufficient bool     `json:"solo_sufficient"`
	BuildsOnOther  bool     `json:"builds_on_other,omitempty"`
}

// Mode is the dispatch mode chosen by the Filter for a round.
type Mode string

const (
	ModeSolo      Mode = "solo"
	ModeParallel  Mode = "parallel"
	ModeSynthesis Mode = "synthesis"
)

// FilterResult is the pure output of Filter: who replies, and why.
type FilterResult struct {
	Mode      Mode
	Winner    string
	RunnerUp  string // empty when not applicable
	Reason    string
	Proposals map[string]MicroProposal
}

// WaitForResponse carries what a synthesis runner-up needs to compose its
// follow-up once the winner's reply lands.
type WaitForResponse struct {
	WinnerName   string
	MyProposal   MicroProposal
	OtherProposal MicroProposal
}

// DispatchDecision is raised by the Engine to the Holder once a round
// resolves (or fails open).
type DispatchDecision struct {
	RoundID           string
	TriggerMessageID  string
	ShouldRespond     bool
	SynthesizeContext string
	CancelPending     bool
	WaitForResponse   *WaitForResponse
}

// RoundPhase is the coordination round's state machine position.
type RoundPhase int

const (
	PhaseNone RoundPhase = iota
	PhaseGeneratingProposal
	PhaseProposalPosted
	PhaseResolving
	PhaseResolved
)

func (p RoundPhase) String() string {
	switch p {
	case PhaseGeneratingProposal:
		return "generating_proposal"
	case PhaseProposalPosted:
		return "proposal_posted"
	case PhaseResolving:
		return "resolving"
	case PhaseResolved:
		return "resolved"
	default:
		return "none"
	}
}

// RoundState is the per-round record described in spec §3. All fields are
// owned and mutated exclusively by the Engine's single-threaded actor.
type RoundState struct {
	RoundID         string
	TriggerContent  string
	TriggerMsgID    string
	SourceChatID    string

	Phase RoundPhase

	MyProposal    *MicroProposal
	OtherProposal *MicroProposal
	OtherName     string

	CoordHistory      string
	RecentPeerReplies string

	DeadlineTimer *time.Timer
	CleanupTimer  *time.Timer

	Resolved bool
}

// PendingDispatch is a held user-triggered message awaiting a coordination
// decision, per spec §3/§4.7.
type PendingDispatch struct {
	MessageID string
	ChatID    string
	Text      string
	UserID    string

	BackstopTimer *time.Timer
	Dispatched    bool
}

// AngleEntry is one entry of RegisterState.RecentAngles.
type AngleEntry struct {
	Agent string
	Angle string
}

// RegisterState is the per-chat advisory register described in spec §3.
// It is injected into proposal prompts only; it never influences Filter.
type RegisterState struct {
	LastResponder string
	RecentAngles  []AngleEntry // newest-first, bounded to 5, unique by Agent
}

// PushAngle records that agent produced angle, keeping the newest-first,
// agent-unique, 5-entry bound described in spec §3.
func (r *RegisterState) PushAngle(agent, angle string) {
	filtered := make([]AngleEntry, 0, len(r.RecentAngles)+1)
	filtered = append(filtered, AngleEntry{Agent: agent, Angle: angle})
	for _, e := range r.RecentAngles {
		if e.Agent == agent {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) > 5 {
		filtered = filtered[:5]
	}
	r.RecentAngles = filtered
}
