package coord

import "encoding/json"

// Kind is the tagged-variant discriminator of the coordination record wire
// format (spec §6, Design Notes §9).
type Kind string

const (
	KindRoundStart   Kind = "round_start"
	KindMicroPropose Kind = "micro_propose"
	KindResolved     Kind = "resolved"
	KindSignal       Kind = "signal"
	KindQuestion     Kind = "question"
	KindInform       Kind = "inform"
	KindFlag         Kind = "flag"
	KindDelegate     Kind = "delegate"
	KindStatus       Kind = "status"
)

// acceptedProtocolVersions is the explicit, documented set of
// protocol-version strings this engine accepts (spec §9 open question
// (b)): legacy and current coexist.
var acceptedProtocolVersions = map[string]bool{
	"v1":   true, // legacy
	"v1.1": true, // current
}

// AcceptsProtocolVersion reports whether version is in the documented
// acceptance set. Unknown versions are dropped per spec §7.
func AcceptsProtocolVersion(version string) bool {
	return acceptedProtocolVersions[version]
}

// isPeerChatKind reports whether k belongs to the layer-2 (peer-chat)
// sub-protocol multiplexed on the same inbound stream (spec §4.6).
func isPeerChatKind(k Kind) bool {
	switch k {
	case KindQuestion, KindInform, KindFlag, KindDelegate, KindStatus:
		return true
	default:
		return false
	}
}

// CoordinationRecord is the wire envelope of spec §6. Unknown Kind values
// are dropped by the decoder (ParseCoordinationRecord), never raised.
type CoordinationRecord struct {
	Protocol     string          `json:"protocol"`
	RoundID      string          `json:"round_id,omitempty"`
	SourceChatID *string         `json:"source_chat_id,omitempty"`
	Kind         Kind            `json:"kind"`

	// round_start
	TriggerMessageID string `json:"trigger_message_id,omitempty"`
	TriggerContent   string `json:"trigger_content,omitempty"`

	// micro_propose
	Proposal *MicroProposal `json:"proposal,omitempty"`

	// resolved
	Mode        Mode                     `json:"mode,omitempty"`
	Winner      string                   `json:"winner,omitempty"`
	RunnerUp    string                   `json:"runner_up,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
	MyProposal  *MicroProposal           `json:"my_proposal,omitempty"`
	OtherProposal *MicroProposal         `json:"other_proposal,omitempty"`

	// signal (informational only, not consumed by the state machine)
	SoloInsufficient bool    `json:"solo_insufficient,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Basis            string  `json:"basis,omitempty"`
	ChainDepth       int     `json:"chain_depth,omitempty"`

	// peer-chat kinds
	To           string `json:"to,omitempty"`
	Content      string `json:"content,omitempty"`
	ExpectsReply bool   `json:"expects_reply,omitempty"`
	Depth        int    `json:"depth,omitempty"`

	// speaker identifies the author of a peer-chat record for the dedup
	// window / address filter of spec §4.6. Not part of the wire
	// envelope proper in every deployment, but the core treats it as
	// always present on records it must route.
	Speaker string `json:"speaker,omitempty"`

	// intent is the legacy v1 nested shape for round_start: some
	// deployments send {"intent":{"type":"round_start"}} instead of a
	// flat "kind" field (spec §6's kind table, "also seen as
	// intent.type"). Folded into Kind by ParseCoordinationRecord.
	Intent *legacyIntent `json:"intent,omitempty"`
}

// legacyIntent is the nested discriminator of the v1 wire shape.
type legacyIntent struct {
	Type Kind `json:"type"`
}

// ParseCoordinationRecord decodes raw into a CoordinationRecord. It returns
// (nil, false) on malformed JSON, an unaccepted protocol version, or an
// unknown Kind — all of which are drop-and-log per spec §7, never errors
// raised to the caller.
func ParseCoordinationRecord(raw []byte) (*CoordinationRecord, bool) {
	var rec CoordinationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	if rec.Protocol != "" && !AcceptsProtocolVersion(rec.Protocol) {
		return nil, false
	}
	if rec.Kind == "" && rec.Intent != nil {
		rec.Kind = rec.Intent.Type
	}
	switch rec.Kind {
	case KindRoundStart, KindMicroPropose, KindResolved, KindSignal,
		KindQuestion, KindInform, KindFlag, KindDelegate, KindStatus:
		return &rec, true
	default:
		return nil, false
	}
}
