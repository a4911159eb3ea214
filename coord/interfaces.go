package coord

import (
	"context"
	"time"
)

// GatewayClient abstracts the language-model gateway (spec §6). The core
// never talks HTTP directly; it calls through this interface.
type GatewayClient interface {
	// CallGateway runs prompt with a bounded timeout and optional session
	// reuse/model override/retry count, returning nil on exhausted
	// failure (spec §7: transient I/O surfaces as nil, never an error).
	CallGateway(ctx context.Context, prompt string, timeout time.Duration, opts GatewayCallOptions) (*string, error)
	// CallHaiku is the stateless-per-call fast variant used for
	// micro-proposal generation (spec §9: avoids context bleed).
	CallHaiku(ctx context.Context, prompt string) (*string, error)
}

// GatewayCallOptions configures a CallGateway invocation.
type GatewayCallOptions struct {
	Model     string
	SessionID string
	Retries   int
}

// ChatWriter abstracts the chat backend's outbound surface (spec §6).
type ChatWriter interface {
	// PostCoordination is best-effort; failures are logged, never raised,
	// and never rewind round state (spec §4.6).
	PostCoordination(ctx context.Context, content string) error
	// SendOutbound delivers a user-visible chat message.
	SendOutbound(ctx context.Context, chatID, text string) error
	// DispatchReply invokes the dispatch pipeline for a held message and
	// returns the concatenated reply text.
	DispatchReply(ctx context.Context, chatID, text, userID string) (string, error)
}

// DispatchPayload is the shape delivered by the Reliable Inbound fast path
// (spec §6).
type DispatchPayload struct {
	ChatID    string
	Text      string
	Speaker   string
	MessageID string
}

// RowStatus is the lifecycle of a durable dispatch row (spec §6).
type RowStatus string

const (
	RowPending RowStatus = "pending"
	RowHandled RowStatus = "handled"
)

// DispatchRow mirrors a row in the durable store consumed by Reliable
// Inbound's safety-net poll and CAS claim (spec §6).
type DispatchRow struct {
	BotID     string
	MessageID string
	Status    RowStatus
	CreatedAt time.Time
	HandledAt *time.Time
	Payload   DispatchPayload
}

// DurableRows abstracts the chat backend's row store for Reliable Inbound
// (spec §4.3, §5 "shared-resource policy").
type DurableRows interface {
	// PendingRowsForAgent returns rows in state pending addressed to botID.
	PendingRowsForAgent(ctx context.Context, botID string) ([]DispatchRow, error)
	// ClaimRow performs the CAS claim: update status='handled' where
	// bot_id=botID AND message_id=messageID AND status='pending'. Returns
	// true if this call won the race.
	ClaimRow(ctx context.Context, botID, messageID string) (bool, error)
	// BulkMarkHandled marks rows handled without invoking any callback —
	// used for boot-time quarantine of stale rows (spec §4.3).
	BulkMarkHandled(ctx context.Context, botID string, messageIDs []string) error
}

// CoordinationEnvelope pairs a raw coordination record with the chat
// backend's identity for its author (a row/message author column separate
// from the JSON payload — the wire format itself carries no agent name).
type CoordinationEnvelope struct {
	AuthorName string
	Raw        []byte
}

// Realtime abstracts the chat backend's broadcast-style fast path (spec
// §4.3). Subscribe returns a channel of raw payloads for the given agent
// (dispatch) or the shared coordination topic, and a one-shot "died"
// signal the Reconnect Supervisor observes.
type Realtime interface {
	SubscribeDispatch(ctx context.Context, agentID string) (<-chan DispatchPayload, <-chan struct{}, error)
	SubscribeCoordination(ctx context.Context) (<-chan CoordinationEnvelope, <-chan struct{}, error)
	// Disconnect tears down any live subscriptions. Must complete before a
	// new Subscribe* call is made for the same logical connection (spec
	// §4.8: "a stale inbound must be disconnected before a new one is
	// created").
	Disconnect(ctx context.Context) error
	// Healthcheck issues a no-op query to keep the upstream session warm
	// (spec §4.3).
	Healthcheck(ctx context.Context) error
}

// ResponseSummarySink abstracts the response-summary sink of spec §6.
type ResponseSummarySink interface {
	WriteResponseSummary(ctx context.Context, coordChatID, roundID, speaker, content, sourceChatID string) error
	WaitForResponseSummary(ctx context.Context, coordChatID, roundID, speakerName string, timeout, pollInterval time.Duration) (string, bool)
	RecentSpeakers(ctx context.Context, coordChatID string, excludeName string) ([]string, error)
	RecentRepliesInChat(ctx context.Context, chatID, speaker string, n int) ([]string, error)
}

// CoordinationHistorySource abstracts reading prior coordination records
// for the History Loader (spec §4.9).
type CoordinationHistorySource interface {
	RecentCoordinationRecords(ctx context.Context, coordChatID string, limit int) ([]CoordinationRecord, error)
}
