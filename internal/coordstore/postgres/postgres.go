// Package postgres implements the coord package's persistence and
// realtime interfaces (coord.DurableRows, coord.Realtime,
// coord.ResponseSummarySink, coord.CoordinationHistorySource,
// coord.ChatWriter) on PostgreSQL using pgx/v5, following the
// externally-owned-pool convention of store/postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	oasis "github.com/nevindra/oasis"
	"github.com/nevindra/oasis/coord"
)

const (
	dispatchChannel     = "coord_dispatch"
	coordinationChannel = "coord_coordination"
)

// Store implements every persistence-facing coord interface plus
// coord.ChatWriter, backed by an externally-owned *pgxpool.Pool. The
// caller creates and closes the pool (store/postgres.Store convention).
type Store struct {
	pool     *pgxpool.Pool
	frontend oasis.Frontend
	respond  func(ctx context.Context, chatID, text, userID string) (string, error)
	logger   *slog.Logger

	rtOnce sync.Once
	rt     *realtimeState
}

// New creates a Store. frontend is the messaging channel adapter
// (frontend.go's oasis.Frontend); respond runs this instance's full reply
// pipeline and returns the text actually sent.
func New(pool *pgxpool.Pool, frontend oasis.Frontend, respond func(ctx context.Context, chatID, text, userID string) (string, error), logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, frontend: frontend, respond: respond, logger: logger}
}

var (
	_ coord.DurableRows              = (*Store)(nil)
	_ coord.Realtime                 = (*Store)(nil)
	_ coord.ResponseSummarySink      = (*Store)(nil)
	_ coord.CoordinationHistorySource = (*Store)(nil)
	_ coord.ChatWriter                = (*Store)(nil)
)

// Init creates all tables used by the coordination sidecar. Safe to call
// multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_rows (
			bot_id      TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			chat_id     TEXT NOT NULL,
			text        TEXT NOT NULL,
			speaker     TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			handled_at  TIMESTAMPTZ,
			PRIMARY KEY (bot_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS dispatch_rows_pending_idx ON dispatch_rows(bot_id, status)`,

		`CREATE TABLE IF NOT EXISTS coordination_records (
			id          BIGSERIAL PRIMARY KEY,
			round_id    TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS coordination_records_round_idx ON coordination_records(round_id)`,
		`CREATE INDEX IF NOT EXISTS coordination_records_created_idx ON coordination_records(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS response_summaries (
			coord_chat_id TEXT NOT NULL,
			round_id      TEXT NOT NULL,
			speaker       TEXT NOT NULL,
			content       TEXT NOT NULL,
			source_chat_id TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (coord_chat_id, round_id, speaker)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("coordstore/postgres: init: %w", err)
		}
	}
	return nil
}

// --- coord.DurableRows ---

func (s *Store) insertPendingRow(ctx context.Context, botID string, payload coord.DispatchPayload) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dispatch_rows (bot_id, message_id, status, chat_id, text, speaker)
		 VALUES ($1, $2, 'pending', $3, $4, $5)
		 ON CONFLICT (bot_id, message_id) DO NOTHING`,
		botID, payload.MessageID, payload.ChatID, payload.Text, payload.Speaker)
	if err != nil {
		return fmt.Errorf("coordstore/postgres: insert pending row: %w", err)
	}
	return nil
}

func (s *Store) PendingRowsForAgent(ctx context.Context, botID string) ([]coord.DispatchRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bot_id, message_id, status, chat_id, text, speaker, created_at, handled_at
		 FROM dispatch_rows WHERE bot_id = $1 AND status = 'pending'`, botID)
	if err != nil {
		return nil, fmt.Errorf("coordstore/postgres: pending rows: %w", err)
	}
	defer rows.Close()

	var out []coord.DispatchRow
	for rows.Next() {
		var r coord.DispatchRow
		var status string
		var handledAt *time.Time
		if err := rows.Scan(&r.BotID, &r.MessageID, &status, &r.Payload.ChatID, &r.Payload.Text, &r.Payload.Speaker, &r.CreatedAt, &handledAt); err != nil {
			return nil, fmt.Errorf("coordstore/postgres: scan pending row: %w", err)
		}
		r.Status = coord.RowStatus(status)
		r.Payload.MessageID = r.MessageID
		r.HandledAt = handledAt
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ClaimRow(ctx context.Context, botID, messageID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatch_rows SET status = 'handled', handled_at = now()
		 WHERE bot_id = $1 AND message_id = $2 AND status = 'pending'`,
		botID, messageID)
	if err != nil {
		return false, fmt.Errorf("coordstore/postgres: claim row: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) BulkMarkHandled(ctx context.Context, botID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE dispatch_rows SET status = 'handled', handled_at = now()
		 WHERE bot_id = $1 AND message_id = ANY($2)`,
		botID, messageIDs)
	if err != nil {
		return fmt.Errorf("coordstore/postgres: bulk mark handled: %w", err)
	}
	return nil
}

// --- coord.Realtime ---

// conns tracks the dedicated LISTEN connections for this Store instance so
// Disconnect can release them before a new subscription is created (spec
// §4.8).
type realtimeState struct {
	mu    sync.Mutex
	conns []*pgxpool.Conn
}

func (s *Store) realtime() *realtimeState {
	// Lazily attach per-Store state without changing the exported
	// constructor signature; a Store is always used by exactly one
	// ReliableInbound instance.
	s.rtOnce.Do(func() { s.rt = &realtimeState{} })
	return s.rt
}

func (s *Store) SubscribeDispatch(ctx context.Context, agentID string) (<-chan coord.DispatchPayload, <-chan struct{}, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("coordstore/postgres: acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+dispatchChannel); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("coordstore/postgres: listen dispatch: %w", err)
	}
	s.realtime().mu.Lock()
	s.rt.conns = append(s.rt.conns, conn)
	s.realtime().mu.Unlock()

	out := make(chan coord.DispatchPayload, 32)
	died := make(chan struct{})
	go func() {
		defer close(died)
		defer conn.Release()
		for {
			notif, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			var env struct {
				BotID   string                `json:"bot_id"`
				Payload coord.DispatchPayload `json:"payload"`
			}
			if err := json.Unmarshal([]byte(notif.Payload), &env); err != nil {
				continue
			}
			if env.BotID != agentID {
				continue
			}
			select {
			case out <- env.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, died, nil
}

func (s *Store) SubscribeCoordination(ctx context.Context) (<-chan coord.CoordinationEnvelope, <-chan struct{}, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("coordstore/postgres: acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+coordinationChannel); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("coordstore/postgres: listen coordination: %w", err)
	}
	s.realtime().mu.Lock()
	s.rt.conns = append(s.rt.conns, conn)
	s.realtime().mu.Unlock()

	out := make(chan coord.CoordinationEnvelope, 32)
	died := make(chan struct{})
	go func() {
		defer close(died)
		defer conn.Release()
		for {
			notif, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			var env struct {
				AuthorName string          `json:"author_name"`
				Raw        json.RawMessage `json:"raw"`
			}
			if err := json.Unmarshal([]byte(notif.Payload), &env); err != nil {
				continue
			}
			select {
			case out <- coord.CoordinationEnvelope{AuthorName: env.AuthorName, Raw: env.Raw}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, died, nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	rt := s.realtime()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, c := range rt.conns {
		c.Release()
	}
	rt.conns = nil
	return nil
}

func (s *Store) Healthcheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- coord.ResponseSummarySink ---

func (s *Store) WriteResponseSummary(ctx context.Context, coordChatID, roundID, speaker, content, sourceChatID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO response_summaries (coord_chat_id, round_id, speaker, content, source_chat_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (coord_chat_id, round_id, speaker) DO UPDATE SET content = EXCLUDED.content`,
		coordChatID, roundID, speaker, content, sourceChatID)
	if err != nil {
		return fmt.Errorf("coordstore/postgres: write response summary: %w", err)
	}
	return nil
}

func (s *Store) WaitForResponseSummary(ctx context.Context, coordChatID, roundID, speakerName string, timeout, pollInterval time.Duration) (string, bool) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var content string
		err := s.pool.QueryRow(ctx,
			`SELECT content FROM response_summaries WHERE coord_chat_id=$1 AND round_id=$2 AND speaker=$3`,
			coordChatID, roundID, speakerName).Scan(&content)
		if err == nil {
			return content, true
		}
		if err != pgx.ErrNoRows {
			s.logger.Warn("response summary poll failed", "error", err)
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}

func (s *Store) RecentSpeakers(ctx context.Context, coordChatID string, excludeName string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT speaker FROM response_summaries
		 WHERE coord_chat_id = $1 AND speaker <> $2
		 ORDER BY speaker LIMIT 10`, coordChatID, excludeName)
	if err != nil {
		return nil, fmt.Errorf("coordstore/postgres: recent speakers: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) RecentRepliesInChat(ctx context.Context, chatID, speaker string, n int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content FROM response_summaries
		 WHERE source_chat_id = $1 AND speaker = $2
		 ORDER BY created_at DESC LIMIT $3`, chatID, speaker, n)
	if err != nil {
		return nil, fmt.Errorf("coordstore/postgres: recent replies: %w", err)
	}
	defer rows.Close()
	var replies []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		replies = append(replies, c)
	}
	return replies, rows.Err()
}

// --- coord.CoordinationHistorySource ---

func (s *Store) RecentCoordinationRecords(ctx context.Context, coordChatID string, limit int) ([]coord.CoordinationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM coordination_records ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("coordstore/postgres: recent coordination records: %w", err)
	}
	defer rows.Close()

	var out []coord.CoordinationRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if rec, ok := coord.ParseCoordinationRecord(raw); ok {
			out = append(out, *rec)
		}
	}
	// Reverse to chronological order, matching store/postgres.GetMessages.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// --- coord.ChatWriter ---

func (s *Store) PostCoordination(ctx context.Context, content string) error {
	var rec coord.CoordinationRecord
	authorName := ""
	if err := json.Unmarshal([]byte(content), &rec); err == nil {
		authorName = rec.Speaker
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO coordination_records (round_id, kind, author_name, payload) VALUES ($1, $2, $3, $4::jsonb)`,
		rec.RoundID, string(rec.Kind), authorName, content)
	if err != nil {
		return fmt.Errorf("coordstore/postgres: post coordination: %w", err)
	}

	notifyPayload, err := json.Marshal(struct {
		AuthorName string          `json:"author_name"`
		Raw        json.RawMessage `json:"raw"`
	}{AuthorName: authorName, Raw: json.RawMessage(content)})
	if err != nil {
		return nil // best-effort notify only; the row write already succeeded
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", coordinationChannel, string(notifyPayload)); err != nil {
		s.logger.Warn("coordination notify failed", "error", err)
	}
	return nil
}

func (s *Store) SendOutbound(ctx context.Context, chatID, text string) error {
	_, err := s.frontend.Send(ctx, chatID, text)
	return err
}

func (s *Store) DispatchReply(ctx context.Context, chatID, text, userID string) (string, error) {
	if s.respond == nil {
		return "", fmt.Errorf("coordstore/postgres: no respond pipeline configured")
	}
	return s.respond(ctx, chatID, text, userID)
}

// NotifyDispatch publishes a dispatch row and its realtime notification in
// one call; the chat-platform ingress layer calls this for every inbound
// user message addressed to botID.
func (s *Store) NotifyDispatch(ctx context.Context, botID string, payload coord.DispatchPayload) error {
	if err := s.insertPendingRow(ctx, botID, payload); err != nil {
		return err
	}
	data, err := json.Marshal(struct {
		BotID   string                `json:"bot_id"`
		Payload coord.DispatchPayload `json:"payload"`
	}{BotID: botID, Payload: payload})
	if err != nil {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", dispatchChannel, string(data)); err != nil {
		s.logger.Warn("dispatch notify failed", "error", err)
	}
	return nil
}
