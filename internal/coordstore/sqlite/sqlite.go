// Package sqlite implements the coord package's persistence interfaces on
// local SQLite, for development and tests. It mirrors store/sqlite's
// single-connection convention, and fakes the broadcast fast path with an
// in-process fan-out (SQLite has no LISTEN/NOTIFY) backed by the same
// durable rows the safety-net poll reads, so a single-process deployment
// still gets immediate delivery.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	oasis "github.com/nevindra/oasis"
	"github.com/nevindra/oasis/coord"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// nopLogger discards all output, matching store/sqlite's discardHandler.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool   { return false }
func (discardHandler) Handle(context.Context, slog.Record) error  { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler       { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }

// Store implements every persistence-facing coord interface plus
// coord.ChatWriter, backed by a local SQLite file opened with
// SetMaxOpenConns(1), matching store/sqlite's single-writer convention.
type Store struct {
	db       *sql.DB
	frontend oasis.Frontend
	respond  func(ctx context.Context, chatID, text, userID string) (string, error)
	logger   *slog.Logger

	mu            sync.Mutex
	dispatchSubs  map[string][]chan coord.DispatchPayload
	coordSubs     []chan coord.CoordinationEnvelope
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger, matching store/sqlite's WithLogger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// New creates a Store using a local SQLite file at dbPath.
func New(dbPath string, frontend oasis.Frontend, respond func(ctx context.Context, chatID, text, userID string) (string, error), opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("coordstore/sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:           db,
		frontend:     frontend,
		respond:      respond,
		logger:       nopLogger,
		dispatchSubs: make(map[string][]chan coord.DispatchPayload),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var (
	_ coord.DurableRows               = (*Store)(nil)
	_ coord.Realtime                  = (*Store)(nil)
	_ coord.ResponseSummarySink       = (*Store)(nil)
	_ coord.CoordinationHistorySource = (*Store)(nil)
	_ coord.ChatWriter                = (*Store)(nil)
)

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_rows (
			bot_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			chat_id TEXT NOT NULL,
			text TEXT NOT NULL,
			speaker TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			handled_at INTEGER,
			PRIMARY KEY (bot_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS dispatch_rows_pending_idx ON dispatch_rows(bot_id, status)`,

		`CREATE TABLE IF NOT EXISTS coordination_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			round_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS coordination_records_round_idx ON coordination_records(round_id)`,

		`CREATE TABLE IF NOT EXISTS response_summaries (
			coord_chat_id TEXT NOT NULL,
			round_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			content TEXT NOT NULL,
			source_chat_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (coord_chat_id, round_id, speaker)
		)`,
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, t); err != nil {
			return fmt.Errorf("coordstore/sqlite: init: %w", err)
		}
	}
	return nil
}

// --- coord.DurableRows ---

// NotifyDispatch inserts a pending row and fans it out to every live
// in-process subscriber for botID, approximating pg_notify locally.
func (s *Store) NotifyDispatch(ctx context.Context, botID string, payload coord.DispatchPayload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dispatch_rows (bot_id, message_id, status, chat_id, text, speaker, created_at)
		 VALUES (?, ?, 'pending', ?, ?, ?, ?)`,
		botID, payload.MessageID, payload.ChatID, payload.Text, payload.Speaker, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("coordstore/sqlite: insert pending row: %w", err)
	}

	s.mu.Lock()
	subs := append([]chan coord.DispatchPayload(nil), s.dispatchSubs[botID]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (s *Store) PendingRowsForAgent(ctx context.Context, botID string) ([]coord.DispatchRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bot_id, message_id, status, chat_id, text, speaker, created_at, handled_at
		 FROM dispatch_rows WHERE bot_id = ? AND status = 'pending'`, botID)
	if err != nil {
		return nil, fmt.Errorf("coordstore/sqlite: pending rows: %w", err)
	}
	defer rows.Close()

	var out []coord.DispatchRow
	for rows.Next() {
		var r coord.DispatchRow
		var status string
		var createdUnix int64
		var handledUnix sql.NullInt64
		if err := rows.Scan(&r.BotID, &r.MessageID, &status, &r.Payload.ChatID, &r.Payload.Text, &r.Payload.Speaker, &createdUnix, &handledUnix); err != nil {
			return nil, fmt.Errorf("coordstore/sqlite: scan pending row: %w", err)
		}
		r.Status = coord.RowStatus(status)
		r.Payload.MessageID = r.MessageID
		r.CreatedAt = time.Unix(createdUnix, 0)
		if handledUnix.Valid {
			t := time.Unix(handledUnix.Int64, 0)
			r.HandledAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ClaimRow(ctx context.Context, botID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_rows SET status = 'handled', handled_at = ?
		 WHERE bot_id = ? AND message_id = ? AND status = 'pending'`,
		time.Now().Unix(), botID, messageID)
	if err != nil {
		return false, fmt.Errorf("coordstore/sqlite: claim row: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) BulkMarkHandled(ctx context.Context, botID string, messageIDs []string) error {
	for _, id := range messageIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE dispatch_rows SET status = 'handled', handled_at = ? WHERE bot_id = ? AND message_id = ?`,
			time.Now().Unix(), botID, id); err != nil {
			return fmt.Errorf("coordstore/sqlite: bulk mark handled: %w", err)
		}
	}
	return nil
}

// --- coord.Realtime ---
//
// SQLite has no broadcast primitive, so the fast path is a purely
// in-process channel registry fed by NotifyDispatch/PostCoordination. This
// still exercises the Reliable Inbound contract end to end in a
// single-process deployment; multi-process dev setups fall back to the
// safety-net poll only.

func (s *Store) SubscribeDispatch(ctx context.Context, agentID string) (<-chan coord.DispatchPayload, <-chan struct{}, error) {
	ch := make(chan coord.DispatchPayload, 32)
	s.mu.Lock()
	s.dispatchSubs[agentID] = append(s.dispatchSubs[agentID], ch)
	s.mu.Unlock()

	died := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(died)
	}()
	return ch, died, nil
}

func (s *Store) SubscribeCoordination(ctx context.Context) (<-chan coord.CoordinationEnvelope, <-chan struct{}, error) {
	ch := make(chan coord.CoordinationEnvelope, 32)
	s.mu.Lock()
	s.coordSubs = append(s.coordSubs, ch)
	s.mu.Unlock()

	died := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(died)
	}()
	return ch, died, nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchSubs = make(map[string][]chan coord.DispatchPayload)
	s.coordSubs = nil
	return nil
}

func (s *Store) Healthcheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- coord.ResponseSummarySink ---

func (s *Store) WriteResponseSummary(ctx context.Context, coordChatID, roundID, speaker, content, sourceChatID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_summaries (coord_chat_id, round_id, speaker, content, source_chat_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (coord_chat_id, round_id, speaker) DO UPDATE SET content = excluded.content`,
		coordChatID, roundID, speaker, content, sourceChatID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("coordstore/sqlite: write response summary: %w", err)
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
		err := s.db.QueryRowContext(ctx,
			`SELECT content FROM response_summaries WHERE coord_chat_id=? AND round_id=? AND speaker=?`,
			coordChatID, roundID, speakerName).Scan(&content)
		if err == nil {
			return content, true
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT speaker FROM response_summaries WHERE coord_chat_id = ? AND speaker <> ? ORDER BY speaker LIMIT 10`,
		coordChatID, excludeName)
	if err != nil {
		return nil, fmt.Errorf("coordstore/sqlite: recent speakers: %w", err)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM response_summaries WHERE source_chat_id = ? AND speaker = ? ORDER BY created_at DESC LIMIT ?`,
		chatID, speaker, n)
	if err != nil {
		return nil, fmt.Errorf("coordstore/sqlite: recent replies: %w", err)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM coordination_records ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("coordstore/sqlite: recent coordination records: %w", err)
	}
	defer rows.Close()

	var out []coord.CoordinationRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if rec, ok := coord.ParseCoordinationRecord([]byte(raw)); ok {
			out = append(out, *rec)
		}
	}
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coordination_records (round_id, kind, author_name, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.RoundID, string(rec.Kind), authorName, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("coordstore/sqlite: post coordination: %w", err)
	}

	env := coord.CoordinationEnvelope{AuthorName: authorName, Raw: []byte(content)}
	s.mu.Lock()
	subs := append([]chan coord.CoordinationEnvelope(nil), s.coordSubs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (s *Store) SendOutbound(ctx context.Context, chatID, text string) error {
	_, err := s.frontend.Send(ctx, chatID, text)
	return err
}

func (s *Store) DispatchReply(ctx context.Context, chatID, text, userID string) (string, error) {
	if s.respond == nil {
		return "", fmt.Errorf("coordstore/sqlite: no respond pipeline configured")
	}
	return s.respond(ctx, chatID, text, userID)
}
