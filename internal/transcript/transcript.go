// Package transcript records conversations and their activities in a
// pure-Go SQLite file, so the CLI can list history and resume the last
// conversation.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nevindra/d2e"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when a lookup matches no conversation.
var ErrNotFound = errors.New("transcript: not found")

// Direction tells whether an activity was sent or received.
type Direction string

const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
)

// Conversation is one recorded conversation.
type Conversation struct {
	ID        string
	BaseURL   string
	CreatedAt int64
	UpdatedAt int64
}

// Entry is one recorded activity.
type Entry struct {
	ID             string
	ConversationID string
	Direction      Direction
	Type           string
	Text           string
	Raw            json.RawMessage
	CreatedAt      int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store keeps transcripts in a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens the transcript at dbPath, creating its directory if needed.
// All access goes through one connection.
func New(dbPath string, opts ...StoreOption) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("transcript: opened", "path", dbPath)
	return s, nil
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			base_url TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS activities (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			type TEXT NOT NULL,
			text TEXT NOT NULL,
			raw TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_conversation ON activities(conversation_id, seq)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConversation records a conversation, or marks an existing one as
// recently used.
func (s *Store) SaveConversation(ctx context.Context, id, baseURL string) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, base_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, baseURL, now, now,
	)
	if err != nil {
		s.logger.Error("transcript: save conversation failed", "id", id, "error", err)
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Append records act under conversationID and touches the conversation.
func (s *Store) Append(ctx context.Context, conversationID string, dir Direction, act *d2e.Activity) error {
	now := s.now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO activities (id, conversation_id, direction, type, text, raw, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d2e.NewID(), conversationID, string(dir), act.Type(), act.Text(), act.String(), now,
	); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("transcript: appended", "conversation_id", conversationID, "direction", dir, "type", act.Type())
	return nil
}

// Entries returns the latest limit activities of a conversation, oldest
// first. limit <= 0 returns all of them.
func (s *Store) Entries(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, direction, type, text, raw, created_at
		 FROM activities
		 WHERE conversation_id = ?
		 ORDER BY seq DESC
		 LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			dir string
			raw string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &dir, &e.Type, &e.Text, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Direction = Direction(dir)
		e.Raw = json.RawMessage(raw)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Conversations lists conversations, most recently used first.
func (s *Store) Conversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, base_url, created_at, updated_at
		 FROM conversations
		 ORDER BY updated_at DESC, rowid DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.BaseURL, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastConversation returns the most recently used conversation for baseURL.
func (s *Store) LastConversation(ctx context.Context, baseURL string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, base_url, created_at, updated_at
		 FROM conversations
		 WHERE base_url = ?
		 ORDER BY updated_at DESC, rowid DESC
		 LIMIT 1`, baseURL,
	).Scan(&c.ID, &c.BaseURL, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("last conversation: %w", err)
	}
	return c, nil
}
