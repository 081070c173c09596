// ABOUTME: SQLite implementation of the Bridge interface using modernc.org/sqlite
// ABOUTME: Conversations, messages, sessions and state documents with automatic schema creation

package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteBridge implements the Bridge interface using SQLite.
type SQLiteBridge struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBridge creates a new SQLite bridge at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteBridge(path string) (*SQLiteBridge, error) {
	logger := slog.Default().With("component", "bridge")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	b := &SQLiteBridge{
		db:     db,
		logger: logger,
	}

	if err := b.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return b, nil
}

func (b *SQLiteBridge) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		doc TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		cost REAL NOT NULL DEFAULT 0,
		command TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_accessed TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS state_documents (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		saved_at TEXT NOT NULL
	);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// transport wraps a database error so callers see ErrTransport via errors.Is
// while keeping the underlying detail in the message.
func transport(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// conversationDoc is the JSON blob persisted per conversation, holding
// everything except the message bodies.
type conversationDoc struct {
	Meta     ConversationMeta `json:"meta"`
	Settings Settings         `json:"settings"`
	Session  SessionState     `json:"session"`
}

// Get retrieves a generic state document. Returns ErrNotFound if absent.
func (b *SQLiteBridge) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM state_documents WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transport("getting state document", err)
	}
	return value, nil
}

// Set stores a generic state document, replacing any previous value.
func (b *SQLiteBridge) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO state_documents (key, value, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, saved_at = excluded.saved_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return transport("setting state document", err)
	}
	return nil
}

// ListConversations returns a page of conversation summaries.
func (b *SQLiteBridge) ListConversations(ctx context.Context, opts ListOptions) (*ConversationPage, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	sortBy := "updated_at"
	switch opts.SortBy {
	case "created_at", "title":
		sortBy = opts.SortBy
	}
	order := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		order = "ASC"
	}

	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&total); err != nil {
		return nil, transport("counting conversations", err)
	}

	// sortBy/order are validated against a fixed set above.
	query := fmt.Sprintf(`
		SELECT id, title, doc, message_count, created_at, updated_at
		FROM conversations
		ORDER BY %s %s
		LIMIT ? OFFSET ?`, sortBy, order)

	rows, err := b.db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, transport("querying conversations", err)
	}
	defer func() { _ = rows.Close() }()

	page := &ConversationPage{Limit: opts.Limit, Offset: opts.Offset, Total: total}
	for rows.Next() {
		summary, err := b.scanSummary(rows)
		if err != nil {
			return nil, err
		}
		page.Conversations = append(page.Conversations, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, transport("iterating conversation rows", err)
	}
	page.HasMore = opts.Offset+len(page.Conversations) < total

	return page, nil
}

func (b *SQLiteBridge) scanSummary(rows *sql.Rows) (*ConversationSummary, error) {
	var (
		summary                    ConversationSummary
		docJSON                    string
		createdAtStr, updatedAtStr string
	)
	if err := rows.Scan(&summary.ID, &summary.Title, &docJSON, &summary.MessageCount, &createdAtStr, &updatedAtStr); err != nil {
		return nil, transport("scanning conversation row", err)
	}

	var doc conversationDoc
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("parsing conversation doc for %s: %w", summary.ID, err)
	}
	summary.Tags = doc.Meta.Tags

	var err error
	if summary.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if summary.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &summary, nil
}

// LoadConversation returns a full conversation with its ordered messages.
func (b *SQLiteBridge) LoadConversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		title, docJSON             string
		createdAtStr, updatedAtStr string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT title, doc, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&title, &docJSON, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transport("loading conversation", err)
	}

	var doc conversationDoc
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("parsing conversation doc for %s: %w", id, err)
	}

	conv := &Conversation{
		ID:       id,
		Title:    title,
		Meta:     doc.Meta,
		Settings: doc.Settings,
		Session:  doc.Session,
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, role, content, tokens, provider, model, cost, command, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, transport("querying messages", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, transport("iterating message rows", err)
	}

	return conv, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var createdAtStr string
	err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Tokens,
		&msg.Provider, &msg.Model, &msg.Cost, &msg.Command, &createdAtStr)
	if err != nil {
		return nil, transport("scanning message row", err)
	}
	if msg.Timestamp, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AddMessage appends a message. The insert is keyed by message id and a
// replay of an already-applied message is a no-op, which makes pending-queue
// replay idempotent.
func (b *SQLiteBridge) AddMessage(ctx context.Context, conversationID string, msg *Message) error {
	var exists int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return transport("checking conversation", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	result, err := b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, conversation_id, seq, role, content, tokens, provider, model, cost, command, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, conversationID, msg.Role, msg.Content, msg.Tokens,
		msg.Provider, msg.Model, msg.Cost, msg.Command,
		msg.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return transport("inserting message", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return transport("getting rows affected", err)
	}
	if inserted == 0 {
		// Replayed message that already landed.
		b.logger.Debug("message already persisted", "message_id", msg.ID)
		return nil
	}

	_, err = b.db.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), conversationID)
	if err != nil {
		return transport("updating conversation", err)
	}

	return nil
}

// SaveConversation upserts the full conversation, replacing its message set.
// Used for new conversations and after compaction/clear rewrites history.
func (b *SQLiteBridge) SaveConversation(ctx context.Context, conv *Conversation) error {
	doc := conversationDoc{Meta: conv.Meta, Settings: conv.Settings, Session: conv.Session}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding conversation doc: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return transport("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, doc, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			doc = excluded.doc,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		conv.ID, conv.Title, string(docJSON), len(conv.Messages),
		conv.Meta.CreatedAt.UTC().Format(time.RFC3339),
		conv.Meta.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return transport("upserting conversation", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return transport("clearing messages", err)
	}

	for i, msg := range conv.Messages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages
				(id, conversation_id, seq, role, content, tokens, provider, model, cost, command, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, conv.ID, i+1, msg.Role, msg.Content, msg.Tokens,
			msg.Provider, msg.Model, msg.Cost, msg.Command,
			msg.Timestamp.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return transport("inserting message", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return transport("committing conversation", err)
	}

	b.logger.Debug("conversation saved",
		"conversation_id", conv.ID,
		"messages", len(conv.Messages))
	return nil
}

// DeleteConversation removes a conversation, its messages, and its session
// entry. Deleting an absent conversation returns ErrNotFound.
func (b *SQLiteBridge) DeleteConversation(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return transport("deleting conversation", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return transport("getting rows affected", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return transport("deleting session", err)
	}
	return nil
}

// SearchConversations performs a LIKE search over titles and message content.
func (b *SQLiteBridge) SearchConversations(ctx context.Context, opts SearchOptions) (*SearchResults, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.SearchType == "" {
		opts.SearchType = "all"
	}
	pattern := "%" + opts.Query + "%"
	results := &SearchResults{}

	if opts.SearchType == "title" || opts.SearchType == "all" {
		rows, err := b.db.QueryContext(ctx, `
			SELECT id, title, doc, message_count, created_at, updated_at
			FROM conversations
			WHERE title LIKE ?
			ORDER BY updated_at DESC
			LIMIT ?`, pattern, opts.Limit)
		if err != nil {
			return nil, transport("searching titles", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			summary, err := b.scanSummary(rows)
			if err != nil {
				return nil, err
			}
			results.Conversations = append(results.Conversations, summary)
		}
		if err := rows.Err(); err != nil {
			return nil, transport("iterating title matches", err)
		}
	}

	if opts.SearchType == "content" || opts.SearchType == "all" {
		rows, err := b.db.QueryContext(ctx, `
			SELECT conversation_id, id, content, created_at
			FROM messages
			WHERE content LIKE ?
			ORDER BY created_at DESC
			LIMIT ?`, pattern, opts.Limit*2)
		if err != nil {
			return nil, transport("searching messages", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var hit MessageHit
			var content, createdAtStr string
			if err := rows.Scan(&hit.ConversationID, &hit.MessageID, &content, &createdAtStr); err != nil {
				return nil, transport("scanning message hit", err)
			}
			hit.Snippet = truncate(content, 160)
			if hit.Timestamp, err = parseTime(createdAtStr); err != nil {
				return nil, err
			}
			results.Messages = append(results.Messages, &hit)
		}
		if err := rows.Err(); err != nil {
			return nil, transport("iterating message matches", err)
		}
	}

	return results, nil
}

// ListSessions returns session metadata entries, most recently accessed first.
func (b *SQLiteBridge) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionMetadata, error) {
	query := `
		SELECT id, title, created_at, last_accessed, message_count, is_active
		FROM sessions`
	args := []any{}
	if filter.ActiveOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY last_accessed DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transport("querying sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*SessionMetadata
	for rows.Next() {
		meta, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, transport("iterating session rows", err)
	}
	return sessions, nil
}

func scanSession(rows *sql.Rows) (*SessionMetadata, error) {
	var meta SessionMetadata
	var createdAtStr, lastAccessedStr string
	var isActive int
	err := rows.Scan(&meta.ID, &meta.Title, &createdAtStr, &lastAccessedStr, &meta.MessageCount, &isActive)
	if err != nil {
		return nil, transport("scanning session row", err)
	}
	meta.IsActive = isActive == 1
	if meta.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if meta.LastAccessed, err = parseTime(lastAccessedStr); err != nil {
		return nil, err
	}
	return &meta, nil
}

// CreateSession stores a session entry, generating an id if absent.
func (b *SQLiteBridge) CreateSession(ctx context.Context, meta *SessionMetadata) (*SessionMetadata, error) {
	out := *meta
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	if out.LastAccessed.IsZero() {
		out.LastAccessed = out.CreatedAt
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, last_accessed, message_count, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			last_accessed = excluded.last_accessed,
			message_count = excluded.message_count,
			is_active = excluded.is_active`,
		out.ID, out.Title,
		out.CreatedAt.UTC().Format(time.RFC3339),
		out.LastAccessed.UTC().Format(time.RFC3339),
		out.MessageCount, boolToInt(out.IsActive))
	if err != nil {
		return nil, transport("creating session", err)
	}
	return &out, nil
}

// UpdateSession applies a partial update and returns the stored entry.
func (b *SQLiteBridge) UpdateSession(ctx context.Context, id string, update SessionUpdate) (*SessionMetadata, error) {
	sets := []string{}
	args := []any{}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.LastAccessed != nil {
		sets = append(sets, "last_accessed = ?")
		args = append(args, update.LastAccessed.UTC().Format(time.RFC3339))
	}
	if update.MessageCount != nil {
		sets = append(sets, "message_count = ?")
		args = append(args, *update.MessageCount)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolToInt(*update.IsActive))
	}

	if len(sets) > 0 {
		query := fmt.Sprintf(`UPDATE sessions SET %s WHERE id = ?`, strings.Join(sets, ", "))
		args = append(args, id)
		result, err := b.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, transport("updating session", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, transport("getting rows affected", err)
		}
		if affected == 0 {
			return nil, ErrNotFound
		}
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, title, created_at, last_accessed, message_count, is_active
		FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, transport("reloading session", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanSession(rows)
}

// Ping verifies database connectivity.
func (b *SQLiteBridge) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return transport("pinging database", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *SQLiteBridge) Close() error {
	return b.db.Close()
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Ensure SQLiteBridge implements the Bridge interface.
var _ Bridge = (*SQLiteBridge)(nil)
