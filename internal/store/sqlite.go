// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db         *sql.DB
	logger     *slog.Logger
	maxContent int

	// convLocks serializes AppendMessage per conversation so sequence
	// numbers are minted by exactly one writer at a time.
	convMu    sync.Mutex
	convLocks map[string]*sync.Mutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
// maxContentBytes bounds message content; 0 means DefaultMaxContentBytes.
func NewSQLiteStore(path string, maxContentBytes int) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if maxContentBytes <= 0 {
		maxContentBytes = DefaultMaxContentBytes
	}

	// Ensure parent directory exists
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

	s := &SQLiteStore{
		db:         db,
		logger:     logger,
		maxContent: maxContentBytes,
		convLocks:  make(map[string]*sync.Mutex),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			vendor_id            TEXT NOT NULL DEFAULT '',
			participant_key      TEXT NOT NULL UNIQUE,
			last_message_preview TEXT NOT NULL DEFAULT '',
			last_message_at      DATETIME,
			created_at           DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			position        INTEGER NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			last_read_seq   INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (unread_count >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      DATETIME NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conv_seq
			ON messages(conversation_id, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_conv_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// convLock returns the mutex serializing appends for a conversation
func (s *SQLiteStore) convLock(conversationID string) *sync.Mutex {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	mu, ok := s.convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.convLocks[conversationID] = mu
	}
	return mu
}

// participantKey builds the deterministic lookup key for a participant set.
// Sorting makes the key independent of the order participants were given in,
// so repeated "start a chat with this vendor" calls land on the same row.
func participantKey(participantIDs []string, vendorID string) string {
	sorted := make([]string, len(participantIDs))
	copy(sorted, participantIDs)
	sort.Strings(sorted)
	return strings.Join(sorted, "|") + "#" + vendorID
}

// truncatePreview shortens content to PreviewRunes for the directory preview
func truncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewRunes {
		return content
	}
	return string(runes[:PreviewRunes])
}

// CreateOrGetConversation returns the conversation for the given participant
// set and vendor, creating it if it does not exist. Lookup is deterministic:
// the same participants and vendor always resolve to the same conversation.
func (s *SQLiteStore) CreateOrGetConversation(ctx context.Context, participantIDs []string, vendorID string) (*Conversation, error) {
	if len(participantIDs) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 participants, got %d", ErrConversationInvalid, len(participantIDs))
	}
	seen := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty participant id", ErrConversationInvalid)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate participant %q", ErrConversationInvalid, id)
		}
		seen[id] = true
	}

	key := participantKey(participantIDs, vendorID)

	conv, err := s.getConversationByKey(ctx, key)
	if err == nil {
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	conv = &Conversation{
		ID:           uuid.New().String(),
		VendorID:     vendorID,
		Participants: participantIDs,
		Unread:       make(UnreadCounts, len(participantIDs)),
		CreatedAt:    time.Now().UTC(),
	}
	for _, id := range participantIDs {
		conv.Unread[id] = 0
	}

	if err := s.insertConversation(ctx, conv, key); err != nil {
		// Another request may have created the conversation between our
		// lookup and insert attempt - retry the lookup.
		if err == ErrDuplicateConversation {
			existing, lookupErr := s.getConversationByKey(ctx, key)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, err
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "participants", len(participantIDs))
	return conv, nil
}

// insertConversation writes a conversation and its participant rows in one transaction
func (s *SQLiteStore) insertConversation(ctx context.Context, conv *Conversation, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, vendor_id, participant_key, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.VendorID, key, conv.CreatedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i, userID := range conv.Participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, position) VALUES (?, ?, ?)`,
			conv.ID, userID, i)
		if err != nil {
			return fmt.Errorf("inserting participant %q: %w", userID, err)
		}
	}

	return tx.Commit()
}

// GetConversation returns a conversation with its participants and unread counts
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversationWhere(ctx, "id = ?", id)
}

// getConversationByKey looks up a conversation by its participant key
func (s *SQLiteStore) getConversationByKey(ctx context.Context, key string) (*Conversation, error) {
	return s.getConversationWhere(ctx, "participant_key = ?", key)
}

func (s *SQLiteStore) getConversationWhere(ctx context.Context, where string, arg any) (*Conversation, error) {
	conv := &Conversation{}
	var lastAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, vendor_id, last_message_preview, last_message_at, created_at
		 FROM conversations WHERE `+where, arg).
		Scan(&conv.ID, &conv.VendorID, &conv.LastMessagePreview, &lastAt, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	if lastAt.Valid {
		conv.LastMessageAt = lastAt.Time
	}

	if err := s.loadParticipants(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// loadParticipants fills a conversation's participant list and unread map
func (s *SQLiteStore) loadParticipants(ctx context.Context, conv *Conversation) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, unread_count FROM participants
		 WHERE conversation_id = ? ORDER BY position`, conv.ID)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	conv.Participants = nil
	conv.Unread = make(UnreadCounts)
	for rows.Next() {
		var userID string
		var unread int
		if err := rows.Scan(&userID, &unread); err != nil {
			return fmt.Errorf("scanning participant: %w", err)
		}
		conv.Participants = append(conv.Participants, userID)
		conv.Unread[userID] = unread
	}
	return rows.Err()
}

// IsParticipant reports whether userID belongs to the conversation.
// Returns ErrNotFound if the conversation does not exist.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("querying conversation: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying participant: %w", err)
	}
	return true, nil
}

// ListConversations returns a user's conversations, most recently active first
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM conversations c
		 JOIN participants p ON p.conversation_id = c.id
		 WHERE p.user_id = ?
		 ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
		 LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// AppendMessage validates, persists, and sequences a message, and updates the
// conversation directory in the same transaction: last-message preview and
// timestamp, unread increments for every participant except the sender, and
// the sender's own read watermark (sending implies having seen the room, so
// the sender's unread count is reset to zero).
//
// Appends for the same conversation are serialized so seq is minted by
// exactly one writer at a time; appends to different conversations proceed
// concurrently.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrMessageInvalid)
	}
	if len(content) > s.maxContent {
		return nil, fmt.Errorf("%w: content is %d bytes, limit %d", ErrMessageInvalid, len(content), s.maxContent)
	}

	ok, err := s.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in conversation %s", ErrNotAParticipant, senderID, conversationID)
	}

	mu := s.convLock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("minting sequence: %w", err)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Seq:            seq,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Read:           true, // own messages are always read by the sender
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, sender_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_preview = ?, last_message_at = ? WHERE id = ?`,
		truncatePreview(content), msg.CreatedAt, conversationID)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE participants SET unread_count = unread_count + 1
		 WHERE conversation_id = ? AND user_id <> ?`,
		conversationID, senderID)
	if err != nil {
		return nil, fmt.Errorf("incrementing unread counts: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE participants SET unread_count = 0, last_read_seq = ?
		 WHERE conversation_id = ? AND user_id = ?`,
		seq, conversationID, senderID)
	if err != nil {
		return nil, fmt.Errorf("updating sender watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("message appended",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"seq", seq)
	return msg, nil
}

// ListMessages returns a newest-first page of messages. beforeSeq is the
// pagination cursor: pass 0 for the latest page, then the lowest Seq of the
// previous page to continue. Read flags are computed against forUserID's
// read watermark; pass an empty forUserID to skip read computation.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID, forUserID string, beforeSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	var watermark int64
	if forUserID != "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT last_read_seq FROM participants WHERE conversation_id = ? AND user_id = ?`,
			conversationID, forUserID).Scan(&watermark)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("querying watermark: %w", err)
		}
	}

	query := `SELECT id, seq, sender_id, content, created_at FROM messages
		 WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{ConversationID: conversationID}
		if err := rows.Scan(&msg.ID, &msg.Seq, &msg.SenderID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if forUserID != "" {
			msg.Read = msg.SenderID == forUserID || msg.Seq <= watermark
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkRead moves userID's read watermark to the latest message and zeroes
// their unread count. Idempotent, and atomic with respect to concurrent
// appends: the watermark and counter move together in a single statement.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants
		 SET unread_count = 0,
		     last_read_seq = (SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?1)
		 WHERE conversation_id = ?1 AND user_id = ?2`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking mark read result: %w", err)
	}
	if affected == 0 {
		ok, err := s.IsParticipant(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s in conversation %s", ErrNotAParticipant, userID, conversationID)
		}
	}
	return nil
}

// UnreadCount returns userID's unread count for a conversation
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT unread_count FROM participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&count)
	if err == sql.ErrNoRows {
		if _, lookupErr := s.GetConversation(ctx, conversationID); lookupErr != nil {
			return 0, lookupErr
		}
		return 0, fmt.Errorf("%w: %s in conversation %s", ErrNotAParticipant, userID, conversationID)
	}
	if err != nil {
		return 0, fmt.Errorf("querying unread count: %w", err)
	}
	return count, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
