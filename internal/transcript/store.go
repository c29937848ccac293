// Package transcript persists conversations and their messages to PostgreSQL
// for long-term history and audits. The Redis context store is the working
// state; this is the durable record.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store writes conversation transcripts to PostgreSQL. A nil Store (or one
// built from a nil db) is a no-op, so transcript persistence stays optional.
type Store struct {
	db *sql.DB
}

// NewStore creates a transcript store. Returns nil when db is nil.
func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// ConversationRecord is a stored conversation.
type ConversationRecord struct {
	ID                    uuid.UUID
	ConversationID        string
	Status                string
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	StartedAt             time.Time
	LastMessageAt         *time.Time
	EndedAt               *time.Time
}

// MessageRecord is a stored message.
type MessageRecord struct {
	ID             uuid.UUID
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// EnsureConversation creates the conversation row if missing and returns its
// UUID.
func (s *Store) EnsureConversation(ctx context.Context, conversationID string) (uuid.UUID, error) {
	if s == nil || s.db == nil {
		return uuid.Nil, nil
	}
	if strings.TrimSpace(conversationID) == "" {
		return uuid.Nil, fmt.Errorf("transcript: conversation id required")
	}

	var existingID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE conversation_id = $1`,
		conversationID,
	).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return uuid.Nil, fmt.Errorf("transcript: failed to check existing: %w", err)
	}

	newID := uuid.New()
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, conversation_id, status,
			message_count, user_message_count, assistant_message_count,
			started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, newID, conversationID, "active", 0, 0, 0, now, now, now)
	if err != nil {
		// Another process may have created it between check and insert.
		if strings.Contains(err.Error(), "duplicate key") {
			return s.EnsureConversation(ctx, conversationID)
		}
		return uuid.Nil, fmt.Errorf("transcript: failed to create: %w", err)
	}
	return newID, nil
}

// RecordMessage persists one message and updates the conversation counters.
func (s *Store) RecordMessage(ctx context.Context, conversationID, role, content string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.EnsureConversation(ctx, conversationID); err != nil {
		return err
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), conversationID, role, content, now)
	if err != nil {
		return fmt.Errorf("transcript: failed to insert message: %w", err)
	}

	counterColumn := "message_count"
	switch role {
	case "user":
		counterColumn = "user_message_count"
	case "assistant":
		counterColumn = "assistant_message_count"
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE conversations SET
			message_count = message_count + 1,
			%s = %s + 1,
			last_message_at = $1,
			updated_at = $1
		WHERE conversation_id = $2
	`, counterColumn, counterColumn), now, conversationID)
	if err != nil {
		return fmt.Errorf("transcript: failed to update counters: %w", err)
	}
	return nil
}

// GetConversation returns a conversation, or nil when unknown.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	var rec ConversationRecord
	var lastMessageAt, endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, status,
			   message_count, user_message_count, assistant_message_count,
			   started_at, last_message_at, ended_at
		FROM conversations
		WHERE conversation_id = $1
	`, conversationID).Scan(
		&rec.ID, &rec.ConversationID, &rec.Status,
		&rec.MessageCount, &rec.UserMessageCount, &rec.AssistantMessageCount,
		&rec.StartedAt, &lastMessageAt, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: failed to get conversation: %w", err)
	}
	if lastMessageAt.Valid {
		rec.LastMessageAt = &lastMessageAt.Time
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return &rec, nil
}

// GetMessages returns a conversation's messages in chronological order.
func (s *Store) GetMessages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	query := `
		SELECT id, conversation_id, role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript: failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []MessageRecord
	for rows.Next() {
		var msg MessageRecord
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("transcript: failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// EndConversation marks a conversation as ended.
func (s *Store) EndConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			status = 'ended',
			ended_at = $1,
			updated_at = $1
		WHERE conversation_id = $2 AND ended_at IS NULL
	`, now, conversationID)
	return err
}
