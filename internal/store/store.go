package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicechat/internal/models"

	"github.com/google/uuid"
)

// Store persists conversations, messages, and profiles, and fans out change
// notifications to live subscribers. It is the durable side of the system;
// controllers only hold projections of what lives here.
type Store struct {
	db  *sql.DB
	hub *hub
}

// New builds a store around an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db, hub: newHub()}
}

// CreateConversation inserts a new conversation for the user and returns it.
func (s *Store) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, last_message, created_at, updated_at) VALUES (?, ?, ?, '', ?, ?)`,
		conv.ID, conv.UserID, conv.Title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.hub.publish(Event{Kind: EventConversationsChanged, UserID: userID, ConversationID: conv.ID})
	return conv, nil
}

// ListConversations returns all conversations owned by the user ordered by
// last activity, newest first.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, last_message, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.LastMessage, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// GetConversation returns one conversation owned by the user.
func (s *Store) GetConversation(ctx context.Context, userID int64, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, last_message, created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ?`,
		id, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.LastMessage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// UpdateConversationMeta refreshes the derived metadata after an exchange:
// preview and timestamp always, title only when a non-empty one is given.
func (s *Store) UpdateConversationMeta(ctx context.Context, userID int64, id, title, lastMessage string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET last_message = ?, updated_at = ?,
		     title = CASE WHEN ? = '' THEN title ELSE ? END
		 WHERE id = ? AND user_id = ?`,
		lastMessage, now, title, title, id, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation meta: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.hub.publish(Event{Kind: EventConversationsChanged, UserID: userID, ConversationID: id})
	return nil
}

// DeleteConversation removes a conversation and its messages in one
// transaction. Messages go first so a partial failure can never orphan them.
func (s *Store) DeleteConversation(ctx context.Context, userID int64, id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND user_id = ?`, id, userID,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	s.hub.publish(Event{Kind: EventConversationsChanged, UserID: userID, ConversationID: id})
	return nil
}

// AddMessage appends a message to a conversation the user owns and touches
// the conversation's updated_at.
func (s *Store) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if msg.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return nil, errors.New("text cannot be empty")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		msg.ConversationID, msg.UserID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, text, is_user, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Text, msg.IsUser, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	s.hub.publish(Event{
		Kind:           EventMessageAppended,
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	})
	return &msg, nil
}

// ListMessages returns a conversation's messages in their stored order.
// Ordering is by creation time with the id as tiebreak, so repeated reads
// always return the same sequence.
func (s *Store) ListMessages(ctx context.Context, userID int64, conversationID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, text, is_user, created_at
		 FROM messages WHERE conversation_id = ? AND user_id = ?
		 ORDER BY created_at ASC, id ASC`,
		conversationID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Text, &m.IsUser, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetGlobalContext returns the user's global context, empty when unset.
func (s *Store) GetGlobalContext(ctx context.Context, userID int64) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT global_context FROM profiles WHERE user_id = ?`, userID,
	).Scan(&text)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get global context: %w", err)
	}
	return text, nil
}

// SetGlobalContext upserts the user's global context. Writing the same text
// twice is a no-op for readers.
func (s *Store) SetGlobalContext(ctx context.Context, userID int64, text string) error {
	if userID <= 0 {
		return errors.New("user_id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, global_context, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET global_context = excluded.global_context, updated_at = excluded.updated_at`,
		userID, text, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set global context: %w", err)
	}
	return nil
}
