package models

import "time"

// Message is a single utterance inside a conversation. Messages are
// append-only: once stored they are never mutated or reordered.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Text           string    `json:"text"`
	IsUser         bool      `json:"is_user"`
	CreatedAt      time.Time `json:"created_at"`
}
