package models

import "time"

// Conversation groups an ordered thread of messages owned by one user.
// LastMessage holds a truncated preview of the most recent AI reply.
type Conversation struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Title       string    `json:"title"`
	LastMessage string    `json:"last_message"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
