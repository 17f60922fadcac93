package models

import "time"

// Profile carries per-user settings that survive across sessions.
// GlobalContext is free text prepended to every chat request.
type Profile struct {
	UserID        int64     `json:"user_id"`
	GlobalContext string    `json:"global_context"`
	UpdatedAt     time.Time `json:"updated_at"`
}
