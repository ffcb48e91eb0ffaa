package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Persisted reports whether messages of this role are stored in memory.
// Only the user/assistant pair of a turn is ever written.
func (r Role) Persisted() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one stored conversation message.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
