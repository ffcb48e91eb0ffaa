package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionSummary describes a stored session.
type SessionSummary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	FirstAt      time.Time `json:"first_at"`
	LastAt       time.Time `json:"last_at"`
}

// NewSessionID builds an identifier from the timestamp plus a random suffix,
// e.g. session_20250101_093000_1a2b3c4d.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "session_" + now.Format("20060102_150405") + "_" + suffix
}
