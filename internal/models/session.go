package models

import "time"

// SessionStatus represents the lifecycle status of a chat session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session accepts messages.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusConcluded indicates the session was finalized and is read-only.
	SessionStatusConcluded SessionStatus = "concluded"
)

// Session is one logical conversation spanning many requests.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	CurrentProduct string        `json:"current_product"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ConcludedAt    *time.Time    `json:"concluded_at,omitempty"`
}

// IsConcluded reports whether the session was finalized.
func (s Session) IsConcluded() bool {
	return s.Status == SessionStatusConcluded
}

// MessageRecord is one stored exchange, keyed by its request id. The full
// response is kept so that replays can return it verbatim.
type MessageRecord struct {
	RequestID    string       `json:"request_id"`
	SessionID    string       `json:"session_id"`
	Product      string       `json:"product"`
	UserMessage  string       `json:"user_message"`
	ResponseText string       `json:"response_text"`
	Response     ChatResponse `json:"response"`
	CreatedAt    time.Time    `json:"created_at"`
}
