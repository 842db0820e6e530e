package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionHistory  = "session.history"
	TypeSessionOutput   = "session.output"
	TypeSessionClosed   = "session.closed"
	TypeSessionUpdate   = "session.update"
	TypeWorktreesUpdate = "worktrees.update"
	TypeError           = "error"
)

// Client → Server message types.
const (
	TypeSessionSend      = "session.send"
	TypeSessionInterrupt = "session.interrupt"
	TypeSessionMode      = "session.mode"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrInvalidMode     = "INVALID_MODE"
	ErrSendFailed      = "SEND_FAILED"
)

// Server → Client payloads. session.update carries a session record as-is.

type SessionHistoryPayload struct {
	Ticket string   `json:"ticket"`
	Lines  []string `json:"lines"`
}

type SessionOutputPayload struct {
	Ticket         string `json:"ticket"`
	Content        string `json:"content"`
	NeedsAttention bool   `json:"needs_attention"`
	AutoAccepted   bool   `json:"auto_accepted"`
}

type SessionClosedPayload struct {
	Ticket string `json:"ticket"`
	Reason string `json:"reason"`
}

type WorktreesUpdatePayload struct {
	Tickets []string `json:"tickets"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads. Ticket may be omitted on a per-session
// connection, where the URL names the session.

type SessionSendPayload struct {
	Ticket string `json:"ticket,omitempty"`
	Text   string `json:"text"`
}

type SessionInterruptPayload struct {
	Ticket string `json:"ticket,omitempty"`
}

type SessionModePayload struct {
	Ticket string `json:"ticket,omitempty"`
	Mode   string `json:"mode"`
}
