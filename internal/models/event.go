package models

import "time"

// Session journal event types.
const (
	EventSessionStart    = "SESSION_START"
	EventSessionEnd      = "SESSION_END"
	EventGainChange      = "GAIN_CHANGE"
	EventAutoRangeChange = "AUTORANGE_CHANGE"
	EventWindowChange    = "WINDOW_CHANGE"
)

// SessionEvent is a single journal entry.
type SessionEvent struct {
	EventID     string    `json:"event_id"`
	SessionID   string    `json:"session_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`        // SESSION_START | SESSION_END | GAIN_CHANGE | AUTORANGE_CHANGE | WINDOW_CHANGE
	Description string    `json:"description"` // human-readable
	Metadata    any       `json:"metadata,omitempty"`
}
