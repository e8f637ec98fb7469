package service

import "time"

// LogFilter supports journal filtering by time range, type and session.
type LogFilter struct {
	From      time.Time // inclusive; zero means no lower bound
	To        time.Time // inclusive; zero means no upper bound
	Type      string    // "", "SESSION_START", "SESSION_END", "GAIN_CHANGE", "AUTORANGE_CHANGE", "WINDOW_CHANGE"
	SessionID string
	Limit     int // 0 means no limit
}

// OperatorCredential is a configured operator account.
type OperatorCredential struct {
	Username     string
	PasswordHash string // bcrypt
}
