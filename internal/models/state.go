package models

import "time"

// ConversationMode is a user's high-level conversation mode.
type ConversationMode string

const (
	ModeIdle           ConversationMode = "IDLE"
	ModeAwaitingStatus ConversationMode = "AWAITING_STATUS"
	ModeAwaitingEOD    ConversationMode = "AWAITING_EOD"
)

// IsValid reports whether m is one of the known modes.
func (m ConversationMode) IsValid() bool {
	switch m {
	case ModeIdle, ModeAwaitingStatus, ModeAwaitingEOD:
		return true
	}
	return false
}

// UserConversationState is the persisted conversation mode for one user.
type UserConversationState struct {
	UserID string           `json:"user_id"`
	Mode   ConversationMode `json:"mode"`
	SetAt  time.Time        `json:"set_at"`
}

// EffectiveMode returns the mode as observed at now. A state older than ttl
// reads as idle regardless of what was stored.
func (s UserConversationState) EffectiveMode(now time.Time, ttl time.Duration) ConversationMode {
	if !s.Mode.IsValid() {
		return ModeIdle
	}
	if ttl > 0 && now.Sub(s.SetAt) > ttl {
		return ModeIdle
	}
	return s.Mode
}
