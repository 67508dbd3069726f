// Package conversation implements the per-user conversation state machine,
// the prompts that drive it, and the router for inbound free text.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// DefaultStateTTL is how long a waiting mode stays in effect.
const DefaultStateTTL = 12 * time.Hour

// StateMachine keeps each user's conversation mode in the state store. Every
// call reads and writes the store directly; nothing is held in memory.
type StateMachine struct {
	store store.StateStore
	ttl   time.Duration
	now   func() time.Time
}

// NewStateMachine creates a StateMachine. A non-positive ttl uses DefaultStateTTL.
func NewStateMachine(st store.StateStore, ttl time.Duration, now func() time.Time) *StateMachine {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if now == nil {
		now = time.Now
	}
	return &StateMachine{store: st, ttl: ttl, now: now}
}

// Mode returns the user's effective mode. Missing and stale states read as idle.
func (sm *StateMachine) Mode(ctx context.Context, userID string) (models.ConversationMode, error) {
	st, err := sm.store.GetConversationState(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.ModeIdle, nil
	}
	if err != nil {
		return models.ModeIdle, fmt.Errorf("read conversation state: %w", err)
	}
	mode := st.EffectiveMode(sm.now(), sm.ttl)
	if mode != st.Mode {
		slog.Debug("StateMachine.Mode: stored mode expired", "userID", userID, "stored", st.Mode, "setAt", st.SetAt)
	}
	return mode, nil
}

// Set replaces the user's mode. Setting idle clears the stored state.
func (sm *StateMachine) Set(ctx context.Context, userID string, mode models.ConversationMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("invalid conversation mode %q", mode)
	}
	if mode == models.ModeIdle {
		return sm.Clear(ctx, userID)
	}
	state := models.UserConversationState{UserID: userID, Mode: mode, SetAt: sm.now()}
	if err := sm.store.SaveConversationState(ctx, state); err != nil {
		return fmt.Errorf("save conversation state: %w", err)
	}
	slog.Debug("StateMachine.Set: mode set", "userID", userID, "mode", mode)
	return nil
}

// Clear returns the user to idle.
func (sm *StateMachine) Clear(ctx context.Context, userID string) error {
	if err := sm.store.DeleteConversationState(ctx, userID); err != nil {
		return fmt.Errorf("clear conversation state: %w", err)
	}
	slog.Debug("StateMachine.Clear: mode cleared", "userID", userID)
	return nil
}
