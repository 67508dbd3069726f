package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

func TestStateMachine_Transitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))

	mode, err := h.states.Mode(ctx, "amir")
	if err != nil || mode != models.ModeIdle {
		t.Fatalf("initial mode = %s, %v; want IDLE", mode, err)
	}

	if err := h.states.Set(ctx, "amir", models.ModeAwaitingStatus); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if mode, _ := h.states.Mode(ctx, "amir"); mode != models.ModeAwaitingStatus {
		t.Errorf("mode = %s, want AWAITING_STATUS", mode)
	}

	// A new mode replaces the previous one.
	if err := h.states.Set(ctx, "amir", models.ModeAwaitingEOD); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if mode, _ := h.states.Mode(ctx, "amir"); mode != models.ModeAwaitingEOD {
		t.Errorf("mode = %s, want AWAITING_EOD", mode)
	}

	if err := h.states.Set(ctx, "amir", models.ModeIdle); err != nil {
		t.Fatalf("Set idle: %v", err)
	}
	if _, err := h.store.GetConversationState(ctx, "amir"); err == nil {
		t.Error("setting idle should remove the stored state")
	}

	if err := h.states.Set(ctx, "amir", "SLEEPING"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestStateMachine_StaleStateReadsIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))

	if err := h.states.Set(ctx, "amir", models.ModeAwaitingEOD); err != nil {
		t.Fatalf("Set: %v", err)
	}

	h.now = h.now.Add(12 * time.Hour)
	if mode, _ := h.states.Mode(ctx, "amir"); mode != models.ModeAwaitingEOD {
		t.Errorf("at exactly the TTL mode = %s, want AWAITING_EOD", mode)
	}

	h.now = h.now.Add(time.Minute)
	if mode, _ := h.states.Mode(ctx, "amir"); mode != models.ModeIdle {
		t.Errorf("past the TTL mode = %s, want IDLE", mode)
	}
	if st, err := h.store.GetConversationState(ctx, "amir"); err != nil || st.Mode != models.ModeAwaitingEOD {
		t.Errorf("expiry must not rewrite the stored row, got %+v, %v", st, err)
	}
}
