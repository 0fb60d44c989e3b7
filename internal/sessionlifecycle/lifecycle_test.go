package sessionlifecycle

import (
	"errors"
	"testing"

	"github.com/getskiff/skiff/internal/db"
)

func TestApplyTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current db.SessionStatus
		event   Event
		want    db.SessionStatus
		changed bool
		wantErr bool
	}{
		{
			name:    "turn start idle to running",
			current: db.SessionStatusIdle,
			event:   EventTurnStarted,
			want:    db.SessionStatusRunning,
			changed: true,
		},
		{
			name:    "turn start waiting to running",
			current: db.SessionStatusWaitingInput,
			event:   EventTurnStarted,
			want:    db.SessionStatusRunning,
			changed: true,
		},
		{
			name:    "turn start revives completed session",
			current: db.SessionStatusCompleted,
			event:   EventTurnStarted,
			want:    db.SessionStatusRunning,
			changed: true,
		},
		{
			name:    "turn complete running to waiting",
			current: db.SessionStatusRunning,
			event:   EventTurnCompleted,
			want:    db.SessionStatusWaitingInput,
			changed: true,
		},
		{
			name:    "interrupt running to waiting",
			current: db.SessionStatusRunning,
			event:   EventTurnInterrupted,
			want:    db.SessionStatusWaitingInput,
			changed: true,
		},
		{
			name:    "turn failure running to error",
			current: db.SessionStatusRunning,
			event:   EventTurnFailed,
			want:    db.SessionStatusError,
			changed: true,
		},
		{
			name:    "reset error to idle",
			current: db.SessionStatusError,
			event:   EventConversationReset,
			want:    db.SessionStatusIdle,
			changed: true,
		},
		{
			name:    "reset idle no-op",
			current: db.SessionStatusIdle,
			event:   EventConversationReset,
			want:    db.SessionStatusIdle,
			changed: false,
		},
		{
			name:    "archive running to completed",
			current: db.SessionStatusRunning,
			event:   EventSessionArchived,
			want:    db.SessionStatusCompleted,
			changed: true,
		},
		{
			name:    "archive completed stays completed",
			current: db.SessionStatusCompleted,
			event:   EventSessionArchived,
			want:    db.SessionStatusCompleted,
			changed: false,
		},
		{
			name:    "reject turn start from running",
			current: db.SessionStatusRunning,
			event:   EventTurnStarted,
			wantErr: true,
		},
		{
			name:    "reject turn complete from idle",
			current: db.SessionStatusIdle,
			event:   EventTurnCompleted,
			wantErr: true,
		},
		{
			name:    "reject reset while running",
			current: db.SessionStatusRunning,
			event:   EventConversationReset,
			wantErr: true,
		},
		{
			name:    "reject unknown event",
			current: db.SessionStatusIdle,
			event:   Event("vanish"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.current, tt.event)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply error: %v", err)
			}
			if got.To != tt.want {
				t.Fatalf("expected to=%s, got %s", tt.want, got.To)
			}
			if got.Changed != tt.changed {
				t.Fatalf("expected changed=%v, got %v", tt.changed, got.Changed)
			}
		})
	}
}
