package sessionlifecycle

import (
	"errors"
	"fmt"

	"github.com/getskiff/skiff/internal/db"
)

// Event is a logical trigger that may change a session state.
type Event string

const (
	EventTurnStarted       Event = "turn_started"
	EventTurnCompleted     Event = "turn_completed"
	EventTurnFailed        Event = "turn_failed"
	EventTurnInterrupted   Event = "turn_interrupted"
	EventConversationReset Event = "conversation_reset"
	EventSessionArchived   Event = "session_archived"
)

// ErrInvalidTransition is returned when an event is not allowed from a state.
var ErrInvalidTransition = errors.New("invalid session transition")

// Transition is the result of applying an event to a current state.
type Transition struct {
	Event   Event
	From    db.SessionStatus
	To      db.SessionStatus
	Changed bool
}

// Apply validates and computes a session status transition for the given event.
func Apply(current db.SessionStatus, event Event) (Transition, error) {
	switch event {
	case EventTurnStarted:
		return transition(
			event,
			current,
			db.SessionStatusRunning,
			db.SessionStatusIdle,
			db.SessionStatusWaitingInput,
			db.SessionStatusCompleted,
			db.SessionStatusError,
		)
	case EventTurnCompleted, EventTurnInterrupted:
		return transition(event, current, db.SessionStatusWaitingInput, db.SessionStatusRunning)
	case EventTurnFailed:
		return transition(event, current, db.SessionStatusError, db.SessionStatusRunning)
	case EventConversationReset:
		// A running turn must be interrupted before the conversation resets.
		return transition(
			event,
			current,
			db.SessionStatusIdle,
			db.SessionStatusIdle,
			db.SessionStatusWaitingInput,
			db.SessionStatusCompleted,
			db.SessionStatusError,
		)
	case EventSessionArchived:
		return transition(
			event,
			current,
			db.SessionStatusCompleted,
			db.SessionStatusIdle,
			db.SessionStatusRunning,
			db.SessionStatusWaitingInput,
			db.SessionStatusError,
			db.SessionStatusCompleted,
		)
	default:
		return Transition{}, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}
}

func transition(event Event, current, target db.SessionStatus, allowed ...db.SessionStatus) (Transition, error) {
	if !contains(allowed, current) {
		return Transition{}, fmt.Errorf("%w: event=%s from=%s", ErrInvalidTransition, event, current)
	}
	return Transition{
		Event:   event,
		From:    current,
		To:      target,
		Changed: current != target,
	}, nil
}

func contains(states []db.SessionStatus, state db.SessionStatus) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
