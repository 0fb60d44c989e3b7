package api

import (
	"log/slog"

	"github.com/getskiff/skiff/internal/db"
	"github.com/getskiff/skiff/internal/sessionlifecycle"
)

func (s *Server) applySessionTransition(sessionID string, current db.SessionStatus, event sessionlifecycle.Event, source string) (db.SessionStatus, bool, error) {
	tr, err := sessionlifecycle.Apply(current, event)
	if err != nil {
		return current, false, err
	}
	if !tr.Changed {
		slog.Debug("session_transition_noop",
			"session_id", sessionID,
			"source", source,
			"event", event,
			"status", tr.To,
			"changed", false,
		)
		return tr.To, false, nil
	}

	if err := s.db.SetSessionStatus(sessionID, tr.To); err != nil {
		slog.Warn("session_transition_persist_failed",
			"session_id", sessionID,
			"source", source,
			"event", event,
			"from_status", tr.From,
			"to_status", tr.To,
			"error", err,
		)
		return current, false, err
	}

	slog.Info("session_transition_applied",
		"session_id", sessionID,
		"source", source,
		"event", event,
		"from_status", tr.From,
		"to_status", tr.To,
		"changed", true,
	)

	return tr.To, true, nil
}

func (s *Server) broadcastSessionStatus(sessionID string, status db.SessionStatus) {
	s.wsHub.BroadcastToSession(sessionID, "status_changed", map[string]string{
		"status": string(status),
	})
	s.wsHub.BroadcastGlobal("sidebar_update", map[string]string{
		"sessionId": sessionID,
		"status":    string(status),
	})
}

func logInvalidSessionTransition(sessionID string, current db.SessionStatus, event sessionlifecycle.Event, source string, err error) {
	slog.Warn("invalid session lifecycle transition",
		"session_id", sessionID,
		"source", source,
		"current_status", current,
		"event", event,
		"error", err,
	)
}
