package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getskiff/skiff/internal/ptyruntime"
)

// terminalConn bridges one WebSocket connection to a session's terminal.
// Terminals outlive connections: detaching keeps the shell running so the
// renderer can reattach and replay recent output.
type terminalConn struct {
	conn      *websocket.Conn
	detach    func()
	mu        sync.Mutex
	closed    bool
	sessionID string
	server    *Server
}

// handleTerminalWS attaches a WebSocket to a session's terminal, starting the
// shell on first attach.
// Query params:
//   - session: session ID (required)
//   - command: optional command to run before dropping into the shell
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateWS(w, r) {
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}
	if session.WorktreePath == nil {
		writeError(w, http.StatusBadRequest, "session has no worktree")
		return
	}

	if !s.terminals.Exists(sessionID) {
		if err := s.startSessionTerminal(sessionID, *session.WorktreePath, r.URL.Query().Get("command")); err != nil && !errors.Is(err, ptyruntime.ErrTerminalExists) {
			slog.Error("failed to start terminal", "session_id", sessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start terminal")
			return
		}
	}

	conn, err := s.upgradeWS(w, r)
	if err != nil {
		slog.Error("terminal websocket upgrade error", "error", err)
		return
	}

	replay, events, detach, err := s.terminals.Attach(sessionID)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("Error: "+err.Error()))
		_ = conn.Close()
		return
	}

	tc := &terminalConn{
		conn:      conn,
		detach:    detach,
		sessionID: sessionID,
		server:    s,
	}

	go tc.streamOutput(replay, events)
	tc.readFromWS()
}

// startSessionTerminal spawns the user's shell in the session worktree. When
// command is non-empty it runs first, then the shell takes over so the
// terminal stays open for follow-up input.
func (s *Server) startSessionTerminal(sessionID, workDir, command string) error {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	opts := ptyruntime.StartOptions{
		WorkDir: workDir,
		Command: shell,
		Args:    []string{"-i"},
		OnExit: func(result ptyruntime.ExitResult) {
			s.wsHub.BroadcastToSession(sessionID, "terminal_exited", map[string]any{
				"sessionId": sessionID,
				"exitCode":  result.ExitCode,
			})
		},
	}
	if command != "" {
		opts.Args = []string{"-lc", fmt.Sprintf("%s; exec %s -i", command, shellQuote(shell))}
	}
	return s.terminals.Start(sessionID, opts)
}

// streamOutput replays buffered output, then forwards live PTY chunks.
func (tc *terminalConn) streamOutput(replay []ptyruntime.OutputEvent, events <-chan ptyruntime.OutputEvent) {
	defer tc.close()

	for _, ev := range replay {
		if err := tc.writeBinary(ev.Data); err != nil {
			return
		}
	}
	for ev := range events {
		if err := tc.writeBinary(ev.Data); err != nil {
			return
		}
	}
}

// readFromWS reads renderer input and control messages.
func (tc *terminalConn) readFromWS() {
	defer tc.close()

	for {
		msgType, message, err := tc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("terminal websocket read error", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage, websocket.TextMessage:
			// Check for control message (JSON)
			if len(message) > 0 && message[0] == '{' {
				tc.handleControlMessage(message)
				continue
			}

			if err := tc.server.terminals.Write(tc.sessionID, message); err != nil {
				slog.Debug("terminal write error", "error", err)
				return
			}
		}
	}
}

// handleControlMessage handles JSON control messages.
// Format: {"type":"resize","cols":80,"rows":24}
func (tc *terminalConn) handleControlMessage(message []byte) {
	var msg struct {
		Type string `json:"type"`
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
		_ = tc.server.terminals.Resize(tc.sessionID, msg.Cols, msg.Rows)
	}
}

func (tc *terminalConn) writeBinary(data []byte) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return websocket.ErrCloseSent
	}
	tc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return tc.conn.WriteMessage(websocket.BinaryMessage, data)
}

// close detaches from the terminal without stopping it.
func (tc *terminalConn) close() {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.closed = true
	detach := tc.detach
	conn := tc.conn
	tc.mu.Unlock()

	if detach != nil {
		detach()
	}
	conn.Close()
}
