package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getskiff/skiff/internal/db"
	"github.com/getskiff/skiff/internal/ptyruntime"
	"github.com/getskiff/skiff/internal/sessionlifecycle"
	"github.com/getskiff/skiff/internal/worktree"
)

// DiffStats summarizes a session's uncommitted work relative to the project's
// default branch.
type DiffStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Diff stats shell out to git per session, so list views serve them from a
// short-lived cache.
const diffStatsTTL = 30 * time.Second

type diffStatsCacheEntry struct {
	stats     *DiffStats
	expiresAt time.Time
}

func (s *Server) getCachedDiffStats(sessionID string) (*DiffStats, bool) {
	value, ok := s.diffStatsCache.Load(sessionID)
	if !ok {
		return nil, false
	}
	entry, ok := value.(diffStatsCacheEntry)
	if !ok || time.Now().After(entry.expiresAt) {
		s.diffStatsCache.Delete(sessionID)
		return nil, false
	}
	return entry.stats, true
}

func (s *Server) setCachedDiffStats(sessionID string, stats *DiffStats) {
	s.diffStatsCache.Store(sessionID, diffStatsCacheEntry{
		stats:     stats,
		expiresAt: time.Now().Add(diffStatsTTL),
	})
}

// SessionListItem is a session enriched with worktree diff stats for list views.
type SessionListItem struct {
	*db.Session
	DiffStats *DiffStats `json:"diffStats,omitempty"`
}

// rewatchSessions restores file watchers and in-memory chat state for live
// sessions after a restart. Turns do not survive the process, so sessions
// stuck in running are parked as interrupted.
func (s *Server) rewatchSessions() {
	sessions, err := s.db.ListSessions()
	if err != nil {
		slog.Error("failed to list sessions on startup", "error", err)
		return
	}

	for _, session := range sessions {
		if session.Status == db.SessionStatusRunning {
			if _, _, err := s.applySessionTransition(session.ID, session.Status, sessionlifecycle.EventTurnInterrupted, "startup"); err != nil {
				slog.Warn("failed to park orphaned session", "session_id", session.ID, "error", err)
			}
		}
		if err := s.chat.RegisterSession(session.ID, stringPtrValue(session.Model)); err != nil {
			slog.Warn("failed to restore chat session", "session_id", session.ID, "error", err)
		}
		if session.WorktreePath == nil || !s.worktree.Exists(*session.WorktreePath) {
			continue
		}
		if err := s.watcher.Watch(session.ID, *session.WorktreePath); err != nil {
			slog.Warn("failed to watch session worktree", "session_id", session.ID, "path", *session.WorktreePath, "error", err)
		}
	}
}

// resolveSessionWorkDir returns the directory the session's agent and git
// commands run in.
func (s *Server) resolveSessionWorkDir(session *db.Session) (string, error) {
	if session.WorktreePath == nil || *session.WorktreePath == "" {
		return "", fmt.Errorf("session has no worktree")
	}
	return *session.WorktreePath, nil
}

func (s *Server) startChatTurn(sessionID, content, source string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("content is required")
	}

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return err
	}

	workDir, err := s.resolveSessionWorkDir(session)
	if err != nil {
		return err
	}

	model := s.resolveDefaultModel()
	if session.Model != nil && *session.Model != "" {
		model = *session.Model
	}

	// Start the turn before touching status so a busy session rejects cleanly
	// instead of leaving a stale running row behind.
	resultCh, err := s.chat.StartTurn(StartChatTurnInput{
		SessionID: sessionID,
		WorkDir:   workDir,
		Prompt:    content,
		Model:     model,
	})
	if err != nil {
		return err
	}

	runningStatus, changed, err := s.applySessionTransition(sessionID, session.Status, sessionlifecycle.EventTurnStarted, source)
	if err != nil {
		if errors.Is(err, sessionlifecycle.ErrInvalidTransition) {
			logInvalidSessionTransition(sessionID, session.Status, sessionlifecycle.EventTurnStarted, source, err)
		} else {
			slog.Warn("failed to update session status on turn start", "session_id", sessionID, "error", err)
		}
	} else if changed {
		s.broadcastSessionStatus(sessionID, runningStatus)
	}

	go s.awaitChatTurnResult(sessionID, source, resultCh)

	s.wsHub.BroadcastToSession(sessionID, "message_sent", map[string]string{
		"content": content,
	})
	return nil
}

func (s *Server) awaitChatTurnResult(sessionID, source string, resultCh <-chan ChatTurnResult) {
	result, ok := <-resultCh
	if !ok {
		return
	}

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return
	}

	if result.Interrupted {
		waitingStatus, changed, waitErr := s.applySessionTransition(sessionID, session.Status, sessionlifecycle.EventTurnInterrupted, source+"_interrupt")
		if waitErr != nil {
			if errors.Is(waitErr, sessionlifecycle.ErrInvalidTransition) {
				logInvalidSessionTransition(sessionID, session.Status, sessionlifecycle.EventTurnInterrupted, source+"_interrupt", waitErr)
			} else {
				slog.Warn("failed to update chat session status on interrupt", "session_id", sessionID, "error", waitErr)
			}
			return
		}
		if changed {
			s.broadcastSessionStatus(sessionID, waitingStatus)
		}
		return
	}

	if result.Err != nil {
		errorStatus, changed, applyErr := s.applySessionTransition(sessionID, session.Status, sessionlifecycle.EventTurnFailed, source+"_error")
		if applyErr != nil {
			if errors.Is(applyErr, sessionlifecycle.ErrInvalidTransition) {
				logInvalidSessionTransition(sessionID, session.Status, sessionlifecycle.EventTurnFailed, source+"_error", applyErr)
			} else {
				slog.Warn("failed to update chat session status on error", "session_id", sessionID, "error", applyErr)
			}
			return
		}
		if changed {
			s.broadcastSessionStatus(sessionID, errorStatus)
		}
		return
	}

	waitingStatus, changed, waitErr := s.applySessionTransition(sessionID, session.Status, sessionlifecycle.EventTurnCompleted, source+"_complete")
	if waitErr != nil {
		if errors.Is(waitErr, sessionlifecycle.ErrInvalidTransition) {
			logInvalidSessionTransition(sessionID, session.Status, sessionlifecycle.EventTurnCompleted, source+"_complete", waitErr)
		} else {
			slog.Warn("failed to update chat session status on completion", "session_id", sessionID, "error", waitErr)
		}
		return
	}
	if changed {
		s.broadcastSessionStatus(sessionID, waitingStatus)
	}
}

// abortChatTurn cancels a running turn. Returns false when nothing was running.
func (s *Server) abortChatTurn(sessionID, source string) bool {
	if !s.chat.Interrupt(sessionID) {
		return false
	}
	slog.Info("chat turn aborted", "session_id", sessionID, "source", source)
	return true
}

// CreateSessionRequest contains the request body for creating a session
type CreateSessionRequest struct {
	ProjectID  string `json:"projectId"`
	Title      string `json:"title"`
	Model      string `json:"model"`      // Optional model override
	BranchName string `json:"branchName"` // Optional explicit branch name
	Prompt     string `json:"prompt"`     // Optional initial prompt
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.ProjectID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "projectId and title are required")
		return
	}
	if req.Model != "" && !isValidModelName(req.Model) {
		writeError(w, http.StatusBadRequest, "Invalid model name")
		return
	}

	project, err := s.db.GetProject(req.ProjectID)
	if err != nil {
		writeDBError(w, err, "project")
		return
	}

	input := db.CreateSessionInput{
		ProjectID: project.ID,
		Title:     req.Title,
	}
	if req.Model != "" {
		input.Model = &req.Model
	}
	session, err := s.db.CreateSession(input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	result, err := s.worktree.Create(worktree.CreateOptions{
		ProjectPath:  project.Path,
		ProjectName:  project.Name,
		SessionID:    session.ID,
		BranchName:   strings.TrimSpace(req.BranchName),
		SessionTitle: req.Title,
		BaseBranch:   project.DefaultBranch,
		SetupScript:  stringPtrValue(project.SetupScript),
	})
	if err != nil {
		if delErr := s.db.DeleteSession(session.ID); delErr != nil {
			slog.Warn("failed to clean up session after worktree failure", "session_id", session.ID, "error", delErr)
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create worktree: %v", err))
		return
	}

	session, err = s.db.UpdateSession(session.ID, db.UpdateSessionInput{
		Branch:       &result.BranchName,
		WorktreePath: &result.WorktreePath,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update session")
		return
	}

	if err := s.chat.RegisterSession(session.ID, stringPtrValue(session.Model)); err != nil {
		slog.Warn("failed to register chat session", "session_id", session.ID, "error", err)
	}
	if err := s.watcher.Watch(session.ID, result.WorktreePath); err != nil {
		slog.Warn("failed to watch session worktree", "session_id", session.ID, "error", err)
	}

	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		if err := s.startChatTurn(session.ID, prompt, "create_session"); err != nil {
			s.cleanupFailedSession(session, project)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start session: %v", err))
			return
		}
		// startChatTurn bumped the status.
		if refreshed, err := s.db.GetSession(session.ID); err == nil {
			session = refreshed
		}
	}

	s.wsHub.BroadcastGlobal("sidebar_update", map[string]any{
		"sessionId": session.ID,
		"status":    session.Status,
	})

	writeJSON(w, http.StatusCreated, struct {
		*db.Session
		Warnings []string `json:"warnings,omitempty"`
	}{Session: session, Warnings: result.Warnings})
}

// cleanupFailedSession tears down everything handleCreateSession built when
// the initial turn cannot start.
func (s *Server) cleanupFailedSession(session *db.Session, project *db.Project) {
	s.chat.RemoveSession(session.ID)
	s.watcher.Unwatch(session.ID)
	if session.WorktreePath != nil {
		err := s.worktree.Delete(worktree.DeleteOptions{
			ProjectPath:  project.Path,
			WorktreePath: *session.WorktreePath,
			DeleteBranch: true,
		})
		if err != nil {
			slog.Warn("failed to remove worktree for failed session", "session_id", session.ID, "error", err)
		}
	}
	if err := s.db.DeleteSession(session.ID); err != nil {
		slog.Warn("failed to delete failed session", "session_id", session.ID, "error", err)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("archived") == "true" {
		sessions, err := s.db.ListArchivedSessions()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list sessions")
			return
		}
		items := make([]*SessionListItem, len(sessions))
		for i, session := range sessions {
			items[i] = &SessionListItem{Session: session}
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	var sessions []*db.Session
	var err error
	if projectID := r.URL.Query().Get("project"); projectID != "" {
		sessions, err = s.db.ListSessionsByProject(projectID)
	} else {
		sessions, err = s.db.ListSessions()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	items := make([]*SessionListItem, len(sessions))
	for i, session := range sessions {
		items[i] = &SessionListItem{Session: session}
	}

	// Compute missing diff stats concurrently, capped so a long sidebar does
	// not fan out one git invocation per session all at once.
	type diffResult struct {
		index int
		stats *DiffStats
	}
	sem := make(chan struct{}, 5)
	diffCh := make(chan diffResult, len(items))
	var diffWg sync.WaitGroup

	baseBranches := make(map[string]string)
	for i, item := range items {
		if item.WorktreePath == nil {
			continue
		}
		if stats, ok := s.getCachedDiffStats(item.ID); ok {
			item.DiffStats = stats
			continue
		}
		baseBranch, ok := baseBranches[item.ProjectID]
		if !ok {
			project, err := s.db.GetProject(item.ProjectID)
			if err != nil {
				continue
			}
			baseBranch = project.DefaultBranch
			baseBranches[item.ProjectID] = baseBranch
		}

		diffWg.Add(1)
		go func(index int, sessionID, worktreePath, baseBranch string) {
			defer diffWg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			additions, deletions, err := s.worktree.DiffStats(worktreePath, baseBranch)
			if err != nil {
				return
			}
			stats := &DiffStats{Additions: additions, Deletions: deletions}
			s.setCachedDiffStats(sessionID, stats)
			diffCh <- diffResult{index: index, stats: stats}
		}(i, item.ID, *item.WorktreePath, baseBranch)
	}

	go func() {
		diffWg.Wait()
		close(diffCh)
	}()
	for result := range diffCh {
		items[result.index].DiffStats = result.stats
	}

	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.db.GetSession(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// UpdateSessionRequest contains the patchable session fields
type UpdateSessionRequest struct {
	Title *string `json:"title"`
	Model *string `json:"model"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	var req UpdateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	input := db.UpdateSessionInput{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "title cannot be empty")
			return
		}
		input.Title = &title
	}
	if req.Model != nil {
		if !isValidModelName(*req.Model) {
			writeError(w, http.StatusBadRequest, "Invalid model name")
			return
		}
		input.Model = req.Model
	}

	session, err := s.db.UpdateSession(id, input)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}

	if req.Model != nil {
		if err := s.chat.RegisterSession(session.ID, *req.Model); err != nil {
			slog.Warn("failed to update chat session model", "session_id", session.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	deleteBranch := r.URL.Query().Get("deleteBranch") == "true"

	session, err := s.db.GetSession(id)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}

	s.chat.Interrupt(id)
	s.chat.RemoveSession(id)
	if err := s.terminals.Stop(id); err != nil && !errors.Is(err, ptyruntime.ErrTerminalNotFound) {
		slog.Warn("failed to stop session terminal", "session_id", id, "error", err)
	}
	s.watcher.Unwatch(id)

	if session.WorktreePath != nil && s.worktree.Exists(*session.WorktreePath) {
		project, err := s.db.GetProject(session.ProjectID)
		if err != nil {
			writeDBError(w, err, "project")
			return
		}
		err = s.worktree.Delete(worktree.DeleteOptions{
			ProjectPath:  project.Path,
			WorktreePath: *session.WorktreePath,
			DeleteBranch: deleteBranch,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to remove worktree: %v", err))
			return
		}
	}

	if err := s.db.DeleteSession(id); err != nil {
		writeDBError(w, err, "session")
		return
	}
	s.diffStatsCache.Delete(id)

	s.wsHub.BroadcastGlobal("sidebar_update", map[string]any{
		"sessionId": id,
		"deleted":   true,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	session, err := s.db.GetSession(id)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}

	s.chat.Interrupt(id)
	if err := s.terminals.Stop(id); err != nil && !errors.Is(err, ptyruntime.ErrTerminalNotFound) {
		slog.Warn("failed to stop session terminal", "session_id", id, "error", err)
	}
	s.watcher.Unwatch(id)

	completedStatus, changed, err := s.applySessionTransition(id, session.Status, sessionlifecycle.EventSessionArchived, "archive")
	if err != nil {
		if errors.Is(err, sessionlifecycle.ErrInvalidTransition) {
			logInvalidSessionTransition(id, session.Status, sessionlifecycle.EventSessionArchived, "archive", err)
		} else {
			slog.Warn("failed to update session status on archive", "session_id", id, "error", err)
		}
	} else if changed {
		s.broadcastSessionStatus(id, completedStatus)
	}

	if err := s.db.SetSessionArchived(id, true); err != nil {
		writeDBError(w, err, "session")
		return
	}

	session, err = s.db.GetSession(id)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleUnarchiveSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	session, err := s.db.GetSession(id)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}

	if err := s.db.SetSessionArchived(id, false); err != nil {
		writeDBError(w, err, "session")
		return
	}

	if session.WorktreePath != nil && s.worktree.Exists(*session.WorktreePath) {
		if err := s.watcher.Watch(id, *session.WorktreePath); err != nil {
			slog.Warn("failed to watch session worktree", "session_id", id, "error", err)
		}
	}

	s.wsHub.BroadcastGlobal("sidebar_update", map[string]any{
		"sessionId": id,
		"status":    session.Status,
	})

	session, err = s.db.GetSession(id)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	if _, err := s.db.GetSession(id); err != nil {
		writeDBError(w, err, "session")
		return
	}

	var afterSeq int64
	if after := r.URL.Query().Get("after"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid after parameter")
			return
		}
		afterSeq = parsed
	}

	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	messages, err := s.db.ListMessagesAfter(id, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendMessageRequest contains the request body for sending a chat message
type SendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := s.startChatTurn(id, req.Content, "send_message"); err != nil {
		switch {
		case errors.Is(err, ErrTurnBusy):
			writeError(w, http.StatusConflict, "A turn is already running")
		case errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start turn: %v", err))
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleAbortTurn(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	if _, err := s.db.GetSession(id); err != nil {
		writeDBError(w, err, "session")
		return
	}

	if !s.abortChatTurn(id, "abort_endpoint") {
		writeError(w, http.StatusConflict, "No turn is running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": true})
}

func (s *Server) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	session, err := s.db.GetSession(id)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}

	if err := s.chat.Reset(id); err != nil {
		switch {
		case errors.Is(err, ErrTurnBusy):
			writeError(w, http.StatusConflict, "A turn is running - abort it before resetting")
		case errors.Is(err, ErrChatSessionNotFound), errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to reset conversation: %v", err))
		}
		return
	}

	idleStatus, changed, err := s.applySessionTransition(id, session.Status, sessionlifecycle.EventConversationReset, "reset")
	if err != nil {
		if errors.Is(err, sessionlifecycle.ErrInvalidTransition) {
			logInvalidSessionTransition(id, session.Status, sessionlifecycle.EventConversationReset, "reset", err)
		} else {
			slog.Warn("failed to update session status on reset", "session_id", id, "error", err)
		}
	} else if changed {
		s.broadcastSessionStatus(id, idleStatus)
	}

	session, err = s.db.GetSession(id)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}
