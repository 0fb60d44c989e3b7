package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionStatus represents the current state of a chat session
type SessionStatus string

const (
	SessionStatusIdle         SessionStatus = "idle"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusWaitingInput SessionStatus = "waiting_input"
	SessionStatusCompleted    SessionStatus = "completed"
	SessionStatusError        SessionStatus = "error"
)

// Session is one chat conversation with the assistant, pinned to a project
// and backed by its own git worktree. ProviderSessionID is the assistant's
// conversation id, captured from the first turn so later turns can resume.
type Session struct {
	ID                string        `json:"id"`
	ProjectID         string        `json:"projectId"`
	Title             string        `json:"title"`
	Model             *string       `json:"model,omitempty"`
	Status            SessionStatus `json:"status"`
	ProviderSessionID *string       `json:"providerSessionId,omitempty"`
	Branch            *string       `json:"branch,omitempty"`
	WorktreePath      *string       `json:"worktreePath,omitempty"`
	Archived          bool          `json:"archived"`
	LastActivityAt    *time.Time    `json:"lastActivityAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// CreateSessionInput contains fields for creating a new session
type CreateSessionInput struct {
	ProjectID    string
	Title        string
	Model        *string
	Branch       *string
	WorktreePath *string
}

// UpdateSessionInput contains fields for updating a session
type UpdateSessionInput struct {
	Title             *string        `json:"title,omitempty"`
	Model             *string        `json:"model,omitempty"`
	Status            *SessionStatus `json:"status,omitempty"`
	ProviderSessionID *string        `json:"providerSessionId,omitempty"`
	Branch            *string        `json:"branch,omitempty"`
	WorktreePath      *string        `json:"worktreePath,omitempty"`
	LastActivityAt    *time.Time     `json:"lastActivityAt,omitempty"`
}

const sessionColumns = "id, project_id, title, model, status, provider_session_id, branch, worktree_path, archived, last_activity_at, created_at, updated_at"

// CreateSession creates a new chat session in idle state
func (db *DB) CreateSession(input CreateSessionInput) (*Session, error) {
	id := NewID()
	now := time.Now()

	_, err := db.conn.Exec(`
		INSERT INTO sessions (id, project_id, title, model, status, branch, worktree_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, input.ProjectID, input.Title, NullString(input.Model), SessionStatusIdle, NullString(input.Branch), NullString(input.WorktreePath), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return db.GetSession(id)
}

// GetSession retrieves a session by ID
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.conn.QueryRow(`
		SELECT `+sessionColumns+`
		FROM sessions WHERE id = ?
	`, id)

	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListSessions retrieves all non-archived sessions, most recently active first
func (db *DB) ListSessions() ([]*Session, error) {
	rows, err := db.conn.Query(`
		SELECT ` + sessionColumns + `
		FROM sessions WHERE archived = FALSE
		ORDER BY COALESCE(last_activity_at, created_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListSessionsByProject retrieves all non-archived sessions for a project
func (db *DB) ListSessionsByProject(projectID string) ([]*Session, error) {
	rows, err := db.conn.Query(`
		SELECT `+sessionColumns+`
		FROM sessions WHERE project_id = ? AND archived = FALSE
		ORDER BY COALESCE(last_activity_at, created_at) DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query project sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListArchivedSessions retrieves archived sessions, most recently updated first
func (db *DB) ListArchivedSessions() ([]*Session, error) {
	rows, err := db.conn.Query(`
		SELECT ` + sessionColumns + `
		FROM sessions WHERE archived = TRUE
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query archived sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// UpdateSession updates a session
func (db *DB) UpdateSession(id string, input UpdateSessionInput) (*Session, error) {
	query := "UPDATE sessions SET updated_at = ?"
	args := []any{time.Now()}

	if input.Title != nil {
		query += ", title = ?"
		args = append(args, *input.Title)
	}
	if input.Model != nil {
		query += ", model = ?"
		args = append(args, *input.Model)
	}
	if input.Status != nil {
		query += ", status = ?"
		args = append(args, *input.Status)
	}
	if input.ProviderSessionID != nil {
		query += ", provider_session_id = ?"
		args = append(args, *input.ProviderSessionID)
	}
	if input.Branch != nil {
		query += ", branch = ?"
		args = append(args, *input.Branch)
	}
	if input.WorktreePath != nil {
		query += ", worktree_path = ?"
		args = append(args, *input.WorktreePath)
	}
	if input.LastActivityAt != nil {
		query += ", last_activity_at = ?"
		args = append(args, *input.LastActivityAt)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return db.GetSession(id)
}

// SetSessionStatus updates a session's status and bumps its activity time
func (db *DB) SetSessionStatus(id string, status SessionStatus) error {
	now := time.Now()
	result, err := db.conn.Exec(`
		UPDATE sessions SET status = ?, last_activity_at = ?, updated_at = ? WHERE id = ?
	`, status, now, now, id)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SetSessionArchived flips the archive flag
func (db *DB) SetSessionArchived(id string, archived bool) error {
	result, err := db.conn.Exec(`
		UPDATE sessions SET archived = ?, updated_at = ? WHERE id = ?
	`, archived, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set session archived: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ClearSessionConversation drops the provider session id so the next turn
// starts a fresh assistant conversation
func (db *DB) ClearSessionConversation(id string) error {
	result, err := db.conn.Exec(`
		UPDATE sessions SET provider_session_id = NULL, status = ?, updated_at = ? WHERE id = ?
	`, SessionStatusIdle, time.Now(), id)
	if err != nil {
		return fmt.Errorf("clear session conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteSession deletes a session and, via cascade, its messages
func (db *DB) DeleteSession(id string) error {
	result, err := db.conn.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	sessions := make([]*Session, 0)
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(scan scanFunc) (*Session, error) {
	var s Session
	var model, providerSessionID, branch, worktreePath sql.NullString
	var lastActivityAt sql.NullTime

	err := scan(
		&s.ID, &s.ProjectID, &s.Title, &model, &s.Status, &providerSessionID,
		&branch, &worktreePath, &s.Archived, &lastActivityAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Model = StringPtr(model)
	s.ProviderSessionID = StringPtr(providerSessionID)
	s.Branch = StringPtr(branch)
	s.WorktreePath = StringPtr(worktreePath)
	s.LastActivityAt = TimePtr(lastActivityAt)

	return &s, nil
}
