package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	DefaultBranch string    `json:"defaultBranch"`
	SetupScript   *string   `json:"setupScript,omitempty"`
	RunScript     *string   `json:"runScript,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type CreateProjectInput struct {
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	DefaultBranch *string `json:"defaultBranch,omitempty"`
	SetupScript   *string `json:"setupScript,omitempty"`
	RunScript     *string `json:"runScript,omitempty"`
}

type UpdateProjectInput struct {
	Name          *string `json:"name,omitempty"`
	Path          *string `json:"path,omitempty"`
	DefaultBranch *string `json:"defaultBranch,omitempty"`
	SetupScript   *string `json:"setupScript,omitempty"`
	RunScript     *string `json:"runScript,omitempty"`
}

// CreateProject creates a new project
func (db *DB) CreateProject(input CreateProjectInput) (*Project, error) {
	id := NewID()
	now := time.Now()
	defaultBranch := "main"
	if input.DefaultBranch != nil {
		defaultBranch = *input.DefaultBranch
	}

	_, err := db.conn.Exec(`
		INSERT INTO projects (id, name, path, default_branch, setup_script, run_script, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, input.Name, input.Path, defaultBranch, NullString(input.SetupScript), NullString(input.RunScript), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	return db.GetProject(id)
}

// GetProject retrieves a project by ID
func (db *DB) GetProject(id string) (*Project, error) {
	row := db.conn.QueryRow(`
		SELECT id, name, path, default_branch, setup_script, run_script, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)

	p, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListProjects retrieves all projects
func (db *DB) ListProjects() ([]*Project, error) {
	rows, err := db.conn.Query(`
		SELECT id, name, path, default_branch, setup_script, run_script, created_at, updated_at
		FROM projects ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	projects := make([]*Project, 0)
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}

	return projects, rows.Err()
}

// UpdateProject updates a project
func (db *DB) UpdateProject(id string, input UpdateProjectInput) (*Project, error) {
	query := "UPDATE projects SET updated_at = ?"
	args := []any{time.Now()}

	if input.Name != nil {
		query += ", name = ?"
		args = append(args, *input.Name)
	}
	if input.Path != nil {
		query += ", path = ?"
		args = append(args, *input.Path)
	}
	if input.DefaultBranch != nil {
		query += ", default_branch = ?"
		args = append(args, *input.DefaultBranch)
	}
	if input.SetupScript != nil {
		query += ", setup_script = ?"
		args = append(args, *input.SetupScript)
	}
	if input.RunScript != nil {
		query += ", run_script = ?"
		args = append(args, *input.RunScript)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return db.GetProject(id)
}

// DeleteProject deletes a project and, via cascade, its sessions and messages
func (db *DB) DeleteProject(id string) error {
	result, err := db.conn.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
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

func scanProject(scan scanFunc) (*Project, error) {
	var p Project
	var setupScript, runScript sql.NullString

	err := scan(&p.ID, &p.Name, &p.Path, &p.DefaultBranch, &setupScript, &runScript, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.SetupScript = StringPtr(setupScript)
	p.RunScript = StringPtr(runScript)

	return &p, nil
}
