package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Setting is one renderer preference, stored as a raw JSON value so the host
// never needs to understand renderer-side shapes.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// GetSetting returns a single setting by key.
// Returns ErrNotFound if the setting does not exist.
func (db *DB) GetSetting(key string) (*Setting, error) {
	row := db.conn.QueryRow(
		`SELECT key, value, updated_at FROM settings WHERE key = ?`,
		key,
	)

	var s Setting
	if err := row.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// SetSetting upserts a setting value.
func (db *DB) SetSetting(key, value string) (*Setting, error) {
	_, err := db.conn.Exec(
		`INSERT INTO settings (key, value, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return nil, err
	}
	return db.GetSetting(key)
}

// DeleteSetting removes a setting. Returns ErrNotFound if it doesn't exist.
func (db *DB) DeleteSetting(key string) error {
	res, err := db.conn.Exec(`DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSettings returns every stored setting, for the renderer's initial load.
func (db *DB) ListSettings() ([]*Setting, error) {
	rows, err := db.conn.Query(`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make([]*Setting, 0)
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
