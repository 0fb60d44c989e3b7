package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message stores a single structured chat message for a session.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Seq         int64     `json:"seq"`
	Kind        string    `json:"kind"`
	PayloadJSON string    `json:"payloadJson"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateMessageInput contains fields for inserting a chat message.
type CreateMessageInput struct {
	SessionID   string
	Seq         int64
	Kind        string
	PayloadJSON string
}

// CreateMessage inserts a chat message row.
func (db *DB) CreateMessage(input CreateMessageInput) (*Message, error) {
	id := NewID()
	now := time.Now()

	_, err := db.conn.Exec(`
		INSERT INTO messages (id, session_id, seq, kind, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, input.SessionID, input.Seq, input.Kind, input.PayloadJSON, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return &Message{
		ID:          id,
		SessionID:   input.SessionID,
		Seq:         input.Seq,
		Kind:        input.Kind,
		PayloadJSON: input.PayloadJSON,
		CreatedAt:   now,
	}, nil
}

// ListMessagesBySession returns all chat messages for a session ordered by sequence.
func (db *DB) ListMessagesBySession(sessionID string) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, seq, kind, payload_json, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC, created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]*Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListMessagesAfter returns up to limit chat messages with seq greater than
// afterSeq, ordered by sequence. Pass afterSeq 0 to page from the start.
func (db *DB) ListMessagesAfter(sessionID string, afterSeq int64, limit int) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, seq, kind, payload_json, created_at
		FROM messages
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC, created_at ASC
		LIMIT ?
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages after: %w", err)
	}
	defer rows.Close()

	out := make([]*Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// UpdateMessagePayload replaces a message payload and kind, used when a tool
// call recorded as pending later completes.
func (db *DB) UpdateMessagePayload(id string, kind string, payloadJSON string) error {
	result, err := db.conn.Exec(`
		UPDATE messages
		SET kind = ?, payload_json = ?
		WHERE id = ?
	`, kind, payloadJSON, id)
	if err != nil {
		return fmt.Errorf("update message payload: %w", err)
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

// GetLastMessageSeq returns the latest sequence number for a session.
func (db *DB) GetLastMessageSeq(sessionID string) (int64, error) {
	row := db.conn.QueryRow(`
		SELECT COALESCE(MAX(seq), 0)
		FROM messages
		WHERE session_id = ?
	`, sessionID)

	var seq sql.NullInt64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("get last message seq: %w", err)
	}
	if seq.Valid {
		return seq.Int64, nil
	}
	return 0, nil
}

// DeleteMessagesBySession removes a session's whole transcript, used when the
// conversation is reset.
func (db *DB) DeleteMessagesBySession(sessionID string) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM messages WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return result.RowsAffected()
}

func scanMessage(scan scanFunc) (*Message, error) {
	var msg Message
	err := scan(
		&msg.ID,
		&msg.SessionID,
		&msg.Seq,
		&msg.Kind,
		&msg.PayloadJSON,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}
