package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AdvanceWatermark raises the watermark of a conversation to ts. Lower values
// are ignored, so the stored watermark never decreases. It returns the
// watermark in effect after the write.
func (db *DB) AdvanceWatermark(conversationID string, ts int64) (int64, error) {
	now := time.Now().UnixMilli()
	var current int64
	err := db.QueryRow(`
		INSERT INTO watermarks (conversation_id, ts, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			ts = MAX(watermarks.ts, excluded.ts),
			updated_at = excluded.updated_at
		RETURNING ts`, conversationID, ts, now).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("advance watermark %s: %w", conversationID, err)
	}
	return current, nil
}

// Watermark returns the watermark of a conversation, or 0 if none is stored.
func (db *DB) Watermark(conversationID string) (int64, error) {
	var ts int64
	err := db.QueryRow(`SELECT ts FROM watermarks WHERE conversation_id = ?`, conversationID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return ts, err
}

// Watermarks returns every stored watermark keyed by conversation id.
func (db *DB) Watermarks() (map[string]int64, error) {
	rows, err := db.Query(`SELECT conversation_id, ts FROM watermarks`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id string
			ts int64
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts
	}
	return out, rows.Err()
}

// SetCheckpoint stores a named sync checkpoint.
func (db *DB) SetCheckpoint(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint reads a named sync checkpoint. Missing keys yield "".
func (db *DB) Checkpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
