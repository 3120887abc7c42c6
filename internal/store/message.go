package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, sender_name, text, timestamp,
	delivery_status, read_by, sync_status, retry_count, last_sync_attempt, created_at`

// UpsertMessage inserts or updates a message keyed by id. The client
// timestamp of an existing row is never changed.
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db.DB, m)
}

func upsertMessage(ex execer, m *Message) error {
	if m.ID == "" || m.ConversationID == "" {
		return fmt.Errorf("message: id and conversation id are required")
	}
	readBy, err := encodeStrings(m.ReadBy)
	if err != nil {
		return err
	}
	createdAt := m.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err = ex.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_name = excluded.sender_name,
			text = excluded.text,
			delivery_status = excluded.delivery_status,
			read_by = excluded.read_by,
			sync_status = excluded.sync_status,
			retry_count = excluded.retry_count,
			last_sync_attempt = excluded.last_sync_attempt`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Text, m.Timestamp,
		string(orDefault(m.DeliveryStatus, DeliverySending)), readBy,
		string(orDefault(m.SyncStatus, SyncPending)), m.RetryCount, m.LastSyncAttempt, createdAt)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// MergeRemoteMessage applies a message observed on the remote store. Delivery
// status and read-by come from the remote copy; the stored client timestamp
// and body are kept. A row that exists remotely is synced by definition, so
// pending or failed local copies are promoted.
func (db *DB) MergeRemoteMessage(m *Message) error {
	if m.ID == "" || m.ConversationID == "" {
		return fmt.Errorf("message: id and conversation id are required")
	}
	readBy, err := encodeStrings(m.ReadBy)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'synced', 0, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE messages.sender_name END,
			delivery_status = excluded.delivery_status,
			read_by = excluded.read_by,
			sync_status = 'synced'`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Text, m.Timestamp,
		string(orDefault(m.DeliveryStatus, DeliverySent)), readBy, now)
	if err != nil {
		return fmt.Errorf("merge message %s: %w", m.ID, err)
	}
	return nil
}

// UpdateMessage applies a partial update to one message.
func (db *DB) UpdateMessage(id string, p MessagePatch) error {
	var (
		sets []string
		args []any
	)
	if p.SyncStatus != nil {
		sets = append(sets, "sync_status = ?")
		args = append(args, string(*p.SyncStatus))
	}
	if p.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *p.RetryCount)
	}
	if p.LastSyncAttempt != nil {
		sets = append(sets, "last_sync_attempt = ?")
		args = append(args, *p.LastSyncAttempt)
	}
	if p.DeliveryStatus != nil {
		sets = append(sets, "delivery_status = ?")
		args = append(args, string(*p.DeliveryStatus))
	}
	if p.ReadBy != nil {
		readBy, err := encodeStrings(p.ReadBy)
		if err != nil {
			return err
		}
		sets = append(sets, "read_by = ?")
		args = append(args, readBy)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := db.Exec(`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update message %s: %w", id, ErrNotFound)
	}
	return nil
}

// PromoteDelivery sets the delivery status of a message to "to" only while
// it is still "from".
func (db *DB) PromoteDelivery(id string, from, to DeliveryStatus) error {
	_, err := db.Exec(`UPDATE messages SET delivery_status = ? WHERE id = ? AND delivery_status = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("promote delivery %s: %w", id, err)
	}
	return nil
}

// GetMessage returns a message by id, or nil if it does not exist.
func (db *DB) GetMessage(id string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns the most recent limit messages of a conversation in
// ascending timestamp order.
func (db *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryMessages(`
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, conversationID, limit)
}

// ListMessagesSince returns messages of a conversation strictly newer than ts.
func (db *DB) ListMessagesSince(conversationID string, ts int64) ([]Message, error) {
	return db.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND timestamp > ?
		ORDER BY timestamp ASC, id ASC`, conversationID, ts)
}

// ListPendingMessages returns every message not yet confirmed by the remote
// store, oldest client timestamp first.
func (db *DB) ListPendingMessages() ([]Message, error) {
	return db.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE sync_status IN ('pending', 'failed')
		ORDER BY timestamp ASC, created_at ASC, id ASC`)
}

// CountMessages returns how many messages of a conversation are stored.
func (db *DB) CountMessages(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// CountBySyncStatus returns the number of messages in the given sync status.
func (db *DB) CountBySyncStatus(s SyncStatus) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE sync_status = ?`, string(s)).Scan(&n)
	return n, err
}

// RequeueInFlight moves messages left in syncing by an interrupted run back to
// pending. It returns how many rows were touched.
func (db *DB) RequeueInFlight() (int64, error) {
	res, err := db.Exec(`UPDATE messages SET sync_status = 'pending' WHERE sync_status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("requeue in-flight: %w", err)
	}
	return res.RowsAffected()
}

// ResetForRetry re-arms a failed message for delivery.
func (db *DB) ResetForRetry(id string) error {
	res, err := db.Exec(`UPDATE messages SET sync_status = 'pending', retry_count = 0, last_sync_attempt = 0
		WHERE id = ? AND sync_status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("reset message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("reset message %s: %w", id, ErrNotFound)
	}
	return nil
}

// UnreadMessages returns the messages of a conversation that userID has not
// read and did not send.
func (db *DB) UnreadMessages(conversationID, userID string) ([]Message, error) {
	msgs, err := db.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sender_id != ?
		ORDER BY timestamp ASC, id ASC`, conversationID, userID)
	if err != nil {
		return nil, err
	}
	unread := msgs[:0]
	for _, m := range msgs {
		if !slices.Contains(m.ReadBy, userID) {
			unread = append(unread, m)
		}
	}
	return unread, nil
}

func (db *DB) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m                        Message
		delivery, sync, readByJS string
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Text, &m.Timestamp,
		&delivery, &readByJS, &sync, &m.RetryCount, &m.LastSyncAttempt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.DeliveryStatus = DeliveryStatus(delivery)
	m.SyncStatus = SyncStatus(sync)
	readBy, err := decodeStrings(readByJS)
	if err != nil {
		return nil, fmt.Errorf("message %s read_by: %w", m.ID, err)
	}
	m.ReadBy = readBy
	return &m, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func orDefault[T ~string](v, def T) T {
	if v == "" {
		return def
	}
	return v
}
