package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `c.id, c.kind, c.name, c.participant_ids, c.participant_names,
	c.last_message_text, c.last_message_at, c.last_sender_id, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = c.id AND m.sender_id != ?1
		AND NOT EXISTS (SELECT 1 FROM json_each(m.read_by) WHERE json_each.value = ?1))`

// UpsertConversation inserts or updates a conversation keyed by id. The last
// message preview only moves forward in time, so a stale remote snapshot never
// hides a newer local preview.
func (db *DB) UpsertConversation(c *Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	ids, err := encodeStrings(c.ParticipantIDs)
	if err != nil {
		return err
	}
	names, err := encodeStrings(c.ParticipantNames)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	createdAt := c.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, kind, name, participant_ids, participant_names,
			last_message_text, last_message_at, last_sender_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			participant_ids = excluded.participant_ids,
			participant_names = excluded.participant_names,
			last_message_text = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_text ELSE conversations.last_message_text END,
			last_sender_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_sender_id ELSE conversations.last_sender_id END,
			last_message_at = MAX(excluded.last_message_at, conversations.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, string(c.Kind), c.Name, ids, names,
		c.LastMessageText, c.LastMessageAt, c.LastSenderID, createdAt, now)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// ListConversations returns every conversation, most recent activity first.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`SELECT `+conversationColumns+`
		FROM conversations c
		ORDER BY c.last_message_at DESC, c.id ASC`, db.userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if it is unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+`
		FROM conversations c WHERE c.id = ?2`, db.userID, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var (
		c          Conversation
		kind       string
		ids, names string
	)
	if err := s.Scan(&c.ID, &kind, &c.Name, &ids, &names,
		&c.LastMessageText, &c.LastMessageAt, &c.LastSenderID, &c.CreatedAt, &c.UpdatedAt,
		&c.UnreadCount); err != nil {
		return nil, err
	}
	c.Kind = ConversationKind(kind)
	var err error
	if c.ParticipantIDs, err = decodeStrings(ids); err != nil {
		return nil, fmt.Errorf("conversation %s participant ids: %w", c.ID, err)
	}
	if c.ParticipantNames, err = decodeStrings(names); err != nil {
		return nil, fmt.Errorf("conversation %s participant names: %w", c.ID, err)
	}
	return &c, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	var v []string
	if s == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
