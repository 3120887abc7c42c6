// Package docs maps local records to remote documents and back. Every value
// read from the remote store passes through the normalizers here, so the rest
// of the core only sees typed store records with int millisecond times.
package docs

import (
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// Collection and document paths.
const (
	Conversations = "conversations"
	Users         = "users"
)

// ConversationPath is the document path of a conversation.
func ConversationPath(id string) string {
	return remote.Join(Conversations, id)
}

// MessagesCollection is the collection of a conversation's messages.
func MessagesCollection(conversationID string) string {
	return remote.Join(Conversations, conversationID, "messages")
}

// MessagePath is the document path of a message.
func MessagePath(conversationID, messageID string) string {
	return remote.Join(MessagesCollection(conversationID), messageID)
}

// WatermarksPath holds one field per conversation with the user's watermark.
func WatermarksPath(userID string) string {
	return remote.Join(Users, userID, "state", "watermarks")
}

// ConversationFields encodes a conversation for an upsert.
func ConversationFields(c *store.Conversation) map[string]any {
	return map[string]any{
		"type":             string(c.Kind),
		"name":             c.Name,
		"participantIds":   toAny(c.ParticipantIDs),
		"participantNames": toAny(c.ParticipantNames),
		"lastMessageText":  c.LastMessageText,
		"lastMessageAt":    remote.FromMillis(c.LastMessageAt),
		"lastSenderId":     c.LastSenderID,
		"createdAt":        remote.FromMillis(c.CreatedAt),
		"updatedAt":        remote.ServerTimestamp,
	}
}

// PreviewFields encodes the last-message preview a new message produces.
func PreviewFields(m *store.Message) map[string]any {
	return map[string]any{
		"lastMessageText": m.Text,
		"lastMessageAt":   remote.FromMillis(m.Timestamp),
		"lastSenderId":    m.SenderID,
		"updatedAt":       remote.ServerTimestamp,
	}
}

// MessageFields encodes a message for delivery. The delivery status sent is
// what the remote copy starts with.
func MessageFields(m *store.Message) map[string]any {
	return map[string]any{
		"conversationId":  m.ConversationID,
		"senderId":        m.SenderID,
		"senderName":      m.SenderName,
		"text":            m.Text,
		"timestamp":       remote.FromMillis(m.Timestamp),
		"clientTimestamp": m.Timestamp,
		"deliveryStatus":  string(store.DeliverySent),
		"readBy":          toAny(m.ReadBy),
	}
}

// ConversationFromDocument normalizes a remote conversation. It accepts the
// flat preview fields as well as a nested lastMessage object.
func ConversationFromDocument(d remote.Document) (*store.Conversation, error) {
	f := d.Fields
	c := &store.Conversation{
		ID:               d.ID(),
		Kind:             store.ConversationKind(str(f["type"])),
		Name:             str(f["name"]),
		ParticipantIDs:   strs(f["participantIds"]),
		ParticipantNames: strs(f["participantNames"]),
		LastMessageText:  str(f["lastMessageText"]),
		LastMessageAt:    millis(f["lastMessageAt"]),
		LastSenderID:     str(f["lastSenderId"]),
		CreatedAt:        millis(f["createdAt"]),
		UpdatedAt:        millis(f["updatedAt"]),
	}
	if last, ok := f["lastMessage"].(map[string]any); ok {
		c.LastMessageText = str(last["text"])
		c.LastSenderID = str(last["senderId"])
		c.LastMessageAt = millis(last["timestamp"])
	}
	if c.Kind == "" {
		c.Kind = store.KindDirect
		if len(c.ParticipantIDs) > 2 {
			c.Kind = store.KindGroup
		}
	}
	// Names are denormalized; pad or trim so they stay index-aligned.
	if len(c.ParticipantNames) != len(c.ParticipantIDs) {
		names := make([]string, len(c.ParticipantIDs))
		copy(names, c.ParticipantNames)
		c.ParticipantNames = names
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("normalize %s: %w", d.Path, err)
	}
	return c, nil
}

// MessageFromDocument normalizes a remote message. The conversation id comes
// from the document path when the field is absent.
func MessageFromDocument(d remote.Document) (*store.Message, error) {
	f := d.Fields
	m := &store.Message{
		ID:             d.ID(),
		ConversationID: str(f["conversationId"]),
		SenderID:       str(f["senderId"]),
		SenderName:     str(f["senderName"]),
		Text:           str(f["text"]),
		DeliveryStatus: store.DeliveryStatus(str(f["deliveryStatus"])),
		ReadBy:         strs(f["readBy"]),
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationOf(d.Path)
	}
	// The client timestamp is authoritative; the store-native one is a fallback.
	if ts, ok := remote.Millis(f["clientTimestamp"]); ok && ts > 0 {
		m.Timestamp = ts
	} else {
		m.Timestamp = millis(f["timestamp"])
	}
	switch m.DeliveryStatus {
	case store.DeliverySending, store.DeliverySent, store.DeliveryDelivered, store.DeliveryRead:
	default:
		m.DeliveryStatus = store.DeliverySent
	}
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return nil, fmt.Errorf("normalize %s: missing id, conversation or sender", d.Path)
	}
	return m, nil
}

// conversationOf extracts the conversation id from
// conversations/{id}/messages/{mid}.
func conversationOf(p string) string {
	parts := strings.Split(p, "/")
	if len(parts) == 4 && parts[0] == Conversations && parts[2] == "messages" {
		return parts[1]
	}
	return ""
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func millis(v any) int64 {
	ms, _ := remote.Millis(v)
	return ms
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
