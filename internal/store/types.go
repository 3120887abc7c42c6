package store

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// DeliveryStatus is the remote-facing lifecycle of a message.
type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

// SyncStatus is the local outbound lifecycle of a message.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Conversation is a direct or group thread.
type Conversation struct {
	ID               string
	Kind             ConversationKind
	Name             string
	ParticipantIDs   []string
	ParticipantNames []string
	LastMessageText  string
	LastMessageAt    int64
	LastSenderID     string
	CreatedAt        int64
	UpdatedAt        int64

	// UnreadCount is derived on read and ignored on write.
	UnreadCount int
}

// Validate checks the invariants every stored conversation must hold.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("conversation: empty id")
	}
	if len(c.ParticipantIDs) != len(c.ParticipantNames) {
		return fmt.Errorf("conversation %s: %d participant ids but %d names",
			c.ID, len(c.ParticipantIDs), len(c.ParticipantNames))
	}
	switch c.Kind {
	case KindDirect, KindGroup:
	default:
		return fmt.Errorf("conversation %s: unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// DirectConversationID derives the id of the direct conversation between two
// users. The result does not depend on argument order.
func DirectConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// NewGroupConversationID returns a fresh random group id.
func NewGroupConversationID() string {
	return uuid.NewString()
}

// Message is a single chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	// Timestamp is the client send time in ms. The server never overwrites it.
	Timestamp       int64
	DeliveryStatus  DeliveryStatus
	ReadBy          []string
	SyncStatus      SyncStatus
	RetryCount      int
	LastSyncAttempt int64
	CreatedAt       int64
}

// MessagePatch is a partial update. Nil fields are left untouched.
type MessagePatch struct {
	SyncStatus      *SyncStatus
	RetryCount      *int
	LastSyncAttempt *int64
	DeliveryStatus  *DeliveryStatus
	ReadBy          []string
}

// SearchResult holds a message matched by a local search.
type SearchResult struct {
	Message Message
	Snippet string
}
