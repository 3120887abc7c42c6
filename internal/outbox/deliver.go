package outbox

import (
	"context"
	"fmt"
	"maps"

	"github.com/matheus3301/chatsync/internal/docs"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// Deliverer pushes one message to the remote store. Delivering the same
// message twice must leave a single remote copy.
type Deliverer interface {
	Deliver(ctx context.Context, m *store.Message) error
}

// RemoteDeliverer delivers through a remote.Store as an upsert keyed by the
// client message id, then pushes the conversation preview.
type RemoteDeliverer struct {
	Store remote.Store
	// DB, when set, is used to send the full conversation with the preview so
	// a conversation created offline exists remotely after its first message.
	DB *store.DB
}

// Deliver implements Deliverer.
func (d RemoteDeliverer) Deliver(ctx context.Context, m *store.Message) error {
	merge := remote.UpsertOptions{Merge: true}
	if err := d.Store.Upsert(ctx, docs.MessagePath(m.ConversationID, m.ID), docs.MessageFields(m), merge); err != nil {
		return fmt.Errorf("deliver %s: %w", m.ID, err)
	}
	if err := d.Store.Upsert(ctx, docs.ConversationPath(m.ConversationID), d.previewFields(m), merge); err != nil {
		return fmt.Errorf("preview %s: %w", m.ConversationID, err)
	}
	return nil
}

func (d RemoteDeliverer) previewFields(m *store.Message) map[string]any {
	preview := docs.PreviewFields(m)
	if d.DB == nil {
		return preview
	}
	conv, err := d.DB.GetConversation(m.ConversationID)
	if err != nil || conv == nil {
		return preview
	}
	fields := docs.ConversationFields(conv)
	maps.Copy(fields, preview)
	return fields
}
