package sync

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/docs"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// MarkRead marks every unread message of a conversation as read by the
// current user. Each message is updated locally first and rolled back if the
// remote write fails. It returns how many messages stayed read.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string) (int, error) {
	me := c.db.UserID()
	unread, err := c.db.UnreadMessages(conversationID, me)
	if err != nil {
		return 0, fmt.Errorf("mark read %s: %w", conversationID, err)
	}

	var (
		result *multierror.Error
		marked int
	)
	for _, m := range unread {
		readBy := append(append([]string(nil), m.ReadBy...), me)
		err := optimistic.Apply(ctx, optimistic.Update[[]string]{
			Snapshot:  m.ReadBy,
			Tentative: readBy,
			Write: func(v []string) error {
				if v == nil {
					v = []string{}
				}
				return c.db.UpdateMessage(m.ID, store.MessagePatch{ReadBy: v})
			},
			Commit: func(ctx context.Context) error {
				return c.remote.Upsert(ctx, docs.MessagePath(conversationID, m.ID),
					map[string]any{"readBy": readBy}, remote.UpsertOptions{Merge: true})
			},
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("message %s: %w", m.ID, err))
			continue
		}
		marked++
	}
	if marked > 0 {
		c.emit(bus.ConversationUpserted, map[string]string{"conversation_id": conversationID})
	}
	return marked, result.ErrorOrNil()
}
