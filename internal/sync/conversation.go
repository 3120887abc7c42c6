package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/docs"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// ErrNotParticipant is returned when the current user is missing from a new
// conversation's members.
var ErrNotParticipant = errors.New("sync: current user is not a participant")

// Participant is one member of a new conversation.
type Participant struct {
	ID   string
	Name string
}

// StartConversation creates a conversation locally and publishes it. Two
// members make a direct conversation whose id is derived from both ids, and
// starting it again returns the stored one. More members make a group.
//
// The local row is written first. The remote write is attempted once; when it
// fails the conversation is still usable and its first delivered message
// carries it to the remote store.
func (c *Coordinator) StartConversation(ctx context.Context, name string, members []Participant) (*store.Conversation, error) {
	if len(members) < 2 {
		return nil, fmt.Errorf("start conversation: need at least 2 members, got %d", len(members))
	}
	conv := &store.Conversation{Kind: store.KindGroup, Name: name}
	for _, p := range members {
		if p.ID == "" {
			return nil, fmt.Errorf("start conversation: empty member id")
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, p.ID)
		conv.ParticipantNames = append(conv.ParticipantNames, p.Name)
	}
	if !conv.HasParticipant(c.db.UserID()) {
		return nil, ErrNotParticipant
	}

	if len(members) == 2 {
		conv.Kind = store.KindDirect
		conv.Name = ""
		conv.ID = store.DirectConversationID(members[0].ID, members[1].ID)
		existing, err := c.db.GetConversation(conv.ID)
		if err != nil {
			return nil, fmt.Errorf("start conversation: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	} else {
		conv.ID = store.NewGroupConversationID()
	}
	now := c.opts.Now().UnixMilli()
	conv.CreatedAt, conv.UpdatedAt = now, now

	if err := c.db.UpsertConversation(conv); err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	c.emit(bus.ConversationUpserted, map[string]string{"conversation_id": conv.ID})

	c.mu.Lock()
	live := c.liveCtx
	c.mu.Unlock()
	if live != nil {
		if err := c.watchMessages(live, conv.ID); err != nil {
			c.logger.Warn("message listener not registered", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	err := c.remote.Upsert(ctx, docs.ConversationPath(conv.ID), docs.ConversationFields(conv), remote.UpsertOptions{Merge: true})
	if err != nil {
		c.logger.Info("conversation kept local until first delivery", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return conv, nil
}
