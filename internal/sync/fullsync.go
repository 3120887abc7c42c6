package sync

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/docs"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Result summarizes a full sync. It is the payload of bus.SyncCompleted.
type Result struct {
	Conversations int
	Messages      int
}

type fetched struct {
	conv     *store.Conversation
	messages []*store.Message
}

// FullSync pulls the conversation list and recent history. Everything is
// fetched before anything is written, so a failed sync leaves the local store
// as it was. Concurrent calls are serialized.
func (c *Coordinator) FullSync(ctx context.Context) (Result, error) {
	c.fullMu.Lock()
	defer c.fullMu.Unlock()

	c.setStatus(status.Syncing)
	c.logger.Info("full sync started")

	batch, err := c.fetchAll(ctx)
	if err != nil {
		if remote.IsRetryable(err) {
			c.setStatus(status.Degraded)
		} else {
			c.setStatus(status.Error)
		}
		c.logger.Error("full sync failed", zap.Error(err))
		return Result{}, fmt.Errorf("full sync: %w", err)
	}

	var res Result
	for _, f := range batch {
		if err := c.IngestConversation(f.conv); err != nil {
			c.setStatus(status.Error)
			return res, err
		}
		res.Conversations++
		for _, m := range f.messages {
			if err := c.IngestMessage(ctx, m); err != nil {
				c.setStatus(status.Error)
				return res, err
			}
			res.Messages++
		}
		c.mu.Lock()
		live := c.liveCtx
		c.mu.Unlock()
		if live != nil {
			if err := c.watchMessages(live, f.conv.ID); err != nil {
				c.logger.Warn("message listener not registered", zap.String("conversation_id", f.conv.ID), zap.Error(err))
			}
		}
	}

	if err := c.reconciler.UpdateCheckpoint(CheckpointLastFullSync, c.opts.Now()); err != nil {
		c.logger.Warn("checkpoint not stored", zap.Error(err))
	}
	c.setStatus(status.Synced)
	c.emit(bus.SyncCompleted, res)
	c.logger.Info("full sync completed",
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Messages))
	return res, nil
}

func (c *Coordinator) fetchAll(ctx context.Context) ([]fetched, error) {
	q := remote.Query{OrderBy: "lastMessageAt", Desc: true}.
		Where("participantIds", remote.OpArrayContains, c.db.UserID())
	convDocs, err := c.query(ctx, docs.Conversations, q)
	if err != nil {
		return nil, err
	}

	batch := make([]fetched, 0, len(convDocs))
	for _, d := range convDocs {
		conv, err := docs.ConversationFromDocument(d)
		if err != nil {
			c.logger.Warn("skipping malformed conversation", zap.String("path", d.Path), zap.Error(err))
			continue
		}
		f := fetched{conv: conv}

		n, err := c.db.CountMessages(conv.ID)
		if err != nil {
			return nil, err
		}
		if n < c.opts.MinHistory {
			hq := remote.Query{OrderBy: "timestamp", Desc: true, Limit: c.opts.HistoryWindow}
			msgDocs, err := c.query(ctx, docs.MessagesCollection(conv.ID), hq)
			if err != nil {
				return nil, err
			}
			f.messages = c.normalizeMessages(msgDocs)
		}
		batch = append(batch, f)
	}
	return batch, nil
}

// CatchUp fetches the messages of a conversation newer than its watermark.
// It returns how many were merged.
func (c *Coordinator) CatchUp(ctx context.Context, conversationID string) (int, error) {
	wm, err := c.db.Watermark(conversationID)
	if err != nil {
		return 0, err
	}
	q := remote.Query{OrderBy: "timestamp"}.Where("timestamp", remote.OpGreater, remote.FromMillis(wm))
	msgDocs, err := c.queryWith(ctx, docs.MessagesCollection(conversationID), q, c.opts.CatchUpBackoff())
	if err != nil {
		return 0, fmt.Errorf("catch up %s: %w", conversationID, err)
	}
	msgs := c.normalizeMessages(msgDocs)
	for _, m := range msgs {
		if err := c.IngestMessage(ctx, m); err != nil {
			return 0, err
		}
	}
	return len(msgs), nil
}

// CatchUpAll catches up every local conversation. Permanent failures are
// collected and do not stop the others. A transient one ends the pass and the
// rest wait for the next reconnect.
func (c *Coordinator) CatchUpAll(ctx context.Context) error {
	convs, err := c.db.ListConversations()
	if err != nil {
		return err
	}
	var (
		result *multierror.Error
		total  int
	)
	for _, conv := range convs {
		n, err := c.CatchUp(ctx, conv.ID)
		if err != nil {
			result = multierror.Append(result, err)
			if remote.IsRetryable(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		total += n
	}
	if total > 0 {
		c.logger.Info("caught up", zap.Int("messages", total))
	}
	return result.ErrorOrNil()
}

// query runs one remote read, retrying transient failures.
func (c *Coordinator) query(ctx context.Context, collection string, q remote.Query) ([]remote.Document, error) {
	return c.queryWith(ctx, collection, q, c.opts.Backoff())
}

func (c *Coordinator) queryWith(ctx context.Context, collection string, q remote.Query, policy backoff.BackOff) ([]remote.Document, error) {
	var out []remote.Document
	op := func() error {
		docs, err := c.remote.Query(ctx, collection, q)
		if err != nil {
			if !remote.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			c.logger.Debug("remote query failed, retrying", zap.String("collection", collection), zap.Error(err))
			return err
		}
		out = docs
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) normalizeMessages(in []remote.Document) []*store.Message {
	out := make([]*store.Message, 0, len(in))
	for _, d := range in {
		m, err := docs.MessageFromDocument(d)
		if err != nil {
			c.logger.Warn("skipping malformed message", zap.String("path", d.Path), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out
}
