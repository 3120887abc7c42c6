// Package sync keeps the local store consistent with the remote document
// store: full sync, live deltas through listeners, and catch-up on reconnect.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/docs"
	"github.com/matheus3301/chatsync/internal/listeners"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Listener keys.
const (
	ConversationsKey     = "conversations"
	messagesKeyPrefix    = "messages:"
	defaultMinHistory    = 20
	defaultHistoryWindow = 50
)

// MessagesKey returns the listener key of a conversation's messages.
func MessagesKey(conversationID string) string {
	return messagesKeyPrefix + conversationID
}

// Options tunes a Coordinator.
type Options struct {
	// MinHistory is the local message count under which a full sync fetches
	// history for a conversation.
	MinHistory    int
	HistoryWindow int
	// Backoff builds the retry policy of one remote read. Nil means
	// exponential backoff giving up after 30s.
	Backoff func() backoff.BackOff
	// CatchUpBackoff is the retry policy of one catch-up read. Nil means
	// exponential backoff giving up after 5s.
	CatchUpBackoff func() backoff.BackOff
	// Online reports connectivity. Reconnect skips catch-up while it returns
	// false. Nil means always online.
	Online func() bool
	Now    func() time.Time
}

// Coordinator is the sync engine of one profile.
type Coordinator struct {
	db         *store.DB
	remote     remote.Store
	listeners  *listeners.Manager
	status     *status.Machine
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger
	opts       Options

	fullMu gosync.Mutex

	mu      gosync.Mutex
	liveCtx context.Context
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewCoordinator creates a coordinator. The status machine and bus are
// optional.
func NewCoordinator(db *store.DB, rs remote.Store, lm *listeners.Manager, sm *status.Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MinHistory <= 0 {
		opts.MinHistory = defaultMinHistory
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}
	if opts.CatchUpBackoff == nil {
		opts.CatchUpBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 5 * time.Second
			return b
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if lm == nil {
		lm = listeners.NewManager(logger)
	}
	return &Coordinator{
		db:         db,
		remote:     rs,
		listeners:  lm,
		status:     sm,
		bus:        b,
		reconciler: NewReconciler(db, rs, logger),
		logger:     logger,
		opts:       opts,
	}
}

// Reconciler returns the watermark keeper.
func (c *Coordinator) Reconciler() *Reconciler { return c.reconciler }

// Start registers the live listeners and reacts to network and app lifecycle
// events. Listener failures are logged; reconnect retries them.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.liveCtx, c.cancel = ctx, cancel
	c.mu.Unlock()

	if err := c.ensureListeners(ctx); err != nil {
		c.logger.Warn("listeners not registered", zap.Error(err))
	}
	if c.bus == nil {
		return
	}

	network, unsubNet := c.bus.Subscribe("network.", 16)
	app, unsubApp := c.bus.Subscribe("app.", 16)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsubNet()
		defer unsubApp()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-network:
				c.handleNetwork(ctx, evt)
			case evt := <-app:
				c.handleApp(ctx, evt)
			}
		}
	}()
}

// Stop cancels every listener and the event loop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.listeners.RemoveAll()
}

func (c *Coordinator) handleNetwork(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.NetworkOffline:
		c.setStatus(status.Offline)
	case bus.NetworkOnline:
		c.Reconnect(ctx)
	}
}

func (c *Coordinator) handleApp(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.AppBackground:
		c.listeners.PauseAll()
		c.logger.Info("listeners paused")
	case bus.AppForeground:
		c.Reconnect(ctx)
	}
}

// Reconnect resumes paused listeners, registers missing ones and catches every
// conversation up from its watermark. While offline only the listeners are
// touched; the network.online event brings the catch-up.
func (c *Coordinator) Reconnect(ctx context.Context) {
	if err := c.listeners.ResumeAll(); err != nil {
		c.logger.Warn("resume listeners", zap.Error(err))
	}
	if err := c.ensureListeners(ctx); err != nil {
		c.logger.Warn("register listeners", zap.Error(err))
	}
	if c.opts.Online != nil && !c.opts.Online() {
		c.logger.Debug("catch-up skipped while offline")
		c.setStatus(status.Offline)
		return
	}
	c.setStatus(status.Syncing)
	if err := c.CatchUpAll(ctx); err != nil {
		c.logger.Warn("catch-up incomplete", zap.Error(err))
		c.setStatus(status.Degraded)
		return
	}
	c.setStatus(status.Synced)
}

// ensureListeners registers the conversation list listener and one message
// listener per known conversation. Registered keys are left alone.
func (c *Coordinator) ensureListeners(ctx context.Context) error {
	if _, err := c.listeners.Register(ctx, ConversationsKey, c.openConversations, c.handleConversation); err != nil {
		return err
	}
	convs, err := c.db.ListConversations()
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := c.watchMessages(ctx, conv.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) watchMessages(ctx context.Context, conversationID string) error {
	if _, ok := c.listeners.Get(MessagesKey(conversationID)); ok {
		return nil
	}
	open := func(ctx context.Context) (remote.Stream, error) {
		wm, err := c.db.Watermark(conversationID)
		if err != nil {
			return nil, err
		}
		q := remote.Query{OrderBy: "timestamp"}.Where("timestamp", remote.OpGreater, remote.FromMillis(wm))
		return c.remote.Subscribe(ctx, docs.MessagesCollection(conversationID), q)
	}
	_, err := c.listeners.Register(ctx, MessagesKey(conversationID), open, c.handleMessage)
	return err
}

func (c *Coordinator) openConversations(ctx context.Context) (remote.Stream, error) {
	q := remote.Query{}.Where("participantIds", remote.OpArrayContains, c.db.UserID())
	return c.remote.Subscribe(ctx, docs.Conversations, q)
}

func (c *Coordinator) handleConversation(ctx context.Context, ch remote.Change) {
	conv, err := c.ApplyConversationChange(ch)
	if err != nil {
		c.logger.Error("failed to apply conversation change", zap.String("path", ch.Document.Path), zap.Error(err))
		return
	}
	if conv == nil {
		return
	}
	c.mu.Lock()
	live := c.liveCtx
	c.mu.Unlock()
	if live == nil {
		return
	}
	if err := c.watchMessages(live, conv.ID); err != nil {
		c.logger.Warn("message listener not registered", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, ch remote.Change) {
	if _, err := c.ApplyMessageChange(ctx, ch); err != nil {
		c.logger.Error("failed to apply message change", zap.String("path", ch.Document.Path), zap.Error(err))
	}
}

// ApplyConversationChange merges one conversation delta. Removals are ignored
// since conversations are never deleted locally. It returns the stored
// conversation, or nil when the change was skipped.
func (c *Coordinator) ApplyConversationChange(ch remote.Change) (*store.Conversation, error) {
	if ch.Type == remote.Removed {
		return nil, nil
	}
	conv, err := docs.ConversationFromDocument(ch.Document)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(c.db.UserID()) {
		return nil, nil
	}
	if err := c.IngestConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ApplyMessageChange merges one message delta and advances the watermark of
// its conversation. Removals are ignored.
func (c *Coordinator) ApplyMessageChange(ctx context.Context, ch remote.Change) (*store.Message, error) {
	if ch.Type == remote.Removed {
		return nil, nil
	}
	m, err := docs.MessageFromDocument(ch.Document)
	if err != nil {
		return nil, err
	}
	if err := c.IngestMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// IngestConversation stores a remote conversation (idempotent).
func (c *Coordinator) IngestConversation(conv *store.Conversation) error {
	if err := c.db.UpsertConversation(conv); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	c.emit(bus.ConversationUpserted, map[string]string{"conversation_id": conv.ID})
	return nil
}

// IngestMessage merges a remote message (idempotent) and advances the
// watermark.
func (c *Coordinator) IngestMessage(ctx context.Context, m *store.Message) error {
	if err := c.db.MergeRemoteMessage(m); err != nil {
		return fmt.Errorf("merge message: %w", err)
	}
	if _, err := c.reconciler.Advance(ctx, m.ConversationID, m.Timestamp); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	c.emit(bus.MessageUpserted, map[string]string{
		"conversation_id": m.ConversationID,
		"message_id":      m.ID,
	})
	return nil
}

func (c *Coordinator) emit(kind string, payload any) {
	if c.bus != nil {
		c.bus.Emit(kind, payload)
	}
}

func (c *Coordinator) setStatus(s status.State) {
	if c.status == nil {
		return
	}
	if err := c.status.Transition(s); err != nil {
		c.logger.Debug("status transition skipped", zap.Error(err))
	}
}
