// Package outbox delivers locally written messages to the remote store with
// bounded retries.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/uistate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownConversation is returned by Send for a conversation not in the
// local store.
var ErrUnknownConversation = errors.New("outbox: unknown conversation")

// Options tunes a Queue.
type Options struct {
	// MaxRetries is the number of failed attempts after which a message is
	// marked failed.
	MaxRetries int
	// BackoffCap bounds the wait between attempts.
	BackoffCap    time.Duration
	FlushInterval time.Duration
	// Workers bounds how many conversations are flushed concurrently.
	Workers int
	// Online gates the background loop. Nil means always online.
	Online func() bool
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// SendResult is the payload of outbox bus events.
type SendResult struct {
	MessageID      string
	ConversationID string
	Attempt        int
	Err            string
}

// FlushStats summarizes one flush.
type FlushStats struct {
	Sent     int
	Retrying int
	Failed   int
	Deferred int
}

// Queue is the outbound queue of one profile.
type Queue struct {
	db      *store.DB
	deliver Deliverer
	bus     *bus.Bus
	ui      uistate.Container
	logger  *zap.Logger
	opts    Options

	flushMu sync.Mutex
	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue. ui may be nil.
func New(db *store.DB, d Deliverer, b *bus.Bus, ui uistate.Container, logger *zap.Logger, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Minute
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:      db,
		deliver: d,
		bus:     b,
		ui:      ui,
		logger:  logger,
		opts:    opts,
		kick:    make(chan struct{}, 1),
	}
}

// Backoff returns how long to wait after retry failed attempts:
// min(2^retry seconds, cap).
func (q *Queue) Backoff(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = q.opts.BackoffCap
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < retry && d < q.opts.BackoffCap; i++ {
		d = b.NextBackOff()
	}
	return min(d, q.opts.BackoffCap)
}

// Send writes a new message locally and schedules its delivery. The message
// and the conversation preview are visible to readers on return.
func (q *Queue) Send(conversationID, text string) (*store.Message, error) {
	conv, err := q.db.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("send to %s: %w", conversationID, ErrUnknownConversation)
	}

	me := q.db.UserID()
	now := q.opts.Now().UnixMilli()
	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       me,
		SenderName:     participantName(conv, me),
		Text:           text,
		Timestamp:      now,
		DeliveryStatus: store.DeliverySending,
		ReadBy:         []string{me},
		SyncStatus:     store.SyncPending,
		CreatedAt:      now,
	}
	if err := q.db.UpsertMessage(m); err != nil {
		return nil, err
	}

	conv.LastMessageText = text
	conv.LastMessageAt = now
	conv.LastSenderID = me
	if err := q.db.UpsertConversation(conv); err != nil {
		return nil, err
	}
	if q.bus != nil {
		q.bus.Emit(bus.MessageUpserted, map[string]string{"conversation_id": m.ConversationID, "message_id": m.ID})
	}
	q.Kick()
	return m, nil
}

// Retry re-arms a failed message and schedules a flush.
func (q *Queue) Retry(messageID string) error {
	if err := q.db.ResetForRetry(messageID); err != nil {
		return err
	}
	q.Kick()
	return nil
}

// Kick asks the background loop for a flush without waiting for it.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Start requeues messages interrupted mid-delivery and starts the loop that
// flushes on kicks, on reconnect and periodically.
func (q *Queue) Start(ctx context.Context) error {
	if n, err := q.db.RequeueInFlight(); err != nil {
		return err
	} else if n > 0 {
		q.logger.Info("requeued in-flight messages", zap.Int64("count", n))
	}

	ctx, q.cancel = context.WithCancel(ctx)
	var network <-chan bus.Event
	if q.bus != nil {
		ch, unsub := q.bus.Subscribe(bus.NetworkOnline, 4)
		network = ch
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}

	q.wg.Add(1)
	go q.loop(ctx, network)
	q.Kick()
	return nil
}

// Stop ends the background loop and waits for an in-progress flush.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context, network <-chan bus.Event) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-network:
		case <-q.kick:
		case <-ticker.C:
		}
		if q.opts.Online != nil && !q.opts.Online() {
			continue
		}
		if _, err := q.Flush(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("flush failed", zap.Error(err))
		}
	}
}

// Flush attempts every due message once. Conversations are processed
// concurrently; within a conversation messages go out in client timestamp
// order and a message that is not delivered holds back the ones after it.
// Only local storage errors are returned.
func (q *Queue) Flush(ctx context.Context) (FlushStats, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	pending, err := q.db.ListPendingMessages()
	if err != nil {
		return FlushStats{}, fmt.Errorf("list pending: %w", err)
	}

	var (
		order  []string
		groups = make(map[string][]store.Message)
	)
	for _, m := range pending {
		if _, ok := groups[m.ConversationID]; !ok {
			order = append(order, m.ConversationID)
		}
		groups[m.ConversationID] = append(groups[m.ConversationID], m)
	}

	var (
		mu     sync.Mutex
		stats  FlushStats
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.opts.Workers)
	for _, cid := range order {
		cid := cid
		msgs := groups[cid]
		g.Go(func() error {
			s, err := q.flushConversation(gctx, msgs)
			mu.Lock()
			stats.Sent += s.Sent
			stats.Retrying += s.Retrying
			stats.Failed += s.Failed
			stats.Deferred += s.Deferred
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("conversation %s: %w", cid, err))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	q.publishCounts()
	if stats.Sent+stats.Retrying+stats.Failed > 0 {
		q.logger.Info("outbox flushed",
			zap.Int("sent", stats.Sent),
			zap.Int("retrying", stats.Retrying),
			zap.Int("failed", stats.Failed),
			zap.Int("deferred", stats.Deferred))
	}
	return stats, result.ErrorOrNil()
}

func (q *Queue) flushConversation(ctx context.Context, msgs []store.Message) (FlushStats, error) {
	var stats FlushStats
	for i := range msgs {
		m := msgs[i]
		if err := ctx.Err(); err != nil {
			return stats, nil
		}
		if m.SyncStatus == store.SyncFailed {
			continue
		}
		if m.RetryCount >= q.opts.MaxRetries {
			if err := q.markFailed(&m, "retry limit reached"); err != nil {
				return stats, err
			}
			stats.Failed++
			continue
		}
		if !q.due(&m) {
			stats.Deferred += len(msgs) - i
			return stats, nil
		}

		outcome, err := q.attempt(ctx, &m)
		if err != nil {
			return stats, err
		}
		switch outcome {
		case store.SyncSynced:
			stats.Sent++
		case store.SyncFailed:
			stats.Failed++
		default:
			stats.Retrying++
			stats.Deferred += len(msgs) - i - 1
			return stats, nil
		}
	}
	return stats, nil
}

func (q *Queue) due(m *store.Message) bool {
	if m.LastSyncAttempt == 0 {
		return true
	}
	next := time.UnixMilli(m.LastSyncAttempt).Add(q.Backoff(m.RetryCount))
	return !q.opts.Now().Before(next)
}

// attempt delivers one message through the optimistic helper and returns the
// sync status it ended in.
func (q *Queue) attempt(ctx context.Context, m *store.Message) (store.SyncStatus, error) {
	tentative := *m
	tentative.SyncStatus = store.SyncSyncing
	tentative.LastSyncAttempt = q.opts.Now().UnixMilli()

	confirmed := tentative
	confirmed.SyncStatus = store.SyncSynced

	var deliverErr error
	err := optimistic.Apply(ctx, optimistic.Update[store.Message]{
		Snapshot:  *m,
		Tentative: tentative,
		Confirmed: &confirmed,
		Write:     q.writeState,
		Commit: func(ctx context.Context) error {
			deliverErr = q.deliver.Deliver(ctx, &tentative)
			return deliverErr
		},
		Settle: func(snapshot store.Message, cause error) store.Message {
			settled := tentative
			settled.RetryCount = snapshot.RetryCount + 1
			settled.SyncStatus = store.SyncPending
			if settled.RetryCount >= q.opts.MaxRetries || !remote.IsRetryable(cause) {
				settled.SyncStatus = store.SyncFailed
			}
			return settled
		},
	})
	if deliverErr == nil {
		if err != nil {
			return "", err
		}
		q.logger.Debug("message delivered", zap.String("message_id", m.ID))
		q.emit(bus.OutboxSent, m, m.RetryCount+1, nil)
		return store.SyncSynced, nil
	}

	// The rollback write decides the final state; read it back.
	if errors.Is(err, optimistic.ErrRollback) {
		return "", fmt.Errorf("record failed delivery of %s: %w", m.ID, err)
	}
	stored, readErr := q.db.GetMessage(m.ID)
	if readErr != nil || stored == nil {
		return "", errors.Join(err, readErr)
	}
	if stored.SyncStatus == store.SyncSyncing {
		return "", fmt.Errorf("message %s left in flight: %w", m.ID, err)
	}
	if stored.SyncStatus == store.SyncFailed {
		q.logger.Warn("message delivery failed permanently",
			zap.String("message_id", m.ID), zap.Int("attempts", stored.RetryCount), zap.Error(deliverErr))
		q.emit(bus.OutboxFailed, m, stored.RetryCount, deliverErr)
		return store.SyncFailed, nil
	}
	q.logger.Info("message delivery failed, will retry",
		zap.String("message_id", m.ID),
		zap.Int("retry", stored.RetryCount),
		zap.Duration("backoff", q.Backoff(stored.RetryCount)),
		zap.Error(deliverErr))
	return store.SyncPending, nil
}

// writeState records the sync fields of m. Delivery status only moves from
// sending to sent; a remote delivered or read merged meanwhile is kept.
func (q *Queue) writeState(m store.Message) error {
	err := q.db.UpdateMessage(m.ID, store.MessagePatch{
		SyncStatus:      &m.SyncStatus,
		RetryCount:      &m.RetryCount,
		LastSyncAttempt: &m.LastSyncAttempt,
	})
	if err != nil || m.SyncStatus != store.SyncSynced {
		return err
	}
	return q.db.PromoteDelivery(m.ID, store.DeliverySending, store.DeliverySent)
}

func (q *Queue) markFailed(m *store.Message, reason string) error {
	failed := store.SyncFailed
	if err := q.db.UpdateMessage(m.ID, store.MessagePatch{SyncStatus: &failed}); err != nil {
		return err
	}
	q.emit(bus.OutboxFailed, m, m.RetryCount, errors.New(reason))
	return nil
}

func (q *Queue) emit(kind string, m *store.Message, attempt int, err error) {
	if q.bus == nil {
		return
	}
	res := SendResult{MessageID: m.ID, ConversationID: m.ConversationID, Attempt: attempt}
	if err != nil {
		res.Err = err.Error()
	}
	q.bus.Emit(kind, res)
}

func (q *Queue) publishCounts() {
	if q.ui == nil {
		return
	}
	if n, err := q.db.CountBySyncStatus(store.SyncPending); err == nil {
		q.ui.Set(uistate.KeyOutboxPending, n)
	}
	if n, err := q.db.CountBySyncStatus(store.SyncFailed); err == nil {
		q.ui.Set(uistate.KeyOutboxFailed, n)
	}
}

func participantName(c *store.Conversation, userID string) string {
	for i, id := range c.ParticipantIDs {
		if id == userID && i < len(c.ParticipantNames) {
			return c.ParticipantNames[i]
		}
	}
	return ""
}
