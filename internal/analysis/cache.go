package analysis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultTTL is how long cached signals stay valid.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "signal:"

type entry struct {
	Digest    []byte  `cbor:"digest"`
	Signals   Signals `cbor:"signals"`
	FetchedAt int64   `cbor:"fetched_at"`
}

// Cache wraps an Analyzer with a badger-backed TTL cache keyed by
// conversation. An entry is reused only when the analysed messages are
// unchanged. Failed analyses are never cached.
type Cache struct {
	db     *badger.DB
	next   Analyzer
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewCache creates a cache in front of next.
func NewCache(db *badger.DB, next Analyzer, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: db, next: next, ttl: ttl, logger: logger, now: time.Now}
}

// OpenDB opens the badger database backing a Cache. An empty dir keeps it in
// memory.
func OpenDB(dir string, logger *zap.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger == nil {
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open analysis cache: %w", err)
	}
	return db, nil
}

// Analyze implements Analyzer.
func (c *Cache) Analyze(ctx context.Context, conversationID string, messages []store.Message, opts Options) (Result, error) {
	digest := Digest(messages)
	if !opts.ForceRefresh {
		if e, ok := c.get(conversationID); ok && bytes.Equal(e.Digest, digest) {
			return e.result(), nil
		}
	}

	res, err := c.next.Analyze(ctx, conversationID, messages, opts)
	if err != nil || !res.Success {
		return res, err
	}
	if res.FetchedAt.IsZero() {
		res.FetchedAt = c.now()
	}
	if err := c.put(conversationID, entry{Digest: digest, Signals: res.Signals, FetchedAt: res.FetchedAt.UnixMilli()}); err != nil {
		c.logger.Warn("analysis not cached", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return res, nil
}

// Lookup returns the cached signals of a conversation whatever input produced
// them, as long as they are within the TTL.
func (c *Cache) Lookup(conversationID string) (Result, bool) {
	e, ok := c.get(conversationID)
	if !ok {
		return Result{}, false
	}
	return e.result(), true
}

// Invalidate drops the cached signals of a conversation.
func (c *Cache) Invalidate(conversationID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + conversationID))
	})
}

func (c *Cache) get(conversationID string) (entry, bool) {
	var e entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + conversationID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &e)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("analysis cache read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return entry{}, false
	}
	// Badger expiry runs on the wall clock; the entry time covers injected
	// clocks too.
	if c.now().Sub(time.UnixMilli(e.FetchedAt)) >= c.ttl {
		return entry{}, false
	}
	return e, true
}

func (c *Cache) put(conversationID string, e entry) error {
	b, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(keyPrefix+conversationID), b).WithTTL(c.ttl))
	})
}

func (e entry) result() Result {
	return Result{Success: true, Signals: e.Signals, FetchedAt: time.UnixMilli(e.FetchedAt), Cached: true}
}

// Digest fingerprints the analysed input: message ids, senders, texts and
// times in order.
func Digest(messages []store.Message) []byte {
	h := sha256.New()
	var buf [8]byte
	for _, m := range messages {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
		h.Write([]byte(m.SenderID))
		h.Write([]byte{0})
		h.Write([]byte(m.Text))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(buf[:], uint64(m.Timestamp))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...any)   { l.s.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...any) { l.s.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...any)    { l.s.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...any)   { l.s.Debugf(f, args...) }
