package analysis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAnalyzer struct {
	calls  atomic.Int32
	result Result
	err    error
}

func (a *countingAnalyzer) Analyze(context.Context, string, []store.Message, Options) (Result, error) {
	a.calls.Add(1)
	return a.result, a.err
}

func testCache(t *testing.T, next Analyzer) *Cache {
	t.Helper()
	db, err := OpenDB("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewCache(db, next, time.Hour, nil)
}

var sample = []store.Message{
	{ID: "m1", SenderID: "alice", Text: "can you call me asap?", Timestamp: 1000},
	{ID: "m2", SenderID: "alice", Text: "it's urgent", Timestamp: 2000},
}

func TestKeywordsCountsUrgentMessages(t *testing.T) {
	res, err := DefaultKeywords.Analyze(context.Background(), "c1", append(sample, store.Message{ID: "m3", Text: "thanks"}), Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Signals.HasUrgent)
	assert.Equal(t, 2, res.Signals.UrgentCount)
}

func TestHTTPClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(Handler(DefaultKeywords))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.Client())
	res, err := c.Analyze(context.Background(), "c1", sample, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, Signals{HasUrgent: true, UrgentCount: 2}, res.Signals)
	assert.False(t, res.FetchedAt.IsZero())
}

func TestHTTPClientServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"success":false,"errorCode":"rate_limited"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL, srv.Client()).Analyze(context.Background(), "c1", sample, Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "rate_limited", res.ErrorCode)
}

func TestHTTPClientHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClient(srv.URL, srv.Client()).Analyze(ctx, "c1", sample, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCacheReusesIdenticalInput(t *testing.T) {
	next := &countingAnalyzer{result: Result{Success: true, Signals: Signals{HasUrgent: true, UrgentCount: 1}}}
	c := testCache(t, next)
	ctx := context.Background()

	first, err := c.Analyze(ctx, "c1", sample, Options{})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.Analyze(ctx, "c1", sample, Options{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Signals, second.Signals)
	assert.EqualValues(t, 1, next.calls.Load())

	// New input is analysed again.
	changed := append([]store.Message(nil), sample...)
	changed = append(changed, store.Message{ID: "m3", Text: "hello", Timestamp: 3000})
	_, err = c.Analyze(ctx, "c1", changed, Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.calls.Load())

	// Force refresh bypasses the cache.
	_, err = c.Analyze(ctx, "c1", changed, Options{ForceRefresh: true})
	require.NoError(t, err)
	assert.EqualValues(t, 3, next.calls.Load())
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	next := &countingAnalyzer{result: Result{Success: true}}
	c := testCache(t, next)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Analyze(context.Background(), "c1", sample, Options{})
	require.NoError(t, err)
	_, ok := c.Lookup("c1")
	require.True(t, ok)

	now = now.Add(time.Hour)
	_, ok = c.Lookup("c1")
	assert.False(t, ok, "entry should be stale after the TTL")

	_, err = c.Analyze(context.Background(), "c1", sample, Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCacheSkipsFailures(t *testing.T) {
	next := &countingAnalyzer{result: Result{Success: false, ErrorCode: "quota"}}
	c := testCache(t, next)

	res, err := c.Analyze(context.Background(), "c1", sample, Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	_, ok := c.Lookup("c1")
	assert.False(t, ok)

	next.err = errors.New("offline")
	_, err = c.Analyze(context.Background(), "c1", sample, Options{})
	assert.Error(t, err)
	_, ok = c.Lookup("c1")
	assert.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c := testCache(t, &countingAnalyzer{result: Result{Success: true}})
	_, err := c.Analyze(context.Background(), "c1", sample, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Invalidate("c1"))
	_, ok := c.Lookup("c1")
	assert.False(t, ok)
}

func TestDigestIsOrderSensitive(t *testing.T) {
	reversed := []store.Message{sample[1], sample[0]}
	assert.NotEqual(t, Digest(sample), Digest(reversed))
	assert.Equal(t, Digest(sample), Digest(append([]store.Message(nil), sample...)))
}
