package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/docs"
	"github.com/matheus3301/chatsync/internal/listeners"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

const me = "u-me"

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path, me)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func quickBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

type fixture struct {
	db    *store.DB
	mem   *remote.Memory
	bus   *bus.Bus
	state *status.Machine
	lm    *listeners.Manager
	c     *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: testDB(t), mem: remote.NewMemory(), bus: bus.New(), lm: listeners.NewManager(nil)}
	f.state = status.NewMachine(f.bus, nil)
	f.c = NewCoordinator(f.db, f.mem, f.lm, f.state, f.bus, nil, Options{
		MinHistory:    2,
		HistoryWindow:  3,
		Backoff:        quickBackoff,
		CatchUpBackoff: quickBackoff,
	})
	t.Cleanup(f.c.Stop)
	return f
}

func (f *fixture) remoteConversation(t *testing.T, other string, lastAt int64) string {
	t.Helper()
	c := &store.Conversation{
		ID:               store.DirectConversationID(me, other),
		Kind:             store.KindDirect,
		ParticipantIDs:   []string{me, other},
		ParticipantNames: []string{"Me", other},
		LastMessageText:  "hey",
		LastMessageAt:    lastAt,
		LastSenderID:     other,
	}
	if err := f.mem.Upsert(context.Background(), docs.ConversationPath(c.ID), docs.ConversationFields(c), remote.UpsertOptions{}); err != nil {
		t.Fatal(err)
	}
	return c.ID
}

func (f *fixture) remoteMessage(t *testing.T, cid, id, sender string, ts int64) {
	t.Helper()
	m := &store.Message{ID: id, ConversationID: cid, SenderID: sender, SenderName: sender, Text: "msg " + id, Timestamp: ts}
	if err := f.mem.Upsert(context.Background(), docs.MessagePath(cid, id), docs.MessageFields(m), remote.UpsertOptions{}); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFullSyncPopulatesStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.remoteConversation(t, "alice", 5000)
	for i, ts := range []int64{1000, 2000, 3000, 4000} {
		f.remoteMessage(t, alice, string(rune('a'+i)), "alice", ts)
	}
	// Not a participant: never synced.
	_ = f.mem.Upsert(ctx, docs.ConversationPath("x_y"), map[string]any{
		"participantIds": []any{"x", "y"}, "participantNames": []any{"X", "Y"},
	}, remote.UpsertOptions{})

	done, unsub := f.bus.Subscribe(bus.SyncCompleted, 1)
	defer unsub()

	res, err := f.c.FullSync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conversations != 1 || res.Messages != 3 {
		t.Errorf("result = %+v, want 1 conversation and 3 messages", res)
	}

	convs, _ := f.db.ListConversations()
	if len(convs) != 1 || convs[0].ID != alice {
		t.Fatalf("conversations = %+v", convs)
	}
	msgs, _ := f.db.ListMessages(alice, 10)
	if len(msgs) != 3 || msgs[0].Timestamp != 2000 || msgs[2].Timestamp != 4000 {
		t.Errorf("history window = %+v, want the 3 most recent", msgs)
	}
	if msgs[0].SyncStatus != store.SyncSynced {
		t.Errorf("sync status = %s, want synced", msgs[0].SyncStatus)
	}
	if wm, _ := f.db.Watermark(alice); wm != 4000 {
		t.Errorf("watermark = %d, want 4000", wm)
	}
	if f.state.Current() != status.Synced {
		t.Errorf("status = %s, want SYNCED", f.state.Current())
	}
	if at, _ := f.c.Reconciler().GetCheckpoint(CheckpointLastFullSync); at.IsZero() {
		t.Error("last full sync checkpoint not stored")
	}
	select {
	case evt := <-done:
		if evt.Payload.(Result) != res {
			t.Errorf("completed payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no sync.completed event")
	}
}

func TestFullSyncSkipsHistoryWhenEnoughLocally(t *testing.T) {
	f := newFixture(t)
	alice := f.remoteConversation(t, "alice", 5000)
	f.remoteMessage(t, alice, "m1", "alice", 1000)
	f.remoteMessage(t, alice, "m2", "alice", 2000)

	if _, err := f.c.FullSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.remoteMessage(t, alice, "m3", "alice", 3000)

	res, err := f.c.FullSync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 0 {
		t.Errorf("messages = %d, want 0 once min history is met", res.Messages)
	}
}

func TestFailedFullSyncLeavesStoreIntact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remoteConversation(t, "alice", 1000)
	f.remoteMessage(t, alice, "m1", "alice", 1000)
	if _, err := f.c.FullSync(ctx); err != nil {
		t.Fatal(err)
	}

	bob := f.remoteConversation(t, "bob", 9000)
	f.remoteMessage(t, bob, "m2", "bob", 9000)

	var (
		mu    gosync.Mutex
		calls int
	)
	f.mem.SetFault(func(op, p string) error {
		if op == remote.OperationQuery && p == docs.MessagesCollection(bob) {
			mu.Lock()
			calls++
			mu.Unlock()
			return remote.ErrUnavailable
		}
		return nil
	})

	if _, err := f.c.FullSync(ctx); !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls != 3 {
		t.Errorf("history query attempts = %d, want 3", calls)
	}
	if conv, _ := f.db.GetConversation(bob); conv != nil {
		t.Error("partial sync wrote a conversation")
	}
	if n, _ := f.db.CountMessages(alice); n != 1 {
		t.Errorf("alice messages = %d, want 1", n)
	}
	if f.state.Current() != status.Degraded {
		t.Errorf("status = %s, want DEGRADED", f.state.Current())
	}
}

func TestFullSyncDoesNotRetryPermanentErrors(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.mem.SetFault(func(op, _ string) error {
		calls++
		return remote.ErrPermissionDenied
	})
	if _, err := f.c.FullSync(context.Background()); !errors.Is(err, remote.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
	if f.state.Current() != status.Error {
		t.Errorf("status = %s, want ERROR", f.state.Current())
	}
}

func TestMergePreservesClientTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid := store.DirectConversationID(me, "alice")

	local := &store.Message{
		ID: "m1", ConversationID: cid, SenderID: me, Text: "hi",
		Timestamp: 1000, SyncStatus: store.SyncPending, RetryCount: 2,
	}
	if err := f.db.UpsertMessage(local); err != nil {
		t.Fatal(err)
	}

	// The remote copy carries a server time and a newer delivery status.
	doc := remote.Document{
		Path: docs.MessagePath(cid, "m1"),
		Fields: map[string]any{
			"senderId":       me,
			"text":           "hi",
			"timestamp":      remote.FromMillis(7000),
			"deliveryStatus": "delivered",
			"readBy":         []any{me, "alice"},
		},
	}
	if _, err := f.c.ApplyMessageChange(ctx, remote.Change{Type: remote.Modified, Document: doc}); err != nil {
		t.Fatal(err)
	}

	got, _ := f.db.GetMessage("m1")
	if got.Timestamp != 1000 {
		t.Errorf("timestamp = %d, want client timestamp 1000", got.Timestamp)
	}
	if got.DeliveryStatus != store.DeliveryDelivered {
		t.Errorf("delivery = %s, want delivered", got.DeliveryStatus)
	}
	if got.SyncStatus != store.SyncSynced {
		t.Errorf("sync = %s, want synced", got.SyncStatus)
	}
	if len(got.ReadBy) != 2 {
		t.Errorf("readBy = %v", got.ReadBy)
	}
}

func TestWatermarkOnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid := store.DirectConversationID(me, "alice")

	for id, ts := range map[string]int64{"m-late": 3000, "m-early": 2000} {
		doc := remote.Document{
			Path:   docs.MessagePath(cid, id),
			Fields: map[string]any{"senderId": "alice", "clientTimestamp": ts},
		}
		if _, err := f.c.ApplyMessageChange(ctx, remote.Change{Type: remote.Added, Document: doc}); err != nil {
			t.Fatal(err)
		}
	}
	if wm, _ := f.db.Watermark(cid); wm != 3000 {
		t.Errorf("watermark = %d, want 3000", wm)
	}
	d, err := f.mem.Get(docs.WatermarksPath(me))
	if err != nil {
		t.Fatal(err)
	}
	if ms, _ := remote.Millis(d.Fields[cid]); ms != 3000 {
		t.Errorf("remote watermark = %v, want 3000", d.Fields[cid])
	}
}

func TestRemovedChangesAreIgnored(t *testing.T) {
	f := newFixture(t)
	cid := store.DirectConversationID(me, "alice")
	doc := remote.Document{Path: docs.ConversationPath(cid), Fields: map[string]any{
		"participantIds": []any{me, "alice"}, "participantNames": []any{"Me", "Alice"},
	}}
	conv, err := f.c.ApplyConversationChange(remote.Change{Type: remote.Removed, Document: doc})
	if err != nil || conv != nil {
		t.Fatalf("removed change = %v, %v", conv, err)
	}
	if c, _ := f.db.GetConversation(cid); c != nil {
		t.Error("removed change created a conversation")
	}
}

func TestLiveDeltasReachStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remoteConversation(t, "alice", 1000)
	if _, err := f.c.FullSync(ctx); err != nil {
		t.Fatal(err)
	}

	f.c.Start(ctx)
	if got := f.lm.Keys(); len(got) != 2 || got[0] != ConversationsKey || got[1] != MessagesKey(alice) {
		t.Fatalf("listener keys = %v", got)
	}

	f.remoteMessage(t, alice, "live", "alice", 2000)
	waitFor(t, "live message", func() bool {
		m, _ := f.db.GetMessage("live")
		return m != nil
	})

	// A new conversation gets its own message listener.
	bob := f.remoteConversation(t, "bob", 3000)
	waitFor(t, "bob listener", func() bool {
		_, ok := f.lm.Get(MessagesKey(bob))
		return ok
	})
	f.remoteMessage(t, bob, "from-bob", "bob", 3000)
	waitFor(t, "bob message", func() bool {
		m, _ := f.db.GetMessage("from-bob")
		return m != nil
	})
}

func TestPauseResumeAppliesLaterChangeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remoteConversation(t, "alice", 1000)
	f.remoteMessage(t, alice, "m1", "alice", 1000)
	if _, err := f.c.FullSync(ctx); err != nil {
		t.Fatal(err)
	}
	f.c.Start(ctx)
	waitFor(t, "listeners attached", func() bool { return f.mem.Subscribers() == 2 })

	statuses, unsubStatus := f.bus.Subscribe(bus.SyncStatusChanged, 16)
	defer unsubStatus()

	f.bus.Emit(bus.AppBackground, nil)
	waitFor(t, "listeners released", func() bool { return f.mem.Subscribers() == 0 })

	// Missed while in background; caught up on foreground.
	f.remoteMessage(t, alice, "m2", "alice", 2000)

	f.bus.Emit(bus.AppForeground, nil)
	deadline := time.After(3 * time.Second)
	for synced := false; !synced; {
		select {
		case evt := <-statuses:
			synced = evt.Payload.(status.StatusChange).To == status.Synced
		case <-deadline:
			t.Fatal("no SYNCED after foreground")
		}
	}
	if m, _ := f.db.GetMessage("m2"); m == nil {
		t.Fatal("message sent while paused was not caught up")
	}
	if n := f.mem.Subscribers(); n != 2 {
		t.Fatalf("subscribers after resume = %d, want 2", n)
	}
	if n := f.lm.Active(); n != 2 {
		t.Fatalf("active listeners = %d, want 2", n)
	}

	events, unsub := f.bus.Subscribe(bus.MessageUpserted, 16)
	defer unsub()
	f.remoteMessage(t, alice, "m3", "alice", 3000)
	waitFor(t, "m3", func() bool {
		m, _ := f.db.GetMessage("m3")
		return m != nil
	})
	time.Sleep(100 * time.Millisecond)

	applied := 0
	for done := false; !done; {
		select {
		case evt := <-events:
			if evt.Payload.(map[string]string)["message_id"] == "m3" {
				applied++
			}
		default:
			done = true
		}
	}
	if applied != 1 {
		t.Errorf("m3 applied %d times, want 1", applied)
	}
}

func TestOfflineEventSetsStatus(t *testing.T) {
	f := newFixture(t)
	f.c.Start(context.Background())
	f.bus.Emit(bus.NetworkOffline, nil)
	waitFor(t, "offline status", func() bool { return f.state.Current() == status.Offline })
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remoteConversation(t, "alice", 2000)
	f.remoteMessage(t, alice, "m1", "alice", 1000)
	f.remoteMessage(t, alice, "m2", "alice", 2000)
	if _, err := f.c.FullSync(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := f.c.MarkRead(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked = %d, want 2", n)
	}
	if unread, _ := f.db.UnreadMessages(alice, me); len(unread) != 0 {
		t.Errorf("still unread: %d", len(unread))
	}
	d, err := f.mem.Get(docs.MessagePath(alice, "m1"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := docs.MessageFromDocument(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.ReadBy) != 1 || m.ReadBy[0] != me {
		t.Errorf("remote readBy = %v", m.ReadBy)
	}
}

func TestMarkReadRollsBackOnRemoteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remoteConversation(t, "alice", 1000)
	f.remoteMessage(t, alice, "m1", "alice", 1000)
	if _, err := f.c.FullSync(ctx); err != nil {
		t.Fatal(err)
	}

	f.mem.SetFault(func(op, _ string) error {
		if op == remote.OperationUpsert {
			return remote.ErrPermissionDenied
		}
		return nil
	})
	if _, err := f.c.MarkRead(ctx, alice); !errors.Is(err, remote.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if unread, _ := f.db.UnreadMessages(alice, me); len(unread) != 1 {
		t.Errorf("unread = %d, want 1 after rollback", len(unread))
	}
}

func TestStartDirectConversationIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	members := []Participant{{ID: "bob", Name: "Bob"}, {ID: me, Name: "Me"}}

	first, err := f.c.StartConversation(ctx, "ignored", members)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != store.DirectConversationID(me, "bob") {
		t.Errorf("id = %q, want derived direct id", first.ID)
	}
	if first.Kind != store.KindDirect || first.Name != "" {
		t.Errorf("kind/name = %s/%q, want direct with no name", first.Kind, first.Name)
	}
	again, err := f.c.StartConversation(ctx, "", []Participant{{ID: me, Name: "Me"}, {ID: "bob", Name: "Bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || again.CreatedAt != first.CreatedAt {
		t.Errorf("second start = %+v, want stored %+v", again, first)
	}

	doc, err := f.mem.Get(docs.ConversationPath(first.ID))
	if err != nil {
		t.Fatalf("remote conversation: %v", err)
	}
	remoteConv, err := docs.ConversationFromDocument(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !remoteConv.HasParticipant("bob") {
		t.Errorf("remote participants = %v", remoteConv.ParticipantIDs)
	}
}

func TestStartGroupConversationOffline(t *testing.T) {
	f := newFixture(t)
	f.mem.SetFault(func(string, string) error { return remote.ErrUnavailable })

	conv, err := f.c.StartConversation(context.Background(), "team", []Participant{
		{ID: me, Name: "Me"}, {ID: "a", Name: "A"}, {ID: "b", Name: "B"},
	})
	if err != nil {
		t.Fatalf("offline start should succeed locally: %v", err)
	}
	if conv.Kind != store.KindGroup || conv.Name != "team" {
		t.Errorf("conv = %+v, want group named team", conv)
	}
	stored, err := f.db.GetConversation(conv.ID)
	if err != nil || stored == nil {
		t.Fatalf("stored = %v, err = %v", stored, err)
	}
	if len(stored.ParticipantNames) != 3 {
		t.Errorf("participant names = %v", stored.ParticipantNames)
	}
}

func TestStartConversationRequiresCurrentUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.StartConversation(context.Background(), "", []Participant{{ID: "a"}, {ID: "b"}})
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("err = %v, want ErrNotParticipant", err)
	}
	if _, err := f.c.StartConversation(context.Background(), "", []Participant{{ID: me}}); err == nil {
		t.Error("single member should be rejected")
	}
}

func (f *fixture) localConversations(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		other := fmt.Sprintf("user%d", i)
		c := &store.Conversation{
			ID:               store.DirectConversationID(me, other),
			Kind:             store.KindDirect,
			ParticipantIDs:   []string{me, other},
			ParticipantNames: []string{"Me", other},
		}
		if err := f.db.UpsertConversation(c); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) countMessageQueries(fail error) func() int {
	var (
		mu    gosync.Mutex
		calls int
	)
	f.mem.SetFault(func(op, p string) error {
		if op != remote.OperationQuery || p == docs.Conversations {
			return nil
		}
		mu.Lock()
		calls++
		mu.Unlock()
		return fail
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

func TestCatchUpAllStopsAtTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.localConversations(t, 6)
	calls := f.countMessageQueries(remote.ErrUnavailable)

	err := f.c.CatchUpAll(context.Background())
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	// One conversation with its retries: quickBackoff allows three attempts.
	if n := calls(); n != 3 {
		t.Errorf("queries = %d, want 3", n)
	}
}

func TestCatchUpAllContinuesPastPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.localConversations(t, 4)
	calls := f.countMessageQueries(remote.ErrPermissionDenied)

	if err := f.c.CatchUpAll(context.Background()); !errors.Is(err, remote.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if n := calls(); n != 4 {
		t.Errorf("queries = %d, want one per conversation", n)
	}
}

func TestReconnectSkipsCatchUpWhileOffline(t *testing.T) {
	f := newFixture(t)
	online := false
	f.c = NewCoordinator(f.db, f.mem, f.lm, f.state, f.bus, nil, Options{
		Backoff:        quickBackoff,
		CatchUpBackoff: quickBackoff,
		Online:         func() bool { return online },
	})
	t.Cleanup(f.c.Stop)
	f.localConversations(t, 3)
	calls := f.countMessageQueries(nil)

	f.c.Reconnect(context.Background())
	if n := calls(); n != 0 {
		t.Errorf("queries while offline = %d, want 0", n)
	}
	if got := f.state.Current(); got != status.Offline {
		t.Errorf("status = %s, want OFFLINE", got)
	}

	online = true
	f.c.Reconnect(context.Background())
	if n := calls(); n != 3 {
		t.Errorf("queries after reconnect = %d, want 3", n)
	}
	if got := f.state.Current(); got != status.Synced {
		t.Errorf("status = %s, want SYNCED", got)
	}
}
