package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/analysis"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/listeners"
	"github.com/matheus3301/chatsync/internal/netmon"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/priority"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/uistate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const me = "u-me"

type harness struct {
	db     *store.DB
	mem    *remote.Memory
	bus    *bus.Bus
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Short path to stay under the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "chatsync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "chatsync.db"), me)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{db: db, mem: remote.NewMemory(), bus: bus.New()}
	ui := uistate.New(h.bus)
	machine := status.NewMachine(h.bus, ui)
	lm := listeners.NewManager(nil)
	coord := intsync.NewCoordinator(db, h.mem, lm, machine, h.bus, nil, intsync.Options{})
	queue := outbox.New(db, outbox.RemoteDeliverer{Store: h.mem, DB: db}, h.bus, ui, nil, outbox.Options{})
	ranker := priority.NewEngine(db, analysis.DefaultKeywords, h.bus, ui, nil, priority.Options{})
	t.Cleanup(ranker.Stop)
	mon := netmon.New(h.bus, ui, nil, netmon.Options{InitialOnline: true, Debounce: 10 * time.Millisecond})
	t.Cleanup(mon.Stop)

	srv := grpc.NewServer()
	Register(srv, NewControl(Deps{
		Profile:   "test",
		UserName:  "Me",
		DB:        db,
		Status:    machine,
		Network:   mon,
		Outbox:    queue,
		Sync:      coord,
		Priority:  ranker,
		Listeners: lm,
		Bus:       h.bus,
	}))
	socketPath := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	h.client, err = Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func (h *harness) call(t *testing.T, method string, args map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.client.Call(ctx, method, args)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return out
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Errorf("code = %v (%v), want %v", got, err, code)
	}
}

func TestControlSendAndRead(t *testing.T) {
	h := newHarness(t)

	st := h.call(t, MethodGetStatus, nil)
	if st["profile"] != "test" || st["status"] != string(status.Idle) {
		t.Errorf("status = %v", st)
	}
	if st["online"] != true {
		t.Errorf("online = %v, want true", st["online"])
	}

	started := h.call(t, MethodStartConversation, map[string]any{
		"members": []any{map[string]any{"id": "bob", "name": "Bob"}},
	})
	conv := started["conversation"].(map[string]any)
	cid := conv["id"].(string)
	if cid != store.DirectConversationID(me, "bob") {
		t.Errorf("conversation id = %q", cid)
	}

	sent := h.call(t, MethodSendText, map[string]any{"conversationId": cid, "text": "hello bob"})
	msg := sent["message"].(map[string]any)
	if msg["syncStatus"] != string(store.SyncPending) {
		t.Errorf("syncStatus after send = %v, want pending", msg["syncStatus"])
	}

	flushed := h.call(t, MethodFlush, nil)
	if flushed["sent"] != float64(1) {
		t.Errorf("flush = %v, want 1 sent", flushed)
	}

	listed := h.call(t, MethodListMessages, map[string]any{"conversationId": cid})
	msgs := listed["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if got := msgs[0].(map[string]any)["syncStatus"]; got != string(store.SyncSynced) {
		t.Errorf("syncStatus after flush = %v, want synced", got)
	}

	found := h.call(t, MethodSearch, map[string]any{"query": "BOB"})
	results := found["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("search results = %d, want 1", len(results))
	}
	if snip := results[0].(map[string]any)["snippet"]; snip != "hello <<bob>>" {
		t.Errorf("snippet = %v", snip)
	}

	convs := h.call(t, MethodListConversations, map[string]any{"ranked": true})
	if list := convs["conversations"].([]any); len(list) != 1 {
		t.Errorf("conversations = %d, want 1", len(list))
	}
	ranked := h.call(t, MethodRank, nil)
	if scores := ranked["scores"].([]any); len(scores) != 1 {
		t.Errorf("scores = %d, want 1", len(scores))
	}
}

func TestControlRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Call(ctx, MethodSendText, map[string]any{"conversationId": "nope"})
	wantCode(t, err, codes.InvalidArgument)

	_, err = h.client.Call(ctx, MethodSendText, map[string]any{"conversationId": "nope", "text": "hi"})
	wantCode(t, err, codes.NotFound)

	_, err = h.client.Call(ctx, MethodRetryMessage, map[string]any{"messageId": "m-unknown"})
	wantCode(t, err, codes.FailedPrecondition)

	_, err = h.client.Call(ctx, MethodListMessages, nil)
	wantCode(t, err, codes.InvalidArgument)

	_, err = h.client.Call(ctx, MethodStartConversation, map[string]any{"members": []any{}})
	wantCode(t, err, codes.InvalidArgument)
}

func TestControlHealth(t *testing.T) {
	h := newHarness(t)
	ok, err := h.client.Healthy(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("control service not serving")
	}
}

func TestControlWatchEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan map[string]any, 1)
	go func() {
		_ = h.client.Watch(ctx, "app.", func(evt map[string]any) bool {
			got <- evt
			return false
		})
	}()

	// The subscription is set up asynchronously; repeat until it sees one.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case evt := <-got:
			if evt["kind"] != bus.AppBackground {
				t.Errorf("kind = %v, want %s", evt["kind"], bus.AppBackground)
			}
			if evt["payload"] != false {
				t.Errorf("payload = %v, want false", evt["payload"])
			}
			return
		case <-ticker.C:
			h.call(t, MethodSetForeground, map[string]any{"foreground": false})
		case <-ctx.Done():
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestControlSetNetworkIsDebounced(t *testing.T) {
	h := newHarness(t)
	events, unsub := h.bus.Subscribe("network.", 4)
	defer unsub()

	h.call(t, MethodSetNetwork, map[string]any{"online": false})
	select {
	case evt := <-events:
		if evt.Kind != bus.NetworkOffline {
			t.Errorf("kind = %s, want %s", evt.Kind, bus.NetworkOffline)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no network transition")
	}
	st := h.call(t, MethodGetStatus, nil)
	if st["online"] != false {
		t.Errorf("online = %v, want false", st["online"])
	}
}
