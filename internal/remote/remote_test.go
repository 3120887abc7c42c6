package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func recv(t *testing.T, s Stream) Change {
	t.Helper()
	select {
	case c, ok := <-s.Changes():
		if !ok {
			t.Fatalf("stream closed: %v", s.Err())
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change")
	}
	return Change{}
}

func TestMillisNormalizesStoreNativeValues(t *testing.T) {
	want := int64(1700000000123)
	cases := map[string]any{
		"timestamp":   FromMillis(want),
		"pointer":     func() *Timestamp { ts := FromMillis(want); return &ts }(),
		"time":        time.UnixMilli(want),
		"int64":       want,
		"float":       float64(want),
		"json number": json.Number("1700000000123"),
		"rfc3339":     time.UnixMilli(want).UTC().Format(time.RFC3339Nano),
		"wire map":    map[string]any{"_seconds": json.Number("1700000000"), "_nanoseconds": json.Number("123000000")},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := Millis(v)
			if !ok {
				t.Fatalf("Millis(%v) not ok", v)
			}
			if got != want {
				t.Errorf("Millis = %d, want %d", got, want)
			}
		})
	}

	for _, bad := range []any{nil, "yesterday", map[string]any{"x": 1}, []any{}} {
		if _, ok := Millis(bad); ok {
			t.Errorf("Millis(%v) should fail", bad)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrUnavailable) {
		t.Error("unavailable should be retryable")
	}
	if IsRetryable(ErrPermissionDenied) || IsRetryable(ErrInvalidArgument) {
		t.Error("permission and argument errors are terminal")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestMemoryQueryFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i, id := range []string{"a", "b", "c"} {
		err := m.Upsert(ctx, Join("conversations", id), map[string]any{
			"participantIds": []any{"me", id},
			"lastMessageAt":  FromMillis(int64(1000 * (i + 1))),
		}, UpsertOptions{})
		if err != nil {
			t.Fatal(err)
		}
	}
	_ = m.Upsert(ctx, "conversations/z", map[string]any{"participantIds": []any{"x", "y"}}, UpsertOptions{})

	docs, err := m.Query(ctx, "conversations", Query{OrderBy: "lastMessageAt", Desc: true, Limit: 2}.
		Where("participantIds", OpArrayContains, "me"))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID() != "c" || docs[1].ID() != "b" {
		t.Errorf("docs = %v", docs)
	}

	docs, _ = m.Query(ctx, "conversations", Query{}.Where("lastMessageAt", OpGreater, int64(1500)))
	if len(docs) != 2 {
		t.Errorf("got %d docs newer than 1500, want 2", len(docs))
	}

	if _, err := m.Query(ctx, "conversations", Query{}.Where("x", Op("~"), 1)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestMemoryUpsertMergeAndServerTimestamp(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Upsert(ctx, "users/u1/state/watermarks", map[string]any{"c1": int64(10)}, UpsertOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Upsert(ctx, "users/u1/state/watermarks", map[string]any{"c2": int64(20), "at": ServerTimestamp}, UpsertOptions{Merge: true}); err != nil {
		t.Fatal(err)
	}
	d, err := m.Get("users/u1/state/watermarks")
	if err != nil {
		t.Fatal(err)
	}
	if d.Fields["c1"] != int64(10) || d.Fields["c2"] != int64(20) {
		t.Errorf("merged fields = %v", d.Fields)
	}
	if _, ok := d.Fields["at"].(Timestamp); !ok {
		t.Errorf("server timestamp not resolved: %T", d.Fields["at"])
	}

	if err := m.Upsert(ctx, "users/u1/state/watermarks", map[string]any{"c3": int64(1)}, UpsertOptions{}); err != nil {
		t.Fatal(err)
	}
	d, _ = m.Get("users/u1/state/watermarks")
	if _, ok := d.Fields["c1"]; ok {
		t.Error("non-merge upsert should replace the document")
	}

	if err := m.Upsert(ctx, "users/u1", nil, UpsertOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Upsert(ctx, "users", nil, UpsertOptions{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("collection path err = %v, want ErrInvalidArgument", err)
	}
}

func TestMemorySubscribeSnapshotThenChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	_ = m.Upsert(ctx, "conversations/c1/messages/m1", map[string]any{"text": "one"}, UpsertOptions{})
	s, err := m.Subscribe(ctx, "conversations/c1/messages", Query{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	if c := recv(t, s); c.Type != Added || c.Document.ID() != "m1" {
		t.Errorf("snapshot change = %+v", c)
	}
	_ = m.Upsert(ctx, "conversations/c1/messages/m2", map[string]any{"text": "two"}, UpsertOptions{})
	if c := recv(t, s); c.Type != Added || c.Document.ID() != "m2" {
		t.Errorf("added change = %+v", c)
	}
	_ = m.Upsert(ctx, "conversations/c1/messages/m1", map[string]any{"text": "uno"}, UpsertOptions{Merge: true})
	if c := recv(t, s); c.Type != Modified || c.Document.Fields["text"] != "uno" {
		t.Errorf("modified change = %+v", c)
	}
	// Other collections are not delivered.
	_ = m.Upsert(ctx, "conversations/c2/messages/m9", map[string]any{"text": "elsewhere"}, UpsertOptions{})
	m.Delete("conversations/c1/messages/m2")
	if c := recv(t, s); c.Type != Removed || c.Document.ID() != "m2" {
		t.Errorf("removed change = %+v", c)
	}

	if m.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", m.Subscribers())
	}
	_ = s.Close()
	if m.Subscribers() != 0 {
		t.Errorf("subscribers after close = %d, want 0", m.Subscribers())
	}
}

func TestMemoryBreakStreamsReportsError(t *testing.T) {
	m := NewMemory()
	s, err := m.Subscribe(context.Background(), "conversations", Query{})
	if err != nil {
		t.Fatal(err)
	}
	m.BreakStreams(ErrUnavailable)

	select {
	case _, ok := <-s.Changes():
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
	if !errors.Is(s.Err(), ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", s.Err())
	}
}

func TestMemoryFaultHook(t *testing.T) {
	m := NewMemory()
	m.SetFault(func(op, _ string) error {
		if op == OperationUpsert {
			return ErrUnavailable
		}
		return nil
	})
	err := m.Upsert(context.Background(), "conversations/c1", map[string]any{}, UpsertOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if _, err := m.Query(context.Background(), "conversations", Query{}); err != nil {
		t.Errorf("query should pass: %v", err)
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	mem := NewMemory()
	srv := httptest.NewServer(NewServer(mem, nil))
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := c.Subscribe(ctx, "conversations/c1/messages", Query{}.Where("timestamp", OpGreater, FromMillis(1000)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = stream.Close() }()

	// Wait until the server has attached the listener.
	deadline := time.Now().Add(2 * time.Second)
	for mem.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	err = c.Upsert(ctx, "conversations/c1/messages/m1", map[string]any{
		"text":      "hello",
		"timestamp": FromMillis(2000),
		"readBy":    []string{"alice"},
		"retries":   3,
	}, UpsertOptions{Merge: true})
	if err != nil {
		t.Fatal(err)
	}

	got := recv(t, stream)
	if got.Type != Added || got.Document.Path != "conversations/c1/messages/m1" {
		t.Fatalf("change = %+v", got)
	}
	if ms, ok := Millis(got.Document.Fields["timestamp"]); !ok || ms != 2000 {
		t.Errorf("timestamp = %v", got.Document.Fields["timestamp"])
	}
	if got.Document.Fields["retries"] != int64(3) {
		t.Errorf("retries = %#v, want int64(3)", got.Document.Fields["retries"])
	}

	docs, err := c.Query(ctx, "conversations/c1/messages", Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Fields["text"] != "hello" {
		t.Errorf("docs = %+v", docs)
	}

	mem.SetFault(func(string, string) error { return ErrPermissionDenied })
	err = c.Upsert(ctx, "conversations/c1/messages/m2", map[string]any{}, UpsertOptions{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestClientUnreachableServerIsRetryable(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewMemory(), nil))
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Query(context.Background(), "conversations", Query{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if !IsRetryable(err) {
		t.Error("unreachable server should be retryable")
	}
}
