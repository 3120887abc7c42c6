package bus

import (
	"testing"
	"time"
)

func TestEmitStampsAndDelivers(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("network.", 10)
	defer unsub()

	before := time.Now()
	b.Emit(NetworkOnline, true)

	select {
	case evt := <-ch:
		if evt.Kind != NetworkOnline {
			t.Errorf("got kind %q, want %s", evt.Kind, NetworkOnline)
		}
		if evt.Timestamp.Before(before) {
			t.Errorf("timestamp %v predates publish", evt.Timestamp)
		}
		if evt.Payload != true {
			t.Errorf("payload = %v, want true", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishFillsMissingTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Publish(Event{Kind: MessageUpserted})
	evt := <-ch
	if evt.Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(ConversationUpserted, nil)
	b.Emit(MessageUpserted, "m1")

	select {
	case evt := <-ch:
		if evt.Kind != MessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	unsub()
	unsub()

	b.Emit(OutboxSent, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullSubscriberDropsAndCounts(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 1)
	defer unsub()

	b.Emit(SyncStatusChanged, 1)
	b.Emit(SyncStatusChanged, 2)

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
