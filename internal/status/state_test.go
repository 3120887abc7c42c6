package status

import (
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/uistate"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil, nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Syncing, Synced}},
		{[]State{Syncing, Degraded, Syncing, Synced}},
		{[]State{Offline, Syncing, Synced, Offline}},
		{[]State{Syncing, Error, Syncing}},
		{[]State{Error, Idle}},
	}
	for _, tt := range tests {
		m := NewMachine(nil, nil)
		for _, to := range tt.path {
			if err := m.Transition(to); err != nil {
				t.Fatalf("path %v: %v", tt.path, err)
			}
		}
		if got, want := m.Current(), tt.path[len(tt.path)-1]; got != want {
			t.Errorf("path %v: state = %s, want %s", tt.path, got, want)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil, nil)
	if err := m.Transition(Synced); err == nil {
		t.Error("Transition(IDLE -> SYNCED) should fail")
	}
	if m.Current() != Idle {
		t.Errorf("state = %s after rejected transition", m.Current())
	}
}

func TestSameStateIsNoop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	m := NewMachine(b, nil)
	if err := m.Transition(Idle); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionEmitsEventAndMirrorsUIState(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()
	ui := uistate.New(nil)

	m := NewMachine(b, ui)
	if v, _ := ui.Get(uistate.KeySyncStatus); v != "IDLE" {
		t.Errorf("initial ui status = %v, want IDLE", v)
	}
	if err := m.Transition(Syncing); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if change.From != Idle || change.To != Syncing {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
	if v, _ := ui.Get(uistate.KeySyncStatus); v != "SYNCING" {
		t.Errorf("ui status = %v, want SYNCING", v)
	}
}
