// Package uistate is the reactive key-value container the UI layer renders
// from. The core only writes into it.
package uistate

import (
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Keys written by the core.
const (
	KeySyncStatus    = "sync.status"
	KeyNetworkOnline = "network.online"
	KeyRanking       = "conversations.ranked"
	KeyOutboxPending = "outbox.pending"
	KeyOutboxFailed  = "outbox.failed"
)

const eventPrefix = "ui."

// Container is the contract between the core and the UI layer.
type Container interface {
	Set(key string, value any)
	Get(key string) (any, bool)
	Watch(prefix string, buf int) (<-chan Update, func())
}

// Update is delivered to watchers when a key changes.
type Update struct {
	Key   string
	Value any
}

// State is an in-memory Container. Change notifications ride on a bus so
// watchers share its non-blocking delivery.
type State struct {
	mu     sync.RWMutex
	values map[string]any
	bus    *bus.Bus
}

// New creates an empty State publishing on b. A nil bus gets a private one.
func New(b *bus.Bus) *State {
	if b == nil {
		b = bus.New()
	}
	return &State{values: make(map[string]any), bus: b}
}

// Set stores value and notifies watchers.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.bus.Emit(eventPrefix+key, value)
}

// Get returns the current value of key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Watch streams updates of keys starting with prefix.
func (s *State) Watch(prefix string, buf int) (<-chan Update, func()) {
	events, unsub := s.bus.Subscribe(eventPrefix+prefix, buf)
	out := make(chan Update, buf)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(out)
		for {
			select {
			case evt := <-events:
				u := Update{Key: strings.TrimPrefix(evt.Kind, eventPrefix), Value: evt.Payload}
				select {
				case out <- u:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	return out, func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}
