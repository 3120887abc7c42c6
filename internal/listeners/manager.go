// Package listeners owns the live remote subscriptions of a profile. Every
// subscription is keyed, so the same key never has two transports open.
package listeners

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// ErrRemoved is returned when resuming a cancelled subscription.
var ErrRemoved = errors.New("listeners: subscription removed")

// State of a subscription.
type State string

const (
	Inactive State = "inactive"
	Active   State = "active"
	Paused   State = "paused"
	Removed  State = "removed"
)

// Factory opens the transport of a subscription. It runs on registration and
// again on every resume, so it must rebuild its query from current state.
type Factory func(ctx context.Context) (remote.Stream, error)

// Handler applies one change. It runs on the subscription's goroutine and must
// not call Pause or Cancel on its own subscription.
type Handler func(ctx context.Context, c remote.Change)

// Manager tracks subscriptions by key.
type Manager struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, subs: make(map[string]*Subscription)}
}

// Register opens a subscription under key. If key is already registered the
// existing handle is returned and no second transport is opened. ctx bounds
// the lifetime of every transport the subscription opens.
func (m *Manager) Register(ctx context.Context, key string, open Factory, handle Handler) (*Subscription, error) {
	m.mu.Lock()
	if s, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := &Subscription{
		key:     key,
		open:    open,
		handle:  handle,
		baseCtx: ctx,
		manager: m,
		logger:  m.logger.With(zap.String("listener", key)),
		state:   Inactive,
	}
	m.subs[key] = s
	m.mu.Unlock()

	if err := s.Resume(); err != nil {
		s.Cancel()
		return nil, err
	}
	return s, nil
}

// Get returns the subscription registered under key.
func (m *Manager) Get(key string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[key]
	return s, ok
}

// Keys returns the registered keys in sorted order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Active returns how many subscriptions hold an open transport.
func (m *Manager) Active() int {
	n := 0
	for _, s := range m.snapshot() {
		if s.State() == Active {
			n++
		}
	}
	return n
}

// PauseAll releases every transport. Used when the app goes to background.
func (m *Manager) PauseAll() {
	for _, s := range m.snapshot() {
		s.Pause()
	}
}

// ResumeAll reopens every paused subscription. Failures are collected and the
// affected subscriptions stay paused.
func (m *Manager) ResumeAll() error {
	var result *multierror.Error
	for _, s := range m.snapshot() {
		if err := s.Resume(); err != nil {
			result = multierror.Append(result, fmt.Errorf("resume %s: %w", s.key, err))
		}
	}
	return result.ErrorOrNil()
}

// RemoveAll cancels every subscription. Used on logout and shutdown.
func (m *Manager) RemoveAll() {
	for _, s := range m.snapshot() {
		s.Cancel()
	}
}

func (m *Manager) snapshot() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}

func (m *Manager) forget(s *Subscription) {
	m.mu.Lock()
	if m.subs[s.key] == s {
		delete(m.subs, s.key)
	}
	m.mu.Unlock()
}
