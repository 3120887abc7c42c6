// Package netmon tracks whether the device can reach the network and tells
// dependents about debounced transitions.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/uistate"
	"go.uber.org/zap"
)

// DefaultDebounce collapses connectivity flapping.
const DefaultDebounce = 300 * time.Millisecond

// Signal is one raw connectivity observation.
type Signal struct {
	Connected bool
	// InternetReachable is nil when the platform cannot tell.
	InternetReachable *bool
}

// Online interprets the signal. A connection with unknown reachability is
// treated as online.
func (s Signal) Online() bool {
	if !s.Connected {
		return false
	}
	if s.InternetReachable == nil {
		return true
	}
	return *s.InternetReachable
}

// Options configures a Monitor.
type Options struct {
	Debounce      time.Duration
	InitialOnline bool
	Prober        Prober
	ProbeInterval time.Duration
}

// Monitor is the network monitor of one profile.
type Monitor struct {
	opts   Options
	bus    *bus.Bus
	ui     uistate.Container
	logger *zap.Logger

	mu      sync.Mutex
	online  bool
	pending bool
	target  bool
	timer   *time.Timer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a monitor. ui may be nil.
func New(b *bus.Bus, ui uistate.Container, logger *zap.Logger, opts Options) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{opts: opts, bus: b, ui: ui, logger: logger, online: opts.InitialOnline}
	if ui != nil {
		ui.Set(uistate.KeyNetworkOnline, m.online)
	}
	return m
}

// IsOnline returns the last committed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Report feeds a raw signal. The state only changes once signals have agreed
// for the whole debounce window.
func (m *Monitor) Report(sig Signal) {
	next := sig.Online()

	m.mu.Lock()
	defer m.mu.Unlock()

	if next == m.online {
		if m.pending {
			m.timer.Stop()
			m.pending = false
		}
		return
	}
	m.target = next
	if m.pending {
		m.timer.Reset(m.opts.Debounce)
		return
	}
	m.pending = true
	if m.timer == nil {
		m.timer = time.AfterFunc(m.opts.Debounce, m.commit)
	} else {
		m.timer.Reset(m.opts.Debounce)
	}
}

func (m *Monitor) commit() {
	m.mu.Lock()
	if !m.pending || m.target == m.online {
		m.pending = false
		m.mu.Unlock()
		return
	}
	m.pending = false
	m.online = m.target
	online := m.online
	m.mu.Unlock()

	m.logger.Info("network transition", zap.Bool("online", online))
	if m.ui != nil {
		m.ui.Set(uistate.KeyNetworkOnline, online)
	}
	if m.bus != nil {
		kind := bus.NetworkOffline
		if online {
			kind = bus.NetworkOnline
		}
		m.bus.Emit(kind, online)
	}
}

// Start begins periodic probing when a Prober is configured.
func (m *Monitor) Start(ctx context.Context) {
	if m.opts.Prober == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.ProbeInterval)
		defer ticker.Stop()
		for {
			m.Report(m.opts.Prober.Probe(ctx))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends probing and drops any pending transition.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	if m.timer != nil {
		m.timer.Stop()
	}
	m.pending = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
