// Package status tracks the sync status shown to the user.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/uistate"
)

// State is the sync status of a profile.
type State string

const (
	Idle     State = "IDLE"
	Syncing  State = "SYNCING"
	Synced   State = "SYNCED"
	Offline  State = "OFFLINE"
	Degraded State = "DEGRADED"
	Error    State = "ERROR"
)

var validTransitions = map[State][]State{
	Idle:     {Syncing, Offline, Error},
	Syncing:  {Synced, Degraded, Offline, Error},
	Synced:   {Syncing, Offline, Degraded},
	Offline:  {Syncing, Idle},
	Degraded: {Syncing, Synced, Offline, Error},
	Error:    {Syncing, Offline, Idle},
}

// Machine enforces status transitions and mirrors the current status into
// UI state.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
	ui      uistate.Container
}

// NewMachine creates a machine in Idle. Both sinks are optional.
func NewMachine(b *bus.Bus, ui uistate.Container) *Machine {
	m := &Machine{current: Idle, bus: b, ui: ui}
	if ui != nil {
		ui.Set(uistate.KeySyncStatus, string(Idle))
	}
	return m
}

// Current returns the current status.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new status. Moving to the current status is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.mu.Unlock()

	if m.ui != nil {
		m.ui.Set(uistate.KeySyncStatus, string(to))
	}
	if m.bus != nil {
		m.bus.Emit(bus.SyncStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload of bus.SyncStatusChanged.
type StatusChange struct {
	From State
	To   State
}
