package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"tgterm/internal/bus"
	"tgterm/internal/event"
)

// validTransitions defines allowed connectivity transitions.
var validTransitions = map[event.ConnState][]event.ConnState{
	event.StateDisconnected: {event.StateConnecting},
	event.StateConnecting:   {event.StateConnected, event.StateReconnecting, event.StateDisconnected},
	event.StateConnected:    {event.StateReconnecting, event.StateDisconnected},
	event.StateReconnecting: {event.StateConnected, event.StateDisconnected},
}

// Machine tracks and enforces connectivity state transitions, publishing a
// ConnectionState event on every change.
type Machine struct {
	mu      sync.RWMutex
	current event.ConnState
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: event.StateDisconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() event.ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to event.ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.current = to
	if m.bus != nil {
		m.bus.Publish(event.ConnectionState{
			State:     to,
			Timestamp: time.Now(),
		})
	}
	return nil
}
