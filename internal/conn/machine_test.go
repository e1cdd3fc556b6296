package conn

import (
	"context"
	"testing"
	"time"

	"tgterm/internal/bus"
	"tgterm/internal/event"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != event.StateDisconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from event.ConnState
		to   event.ConnState
	}{
		{event.StateDisconnected, event.StateConnecting},
		{event.StateConnecting, event.StateConnected},
		{event.StateConnecting, event.StateReconnecting},
		{event.StateConnected, event.StateReconnecting},
		{event.StateConnected, event.StateDisconnected},
		{event.StateReconnecting, event.StateConnected},
		{event.StateReconnecting, event.StateDisconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(event.StateConnected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail; must dial first")
	}
	if m.Current() != event.StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New(16, nil)
	sub := b.Subscribe("test")
	defer sub.Close()

	m := NewMachine(b)
	if err := m.Transition(event.StateConnecting); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cs, ok := evt.(event.ConnectionState)
	if !ok {
		t.Fatalf("event type = %T, want ConnectionState", evt)
	}
	if cs.State != event.StateConnecting {
		t.Errorf("state = %s, want CONNECTING", cs.State)
	}
	if cs.Timestamp.IsZero() {
		t.Error("event timestamp not set")
	}
}

// TestReconnectCycle verifies the loop a transport drop drives:
// CONNECTED → RECONNECTING → CONNECTED.
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, event.StateConnected)

	steps := []event.ConnState{event.StateReconnecting, event.StateConnected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != event.StateConnected {
		t.Errorf("final state = %s, want CONNECTED", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target event.ConnState) {
	t.Helper()
	paths := map[event.ConnState][]event.ConnState{
		event.StateDisconnected: {},
		event.StateConnecting:   {event.StateConnecting},
		event.StateConnected:    {event.StateConnecting, event.StateConnected},
		event.StateReconnecting: {event.StateConnecting, event.StateConnected, event.StateReconnecting},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
