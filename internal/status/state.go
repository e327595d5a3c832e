// Package status tracks the client runtime state, derived from connection
// events. It is a read-side summary for the UI; the gateway owns the actual
// socket state.
package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmaraujo/parley/internal/bus"
)

// State represents a client runtime state.
type State string

const (
	Starting     State = "STARTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Reconnecting State = "RECONNECTING"
	Offline      State = "OFFLINE"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Starting:     {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Online, Reconnecting, Offline, Error},
	Online:       {Reconnecting, Offline, AuthRequired, Error},
	Reconnecting: {Connecting, Online, Offline, Error},
	Offline:      {Connecting, Error},
	Error:        {Starting},
}

// Machine tracks and enforces client runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Starting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Starting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// Watch drives the machine from connection events until ctx is cancelled:
// conn.opened moves to Online, conn.reconnecting to Reconnecting, and
// conn.closed to Reconnecting as well since the gateway schedules a retry
// unless it is shutting down.
func (m *Machine) Watch(ctx context.Context) {
	ch, unsub := m.bus.Subscribe("conn.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case "conn.opened":
					_ = m.Transition(Online)
				case "conn.closed", "conn.reconnecting":
					if m.Current() != Reconnecting {
						_ = m.Transition(Reconnecting)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
