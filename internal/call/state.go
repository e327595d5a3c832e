// Package call coordinates the call lifecycle: one session at a time,
// driven by local intents and inbound signaling frames, with REST
// bookkeeping running in parallel to the signaling channel.
package call

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmaraujo/parley/internal/bus"
)

// Status represents the lifecycle state of the call session.
type Status string

const (
	Idle     Status = "IDLE"
	Outgoing Status = "OUTGOING"
	Incoming Status = "INCOMING"
	Accepted Status = "ACCEPTED"
	Active   Status = "ACTIVE"
	Ended    Status = "ENDED"
	Rejected Status = "REJECTED"
)

// ErrCallStateConflict is returned when a second call is started or offered
// while a session is already non-idle. The existing session is untouched and
// nothing goes on the network.
var ErrCallStateConflict = errors.New("call already in progress")

// validTransitions defines allowed status transitions.
var validTransitions = map[Status][]Status{
	Idle:     {Outgoing, Incoming},
	Outgoing: {Accepted, Rejected, Ended},
	Incoming: {Accepted, Rejected, Ended},
	Accepted: {Active, Rejected, Ended},
	Active:   {Ended},
	Ended:    {Idle},
	Rejected: {Idle},
}

// Session is the single call session. Zero value means idle.
type Session struct {
	CallID       string
	LocalUserID  string
	RemoteUserID string
	Status       Status
}

// Machine tracks and enforces call session transitions. Exactly one session
// may be non-idle at a time.
type Machine struct {
	mu      sync.RWMutex
	session Session
	bus     *bus.Bus
}

// NewMachine creates a state machine with no session.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		session: Session{Status: Idle},
		bus:     b,
	}
}

// Current returns a copy of the current session.
func (m *Machine) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Begin starts a new session from idle. Returns ErrCallStateConflict if a
// session is already underway.
func (m *Machine) Begin(callID, localUserID, remoteUserID string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != Idle {
		return fmt.Errorf("%w: call %s is %s", ErrCallStateConflict, m.session.CallID, m.session.Status)
	}
	if !slices.Contains(validTransitions[Idle], to) {
		return fmt.Errorf("invalid transition from %s to %s", Idle, to)
	}
	m.session = Session{
		CallID:       callID,
		LocalUserID:  localUserID,
		RemoteUserID: remoteUserID,
		Status:       to,
	}
	m.publishLocked(Idle, to)
	return nil
}

// Transition attempts to move the session to a new status. Returns error if
// the transition is invalid.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.session.Status]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.session.Status, to)
	}
	from := m.session.Status
	m.session.Status = to
	m.publishLocked(from, to)
	return nil
}

// Reset clears a terminal session back to idle. No-op when already idle;
// error when the session is still live.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status == Idle {
		return nil
	}
	if !slices.Contains(validTransitions[m.session.Status], Idle) {
		return fmt.Errorf("invalid transition from %s to %s", m.session.Status, Idle)
	}
	from := m.session.Status
	callID := m.session.CallID
	m.session = Session{Status: Idle}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "call.state_changed",
			Timestamp: time.Now(),
			Payload:   StateChange{CallID: callID, From: from, To: Idle},
		})
	}
	return nil
}

func (m *Machine) publishLocked(from, to Status) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      "call.state_changed",
		Timestamp: time.Now(),
		Payload:   StateChange{CallID: m.session.CallID, From: from, To: to},
	})
}

// StateChange is the payload for call status change events.
type StateChange struct {
	CallID string
	From   Status
	To     Status
}
