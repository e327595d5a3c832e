package call

import (
	"errors"
	"testing"
	"time"

	"github.com/dmaraujo/parley/internal/bus"
)

func TestOutgoingCallLifecycle(t *testing.T) {
	m := NewMachine(nil)

	if err := m.Begin("c1", "a", "b", Outgoing); err != nil {
		t.Fatal(err)
	}
	for _, to := range []Status{Accepted, Active, Ended} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
	if s := m.Current(); s.Status != Idle || s.CallID != "" {
		t.Errorf("session = %+v, want idle", s)
	}
}

func TestSecondCallConflicts(t *testing.T) {
	m := NewMachine(nil)

	if err := m.Begin("c1", "a", "b", Outgoing); err != nil {
		t.Fatal(err)
	}
	err := m.Begin("c2", "a", "x", Incoming)
	if !errors.Is(err, ErrCallStateConflict) {
		t.Fatalf("err = %v, want ErrCallStateConflict", err)
	}
	// The live session is untouched.
	if s := m.Current(); s.CallID != "c1" || s.Status != Outgoing {
		t.Errorf("session = %+v", s)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Begin("c1", "a", "b", Incoming)

	if err := m.Transition(Active); err == nil {
		t.Error("incoming -> active must fail (never accepted)")
	}
	if err := m.Reset(); err == nil {
		t.Error("reset of a live session must fail")
	}
	if s := m.Current(); s.Status != Incoming {
		t.Errorf("status = %s", s.Status)
	}
}

func TestResetWhileIdleIsNoop(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionsPublishStateChanges(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)

	ch, unsub := b.Subscribe("call.state_changed", 8)
	defer unsub()

	_ = m.Begin("c1", "a", "b", Outgoing)
	_ = m.Transition(Accepted)

	want := []StateChange{
		{CallID: "c1", From: Idle, To: Outgoing},
		{CallID: "c1", From: Outgoing, To: Accepted},
	}
	for _, w := range want {
		select {
		case evt := <-ch:
			if got := evt.Payload.(StateChange); got != w {
				t.Errorf("change = %+v, want %+v", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for state change")
		}
	}
}
