package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmaraujo/parley/internal/bus"
	"github.com/dmaraujo/parley/internal/gateway"
)

type fakeBookkeeper struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeBookkeeper) record(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return f.err
}

func (f *fakeBookkeeper) Initiate(_ context.Context, _, _, _ string) error {
	return f.record("initiate")
}
func (f *fakeBookkeeper) Accept(_ context.Context, _ string) error { return f.record("accept") }
func (f *fakeBookkeeper) Reject(_ context.Context, _ string) error { return f.record("reject") }
func (f *fakeBookkeeper) End(_ context.Context, _ string) error    { return f.record("end") }

func (f *fakeBookkeeper) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSignaler struct {
	mu     sync.Mutex
	frames []gateway.SignalFrame
}

func (f *fakeSignaler) Send(frame any) error {
	sf, ok := frame.(gateway.SignalFrame)
	if !ok {
		return errors.New("unexpected frame type")
	}
	f.mu.Lock()
	f.frames = append(f.frames, sf)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) sent() []gateway.SignalFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.SignalFrame(nil), f.frames...)
}

type fakePeer struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testCoordinator(t *testing.T, ringTimeout time.Duration) (*Coordinator, *Machine, *fakeBookkeeper, *fakeSignaler, *fakePeer, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := NewMachine(b)
	rest := &fakeBookkeeper{}
	signals := &fakeSignaler{}
	peer := &fakePeer{}
	factory := func(string) (PeerConnection, error) { return peer, nil }
	c := NewCoordinator(m, rest, signals, factory, "me", ringTimeout, b, nil)
	return c, m, rest, signals, peer, b
}

func TestStartCallSendsOfferAndBookkeeping(t *testing.T) {
	c, m, rest, signals, _, _ := testCoordinator(t, 0)

	callID, err := c.StartCall(context.Background(), "bob", json.RawMessage(`{"sdp":"v=0"}`))
	if err != nil {
		t.Fatal(err)
	}

	if s := m.Current(); s.Status != Outgoing || s.RemoteUserID != "bob" {
		t.Errorf("session = %+v", s)
	}
	if got := rest.recorded(); len(got) != 1 || got[0] != "initiate" {
		t.Errorf("rest calls = %v", got)
	}
	frames := signals.sent()
	if len(frames) != 1 || frames[0].Type != gateway.TypeCallOffer || frames[0].CallID != callID {
		t.Errorf("frames = %+v", frames)
	}
	if len(frames[0].Offer) == 0 {
		t.Error("offer body not relayed")
	}
}

func TestSecondStartCallRejectedLocally(t *testing.T) {
	c, m, rest, signals, _, _ := testCoordinator(t, 0)

	first, _ := c.StartCall(context.Background(), "bob", nil)

	_, err := c.StartCall(context.Background(), "carol", nil)
	if !errors.Is(err, ErrCallStateConflict) {
		t.Fatalf("err = %v, want ErrCallStateConflict", err)
	}

	// No network traffic for the rejected attempt, session untouched.
	if got := rest.recorded(); len(got) != 1 {
		t.Errorf("rest calls = %v", got)
	}
	if frames := signals.sent(); len(frames) != 1 {
		t.Errorf("frames = %+v", frames)
	}
	if s := m.Current(); s.CallID != first {
		t.Errorf("session = %+v", s)
	}
}

func TestInboundOfferWhileBusyIsDropped(t *testing.T) {
	c, m, _, signals, _, b := testCoordinator(t, 0)
	c.Start(context.Background())
	defer c.Stop()

	first, _ := c.StartCall(context.Background(), "bob", nil)

	b.Publish(bus.Event{Kind: gateway.KindCallOffer, Payload: &gateway.CallOffer{
		CallID: "other", FromUserID: "carol", ToUserID: "me",
	}})

	time.Sleep(50 * time.Millisecond)

	if s := m.Current(); s.CallID != first || s.Status != Outgoing {
		t.Errorf("session = %+v, want untouched", s)
	}
	for _, f := range signals.sent() {
		if f.CallID == "other" {
			t.Errorf("frame sent for rejected offer: %+v", f)
		}
	}
}

// Caller side of the accept handshake: outgoing -> accepted on the remote's
// callAccepted, then active once media flows.
func TestOutgoingCallAcceptedFlow(t *testing.T) {
	c, m, _, _, _, b := testCoordinator(t, 0)
	c.Start(context.Background())
	defer c.Stop()

	callID, _ := c.StartCall(context.Background(), "bob", nil)

	b.Publish(bus.Event{Kind: gateway.KindCallAccepted, Payload: &gateway.CallAccepted{
		CallID: callID, FromUserID: "bob", ToUserID: "me",
	}})

	waitFor(t, func() bool { return m.Current().Status == Accepted })

	if err := c.PeerEstablished(); err != nil {
		t.Fatal(err)
	}
	if s := m.Current(); s.Status != Active {
		t.Errorf("status = %s, want ACTIVE", s.Status)
	}
}

// Callee side: inbound offer rings, local accept sends REST + signal.
func TestIncomingCallAccept(t *testing.T) {
	c, m, rest, signals, _, b := testCoordinator(t, 0)
	c.Start(context.Background())
	defer c.Stop()

	b.Publish(bus.Event{Kind: gateway.KindCallOffer, Payload: &gateway.CallOffer{
		CallID: "c1", FromUserID: "alice", ToUserID: "me", Offer: json.RawMessage(`{"sdp":"v=0"}`),
	}})
	waitFor(t, func() bool { return m.Current().Status == Incoming })

	if err := c.Accept(context.Background(), json.RawMessage(`{"sdp":"answer"}`)); err != nil {
		t.Fatal(err)
	}

	if s := m.Current(); s.Status != Accepted || s.RemoteUserID != "alice" {
		t.Errorf("session = %+v", s)
	}
	if got := rest.recorded(); len(got) != 1 || got[0] != "accept" {
		t.Errorf("rest calls = %v", got)
	}
	frames := signals.sent()
	if len(frames) != 1 || frames[0].Type != gateway.TypeCallAccepted || len(frames[0].Answer) == 0 {
		t.Errorf("frames = %+v", frames)
	}
}

func TestEndTearsDownPeerAndResets(t *testing.T) {
	c, m, rest, signals, peer, _ := testCoordinator(t, 0)

	_, _ = c.StartCall(context.Background(), "bob", nil)
	if err := c.End(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !peer.isClosed() {
		t.Error("peer connection not released")
	}
	if s := m.Current(); s.Status != Idle {
		t.Errorf("status = %s, want IDLE", s.Status)
	}
	if got := rest.recorded(); len(got) != 2 || got[1] != "end" {
		t.Errorf("rest calls = %v", got)
	}
	frames := signals.sent()
	if len(frames) != 2 || frames[1].Type != gateway.TypeCallEnded {
		t.Errorf("frames = %+v", frames)
	}

	// Session is free for the next call.
	if _, err := c.StartCall(context.Background(), "carol", nil); err != nil {
		t.Errorf("new call after end: %v", err)
	}
}

func TestRemoteRejectTearsDown(t *testing.T) {
	c, m, _, _, peer, b := testCoordinator(t, 0)
	c.Start(context.Background())
	defer c.Stop()

	callID, _ := c.StartCall(context.Background(), "bob", nil)

	b.Publish(bus.Event{Kind: gateway.KindCallRejected, Payload: &gateway.CallRejected{
		CallID: callID, FromUserID: "bob", ToUserID: "me",
	}})

	waitFor(t, func() bool { return m.Current().Status == Idle })
	if !peer.isClosed() {
		t.Error("peer connection not released on remote reject")
	}
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	c, m, rest, _, peer, _ := testCoordinator(t, 50*time.Millisecond)

	_, _ = c.StartCall(context.Background(), "bob", nil)

	waitFor(t, func() bool { return m.Current().Status == Idle })
	if !peer.isClosed() {
		t.Error("peer connection not released on ring timeout")
	}
	got := rest.recorded()
	if len(got) != 2 || got[1] != "end" {
		t.Errorf("rest calls = %v", got)
	}
}

func TestICERelayedForCurrentCallOnly(t *testing.T) {
	c, _, _, signals, _, b := testCoordinator(t, 0)
	c.Start(context.Background())
	defer c.Stop()

	if err := c.SendICE(json.RawMessage(`{"candidate":"x"}`)); !errors.Is(err, ErrCallStateConflict) {
		t.Errorf("ICE while idle: err = %v, want ErrCallStateConflict", err)
	}

	callID, _ := c.StartCall(context.Background(), "bob", nil)
	if err := c.SendICE(json.RawMessage(`{"candidate":"x"}`)); err != nil {
		t.Fatal(err)
	}
	frames := signals.sent()
	last := frames[len(frames)-1]
	if last.Type != gateway.TypeICECandidate || last.CallID != callID {
		t.Errorf("frame = %+v", last)
	}

	// Inbound ICE for the current call surfaces on the bus for the media
	// layer.
	iceCh, unsub := b.Subscribe("call.ice", 4)
	defer unsub()
	b.Publish(bus.Event{Kind: gateway.KindCallICE, Payload: &gateway.ICECandidate{
		CallID: callID, FromUserID: "bob", Candidate: json.RawMessage(`{"candidate":"y"}`),
	}})
	select {
	case evt := <-iceCh:
		if evt.Payload.(*gateway.ICECandidate).CallID != callID {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for call.ice")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
