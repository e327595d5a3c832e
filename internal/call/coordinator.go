package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmaraujo/parley/internal/bus"
	"github.com/dmaraujo/parley/internal/gateway"
)

// Signaler writes signaling frames to the socket. gateway.Gateway implements
// it.
type Signaler interface {
	Send(frame any) error
}

// Bookkeeper covers the call lifecycle REST endpoints. api.CallService
// implements it. Bookkeeping runs in parallel with signaling frames and is
// not transactionally linked to them.
type Bookkeeper interface {
	Initiate(ctx context.Context, callID, fromUserID, toUserID string) error
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
}

// PeerConnection is the media-side handle owned by a live call. Close must
// release any acquired device handles.
type PeerConnection interface {
	Close() error
}

// PeerFactory acquires the peer connection for a call.
type PeerFactory func(callID string) (PeerConnection, error)

// Coordinator drives the call session: local intents (start, accept, reject,
// end) and inbound signaling events both move the machine, with REST
// bookkeeping fired alongside each signaling frame. Offer, answer and ICE
// bodies are relayed verbatim; the media layer consumes them from the bus.
type Coordinator struct {
	machine *Machine
	rest    Bookkeeper
	signals Signaler
	peers   PeerFactory
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  string

	ringTimeout time.Duration

	mu        sync.Mutex
	peer      PeerConnection
	ringTimer *time.Timer

	cancel context.CancelFunc
}

// NewCoordinator creates a call coordinator. ringTimeout bounds how long an
// unanswered call may ring; zero disables the bound.
func NewCoordinator(machine *Machine, rest Bookkeeper, signals Signaler, peers PeerFactory, selfID string, ringTimeout time.Duration, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		machine:     machine,
		rest:        rest,
		signals:     signals,
		peers:       peers,
		bus:         b,
		logger:      logger,
		selfID:      selfID,
		ringTimeout: ringTimeout,
	}
}

// Start subscribes to inbound call signaling events on the bus.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("server.call.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears down any live session and stops the coordinator.
func (c *Coordinator) Stop() {
	if s := c.machine.Current(); s.Status != Idle {
		_ = c.End(context.Background())
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// StartCall begins an outgoing call. Returns ErrCallStateConflict while any
// session is non-idle, with nothing sent. The REST initiate and the offer
// frame both go out; neither failure rolls back the other.
func (c *Coordinator) StartCall(ctx context.Context, toUserID string, offer json.RawMessage) (string, error) {
	callID := uuid.New().String()
	if err := c.machine.Begin(callID, c.selfID, toUserID, Outgoing); err != nil {
		return "", err
	}

	if err := c.acquirePeer(callID); err != nil {
		c.teardown()
		return "", err
	}

	if err := c.rest.Initiate(ctx, callID, c.selfID, toUserID); err != nil {
		c.logger.Warn("call initiate bookkeeping failed", zap.Error(err), zap.String("call_id", callID))
	}
	if err := c.signals.Send(gateway.NewSignalFrame(gateway.TypeCallOffer, gateway.CallSignal{
		CallID:     callID,
		FromUserID: c.selfID,
		ToUserID:   toUserID,
		Offer:      offer,
	})); err != nil {
		c.logger.Error("failed to send call offer", zap.Error(err), zap.String("call_id", callID))
	}

	c.armRingTimer(callID)
	return callID, nil
}

// Accept answers the ringing incoming call with the given answer body.
func (c *Coordinator) Accept(ctx context.Context, answer json.RawMessage) error {
	s := c.machine.Current()
	if err := c.machine.Transition(Accepted); err != nil {
		return err
	}
	c.stopRingTimer()

	if err := c.acquirePeer(s.CallID); err != nil {
		_ = c.machine.Transition(Ended)
		c.teardown()
		return err
	}

	if err := c.rest.Accept(ctx, s.CallID); err != nil {
		c.logger.Warn("call accept bookkeeping failed", zap.Error(err), zap.String("call_id", s.CallID))
	}
	if err := c.signals.Send(gateway.NewSignalFrame(gateway.TypeCallAccepted, gateway.CallSignal{
		CallID:     s.CallID,
		FromUserID: c.selfID,
		ToUserID:   s.RemoteUserID,
		Answer:     answer,
	})); err != nil {
		c.logger.Error("failed to send call accept", zap.Error(err), zap.String("call_id", s.CallID))
	}
	return nil
}

// Reject declines the ringing incoming call and releases the session.
func (c *Coordinator) Reject(ctx context.Context) error {
	s := c.machine.Current()
	if err := c.machine.Transition(Rejected); err != nil {
		return err
	}

	if err := c.rest.Reject(ctx, s.CallID); err != nil {
		c.logger.Warn("call reject bookkeeping failed", zap.Error(err), zap.String("call_id", s.CallID))
	}
	if err := c.signals.Send(gateway.NewSignalFrame(gateway.TypeCallRejected, gateway.CallSignal{
		CallID:     s.CallID,
		FromUserID: c.selfID,
		ToUserID:   s.RemoteUserID,
	})); err != nil {
		c.logger.Error("failed to send call reject", zap.Error(err), zap.String("call_id", s.CallID))
	}

	c.teardown()
	return nil
}

// End hangs up the current call, notifies the remote peer and releases the
// session.
func (c *Coordinator) End(ctx context.Context) error {
	s := c.machine.Current()
	if err := c.machine.Transition(Ended); err != nil {
		return err
	}

	if err := c.rest.End(ctx, s.CallID); err != nil {
		c.logger.Warn("call end bookkeeping failed", zap.Error(err), zap.String("call_id", s.CallID))
	}
	if err := c.signals.Send(gateway.NewSignalFrame(gateway.TypeCallEnded, gateway.CallSignal{
		CallID:     s.CallID,
		FromUserID: c.selfID,
		ToUserID:   s.RemoteUserID,
	})); err != nil {
		c.logger.Error("failed to send call end", zap.Error(err), zap.String("call_id", s.CallID))
	}

	c.teardown()
	return nil
}

// PeerEstablished moves an accepted call to active once media flows.
func (c *Coordinator) PeerEstablished() error {
	return c.machine.Transition(Active)
}

// SendICE relays a local ICE candidate for the current call.
func (c *Coordinator) SendICE(candidate json.RawMessage) error {
	s := c.machine.Current()
	if s.Status == Idle {
		return ErrCallStateConflict
	}
	return c.signals.Send(gateway.NewSignalFrame(gateway.TypeICECandidate, gateway.CallSignal{
		CallID:     s.CallID,
		FromUserID: c.selfID,
		ToUserID:   s.RemoteUserID,
		Candidate:  candidate,
	}))
}

func (c *Coordinator) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case gateway.KindCallOffer:
		offer, ok := evt.Payload.(*gateway.CallOffer)
		if !ok {
			return
		}
		if offer.ToUserID != "" && offer.ToUserID != c.selfID {
			return
		}
		if err := c.machine.Begin(offer.CallID, c.selfID, offer.FromUserID, Incoming); err != nil {
			// Busy: the existing session is untouched and nothing is sent.
			c.logger.Warn("offer rejected locally", zap.Error(err), zap.String("call_id", offer.CallID))
			return
		}
		c.armRingTimer(offer.CallID)
		c.publish("call.incoming", offer)
	case gateway.KindCallAccepted:
		accepted, ok := evt.Payload.(*gateway.CallAccepted)
		if !ok || !c.isCurrent(accepted.CallID) {
			return
		}
		if err := c.machine.Transition(Accepted); err != nil {
			c.logger.Warn("stray call accept", zap.Error(err), zap.String("call_id", accepted.CallID))
			return
		}
		c.stopRingTimer()
		c.publish("call.accepted", accepted)
	case gateway.KindCallAnswer:
		answer, ok := evt.Payload.(*gateway.CallAnswer)
		if !ok || !c.isCurrent(answer.CallID) {
			return
		}
		// Relayed verbatim; the media layer applies the answer.
		c.publish("call.answer", answer)
	case gateway.KindCallICE:
		ice, ok := evt.Payload.(*gateway.ICECandidate)
		if !ok || !c.isCurrent(ice.CallID) {
			return
		}
		c.publish("call.ice", ice)
	case gateway.KindCallRejected:
		rejected, ok := evt.Payload.(*gateway.CallRejected)
		if !ok || !c.isCurrent(rejected.CallID) {
			return
		}
		if err := c.machine.Transition(Rejected); err != nil {
			c.logger.Warn("stray call reject", zap.Error(err), zap.String("call_id", rejected.CallID))
			return
		}
		c.teardown()
		c.publish("call.rejected", rejected)
	case gateway.KindCallEnded:
		ended, ok := evt.Payload.(*gateway.CallEnded)
		if !ok || !c.isCurrent(ended.CallID) {
			return
		}
		if err := c.machine.Transition(Ended); err != nil {
			c.logger.Warn("stray call end", zap.Error(err), zap.String("call_id", ended.CallID))
			return
		}
		c.teardown()
		c.publish("call.ended", ended)
	}
}

func (c *Coordinator) isCurrent(callID string) bool {
	s := c.machine.Current()
	return s.Status != Idle && s.CallID == callID
}

func (c *Coordinator) acquirePeer(callID string) error {
	if c.peers == nil {
		return nil
	}
	peer, err := c.peers(callID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	return nil
}

// teardown releases the peer connection and ring timer and resets the
// machine to idle. Safe to call from any terminal state.
func (c *Coordinator) teardown() {
	c.stopRingTimer()

	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			c.logger.Warn("peer connection close failed", zap.Error(err))
		}
	}
	if err := c.machine.Reset(); err != nil {
		c.logger.Error("failed to reset call session", zap.Error(err))
	}
}

// armRingTimer bounds how long a call may ring unanswered. On expiry an
// outgoing call is ended and an incoming one rejected.
func (c *Coordinator) armRingTimer(callID string) {
	if c.ringTimeout <= 0 {
		return
	}
	c.mu.Lock()
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	c.ringTimer = time.AfterFunc(c.ringTimeout, func() {
		s := c.machine.Current()
		if s.CallID != callID {
			return
		}
		switch s.Status {
		case Outgoing:
			c.logger.Info("call ring timeout, ending", zap.String("call_id", callID))
			_ = c.End(context.Background())
		case Incoming:
			c.logger.Info("call ring timeout, rejecting", zap.String("call_id", callID))
			_ = c.Reject(context.Background())
		}
	})
	c.mu.Unlock()
}

func (c *Coordinator) stopRingTimer() {
	c.mu.Lock()
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) publish(kind string, payload any) {
	c.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
