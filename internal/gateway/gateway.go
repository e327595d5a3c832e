package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dmaraujo/parley/internal/bus"
	"github.com/dmaraujo/parley/internal/config"
	"github.com/dmaraujo/parley/internal/session"
)

// State is the connection state of the gateway.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// ErrNotConnected is returned by send operations while the socket is down.
// The queued message stays pending locally; the outbox retries after
// reconnect.
var ErrNotConnected = errors.New("gateway not connected")

// Conn is the subset of the websocket connection the gateway uses.
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// DialFunc opens the underlying socket.
type DialFunc func(ctx context.Context) (Conn, error)

// PresenceReporter is the presence REST side effect fired on open and close.
type PresenceReporter interface {
	UpdateStatus(ctx context.Context, userID string, online bool) error
}

// Gateway owns the one logical socket per authenticated identity. It
// maintains connect/reconnect/heartbeat, fires presence side effects, and
// publishes parsed inbound events on the bus under the server namespace.
// Chat and call signaling share this single multiplexed connection.
type Gateway struct {
	cfg      config.ConnConfig
	identity *session.Identity
	presence PresenceReporter
	bus      *bus.Bus
	logger   *zap.Logger
	dial     DialFunc

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            uint64 // connection generation; stale close events are ignored
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	shuttingDown   bool

	writeMu sync.Mutex
}

// New creates a gateway dialing the configured socket URL with the
// identity's bearer token.
func New(cfg config.ConnConfig, socketURL string, identity *session.Identity, presence PresenceReporter, b *bus.Bus, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:      cfg,
		identity: identity,
		presence: presence,
		bus:      b,
		logger:   logger,
		state:    StateDisconnected,
	}
	g.dial = func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if identity.AuthToken != "" {
			header.Set("Authorization", "Bearer "+identity.AuthToken)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return g
}

// SetDialFunc overrides the dialer. Used by tests.
func (g *Gateway) SetDialFunc(dial DialFunc) {
	g.dial = dial
}

// State returns the current connection state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connect opens the socket. A call while connecting or open is a no-op, so
// there is never a second underlying socket. Dial failures do not surface to
// the caller: they schedule a reconnect and return nil, matching the policy
// that transport errors only ever appear as state transitions.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.shuttingDown {
		g.mu.Unlock()
		return errors.New("gateway is shut down")
	}
	if g.state == StateConnecting || g.state == StateOpen {
		g.mu.Unlock()
		return nil
	}
	g.state = StateConnecting
	if g.reconnectTimer != nil {
		g.reconnectTimer.Stop()
		g.reconnectTimer = nil
	}
	g.mu.Unlock()

	conn, err := g.dial(ctx)
	if err != nil {
		g.logger.Warn("dial failed", zap.Error(err))
		g.mu.Lock()
		g.state = StateDisconnected
		g.scheduleReconnectLocked()
		g.mu.Unlock()
		return nil
	}

	g.mu.Lock()
	g.gen++
	gen := g.gen
	g.conn = conn
	g.state = StateOpen
	g.attempts = 0
	stop := make(chan struct{})
	g.heartbeatStop = stop
	g.mu.Unlock()

	g.logger.Info("socket open")
	g.publish("conn.opened", nil)
	go g.reportPresence(true)
	go g.heartbeat(conn, stop)
	go g.readLoop(conn, gen)

	return nil
}

// Shutdown closes the socket for good: no reconnect is scheduled and the
// presence-offline side effect fires.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.shuttingDown = true
	if g.reconnectTimer != nil {
		g.reconnectTimer.Stop()
		g.reconnectTimer = nil
	}
	conn := g.conn
	if conn != nil {
		g.state = StateClosing
	}
	g.mu.Unlock()

	if conn != nil {
		_ = conn.Close() // read loop observes the error and finishes teardown
	}
}

// Send marshals a frame and writes it to the socket.
func (g *Gateway) Send(frame any) error {
	g.mu.Lock()
	conn := g.conn
	open := g.state == StateOpen
	g.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (g *Gateway) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.handleClose(gen, err)
			return
		}

		kind, event, err := Parse(data)
		if err != nil {
			var unknown *UnknownEventError
			if errors.As(err, &unknown) {
				g.logger.Warn("dropping unknown event", zap.String("type", unknown.Type))
			} else {
				g.logger.Warn("dropping malformed frame", zap.Error(err))
			}
			continue
		}
		g.publish(kind, event)
	}
}

func (g *Gateway) handleClose(gen uint64, cause error) {
	g.mu.Lock()
	if gen != g.gen {
		// A newer connection already exists; this close belongs to an old one.
		g.mu.Unlock()
		return
	}
	if g.heartbeatStop != nil {
		close(g.heartbeatStop)
		g.heartbeatStop = nil
	}
	g.conn = nil
	g.state = StateDisconnected
	down := g.shuttingDown
	if !down {
		g.scheduleReconnectLocked()
	}
	g.mu.Unlock()

	g.logger.Warn("socket closed", zap.Error(cause))
	g.publish("conn.closed", nil)
	g.reportPresence(false)
}

// scheduleReconnectLocked arms the single reconnect timer with exponential
// backoff and jitter. Callers hold g.mu. The guard on reconnectTimer means
// overlapping close events can never create two timers.
func (g *Gateway) scheduleReconnectLocked() {
	if g.reconnectTimer != nil || g.shuttingDown {
		return
	}
	delay := g.backoff(g.attempts)
	g.attempts++
	g.publish("conn.reconnecting", delay)
	g.reconnectTimer = time.AfterFunc(delay, func() {
		g.mu.Lock()
		g.reconnectTimer = nil
		g.mu.Unlock()
		_ = g.Connect(context.Background())
	})
}

// backoff returns the delay before reconnect attempt n: base doubled per
// attempt, capped at max, with a random jitter of +/- the configured
// percentage. Attempts are unbounded; only the delay is.
func (g *Gateway) backoff(attempt int) time.Duration {
	base := g.cfg.ReconnectBase()
	max := g.cfg.ReconnectMax()

	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}

	if pct := g.cfg.ReconnectJitterPct; pct > 0 {
		span := int64(delay) * int64(pct) / 100
		delay += time.Duration(rand.Int63n(2*span+1) - span)
	}
	if delay < 0 {
		delay = base
	}
	return delay
}

func (g *Gateway) heartbeat(conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(g.cfg.Heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				g.logger.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close() // surfaces through the read loop
				return
			}
		case <-stop:
			return
		}
	}
}

// reportPresence fires the presence REST side effect. Failures are logged
// and never retried.
func (g *Gateway) reportPresence(online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.presence.UpdateStatus(ctx, g.identity.UserID, online); err != nil {
		g.logger.Warn("presence update failed", zap.Bool("online", online), zap.Error(err))
	}
}

func (g *Gateway) publish(kind string, payload any) {
	g.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
