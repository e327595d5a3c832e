package daemon

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/dmaraujo/parley/internal/api"
	"github.com/dmaraujo/parley/internal/call"
	"github.com/dmaraujo/parley/internal/gateway"
	"github.com/dmaraujo/parley/internal/outbox"
	"github.com/dmaraujo/parley/internal/reconcile"
	"github.com/dmaraujo/parley/internal/status"
	"github.com/dmaraujo/parley/internal/store"
)

// Core is the surface the UI layer drives. It translates UI intents into the
// owning component (outbox, engine, coordinator, gateway) and exposes the
// reconciled read side. State flows back to the UI over the bus.
type Core struct {
	db          *store.DB
	engine      *reconcile.Engine
	sender      *outbox.Sender
	coordinator *call.Coordinator
	calls       *call.Machine
	runtime     *status.Machine
	presence    *reconcile.PresenceTracker
	msgs        *api.MessageService
	gw          *gateway.Gateway
	logger      *zap.Logger
}

// NewCore creates the UI facade.
func NewCore(db *store.DB, engine *reconcile.Engine, sender *outbox.Sender, coordinator *call.Coordinator, calls *call.Machine, runtime *status.Machine, presence *reconcile.PresenceTracker, msgs *api.MessageService, gw *gateway.Gateway, logger *zap.Logger) *Core {
	return &Core{
		db:          db,
		engine:      engine,
		sender:      sender,
		coordinator: coordinator,
		calls:       calls,
		runtime:     runtime,
		presence:    presence,
		msgs:        msgs,
		gw:          gw,
		logger:      logger,
	}
}

// Chats pages the cached chats, most recently active first.
func (c *Core) Chats(limit, offset int) ([]store.Chat, error) {
	return c.db.ListChats(limit, offset)
}

// Messages pages a chat's canonical sequence in stored order.
func (c *Core) Messages(chatID string, afterSeq int64, limit int) ([]store.Message, error) {
	return c.db.ListMessages(chatID, afterSeq, limit)
}

// MessagesByDay returns a page of a chat grouped by calendar day for
// rendering. Grouping never reorders the stored sequence.
func (c *Core) MessagesByDay(chatID string, afterSeq int64, limit int) ([]reconcile.DayGroup, error) {
	msgs, err := c.db.ListMessages(chatID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return reconcile.GroupByDay(msgs), nil
}

// SendText queues a text message and returns its temp id. The message shows
// up immediately as pending; confirmation arrives over the socket.
func (c *Core) SendText(chatID, text string) (string, error) {
	return c.sender.Queue(chatID, text)
}

// MarkChatRead sweeps the chat's unread foreign messages, reporting each to
// the server.
func (c *Core) MarkChatRead(ctx context.Context, chatID string) error {
	return c.engine.MarkVisibleRead(ctx, chatID)
}

// EditMessage submits an edit. The patched state lands via the server's
// editMessage echo, same as edits from other devices.
func (c *Core) EditMessage(ctx context.Context, messageID, content string) error {
	return c.msgs.Edit(ctx, messageID, content)
}

// DeleteMessage submits a delete; removal lands via the server echo.
func (c *Core) DeleteMessage(ctx context.Context, messageID string) error {
	return c.msgs.Delete(ctx, messageID)
}

// StartCall begins an outgoing call and returns its call id.
func (c *Core) StartCall(ctx context.Context, toUserID string, offer json.RawMessage) (string, error) {
	return c.coordinator.StartCall(ctx, toUserID, offer)
}

// AcceptCall answers the ringing incoming call.
func (c *Core) AcceptCall(ctx context.Context, answer json.RawMessage) error {
	return c.coordinator.Accept(ctx, answer)
}

// RejectCall declines the ringing incoming call.
func (c *Core) RejectCall(ctx context.Context) error {
	return c.coordinator.Reject(ctx)
}

// EndCall hangs up the current call.
func (c *Core) EndCall(ctx context.Context) error {
	return c.coordinator.End(ctx)
}

// SendICE relays a local ICE candidate for the current call.
func (c *Core) SendICE(candidate json.RawMessage) error {
	return c.coordinator.SendICE(candidate)
}

// Status returns the client runtime state.
func (c *Core) Status() status.State {
	return c.runtime.Current()
}

// CallSession returns the current call session, idle when no call is up.
func (c *Core) CallSession() call.Session {
	return c.calls.Current()
}

// Presence returns a counterpart's presence by public key.
func (c *Core) Presence(publicKey string) (reconcile.PresenceStatus, bool) {
	return c.presence.Get(publicKey)
}

// PresenceSnapshot returns the full presence map.
func (c *Core) PresenceSnapshot() map[string]reconcile.PresenceStatus {
	return c.presence.Snapshot()
}

// Connect opens the socket, typically after authentication completes.
func (c *Core) Connect(ctx context.Context) error {
	return c.gw.Connect(ctx)
}
