package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dmaraujo/parley/internal/bus"
	"github.com/dmaraujo/parley/internal/envelope"
	"github.com/dmaraujo/parley/internal/gateway"
	"github.com/dmaraujo/parley/internal/session"
	"github.com/dmaraujo/parley/internal/store"
)

// UndecryptableBody is stored in place of a payload that failed to open, so
// the UI renders an explicit marker instead of dropping the message.
const UndecryptableBody = "[undecryptable message]"

// ReadReporter issues the per-message read status update to the server.
// api.MessageService implements it.
type ReadReporter interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Engine merges local optimistic state with inbound server events into the
// canonical per-chat message sequence. It subscribes to server.* events on
// the bus and processes them strictly one at a time, so every merge is
// atomic with respect to the next event.
type Engine struct {
	db       *store.DB
	keys     envelope.KeySource
	reads    ReadReporter
	presence *PresenceTracker
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewEngine creates a reconciliation engine.
func NewEngine(db *store.DB, keys envelope.KeySource, reads ReadReporter, presence *PresenceTracker, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		keys:     keys,
		reads:    reads,
		presence: presence,
		bus:      b,
		logger:   logger,
	}
}

// Start subscribes to inbound server events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("server.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case gateway.KindMessageNew:
		msg, ok := evt.Payload.(*gateway.NewMessage)
		if !ok {
			return
		}
		if err := e.IngestMessage(&msg.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.Message.ID))
		}
	case gateway.KindMessagePacket:
		pkt, ok := evt.Payload.(*gateway.EncryptedMessage)
		if !ok {
			return
		}
		if err := e.IngestPacket(ctx, &pkt.Packet); err != nil {
			e.logger.Error("failed to ingest packet", zap.Error(err), zap.String("msg_id", pkt.Packet.MessageID))
		}
	case gateway.KindMessageEdit:
		edit, ok := evt.Payload.(*gateway.EditMessage)
		if !ok {
			return
		}
		if err := e.ApplyEdit(edit); err != nil {
			e.logger.Error("failed to apply edit", zap.Error(err), zap.String("msg_id", edit.MessageID))
		}
	case gateway.KindMessageDelete:
		del, ok := evt.Payload.(*gateway.DeleteMessage)
		if !ok {
			return
		}
		if err := e.db.DeleteMessage(del.ChatID, del.MessageID); err != nil {
			e.logger.Error("failed to delete message", zap.Error(err), zap.String("msg_id", del.MessageID))
			return
		}
		e.publish("message.deleted", del)
	case gateway.KindMessageRead:
		read, ok := evt.Payload.(*gateway.MessageRead)
		if !ok {
			return
		}
		if err := e.db.MarkRead(read.MessageID); err != nil {
			e.logger.Error("failed to mark read", zap.Error(err), zap.String("msg_id", read.MessageID))
			return
		}
		e.publish("message.read", read)
	case gateway.KindChatCreated:
		created, ok := evt.Payload.(*gateway.ChatCreated)
		if !ok {
			return
		}
		chat := &store.Chat{
			ID:            created.Chat.ID,
			Name:          created.Chat.Name,
			IsGroup:       created.Chat.IsGroup,
			SessionID:     created.Chat.SessionID,
			PeerPublicKey: created.Chat.PeerPublicKey,
			Participants:  created.Chat.Participants,
		}
		if err := e.db.UpsertChat(chat); err != nil {
			e.logger.Error("failed to upsert chat", zap.Error(err), zap.String("chat_id", chat.ID))
			return
		}
		e.publish("chat.created", chat)
	case gateway.KindChatDeleted:
		deleted, ok := evt.Payload.(*gateway.ChatDeleted)
		if !ok {
			return
		}
		if err := e.db.DeleteChat(deleted.ChatID); err != nil {
			e.logger.Error("failed to delete chat", zap.Error(err), zap.String("chat_id", deleted.ChatID))
			return
		}
		e.publish("chat.deleted", deleted)
	case gateway.KindPresenceConnected:
		p, ok := evt.Payload.(*gateway.UserConnected)
		if !ok {
			return
		}
		e.presence.SetOnline(p.PublicKey)
		e.publish("presence.updated", p.PublicKey)
	case gateway.KindPresenceDisconnected:
		p, ok := evt.Payload.(*gateway.UserDisconnected)
		if !ok {
			return
		}
		e.presence.SetOffline(p.PublicKey, e.parseTimestampTime(p.LastOnline))
		e.publish("presence.updated", p.PublicKey)
	}
}

// AppendLocal inserts an optimistic pending record for a local send. The
// record holds its position in the sequence until the confirmation replaces
// it in place.
func (e *Engine) AppendLocal(chatID, tempID, sender, body string) error {
	if err := e.db.InsertPending(&store.Message{
		ChatID:    chatID,
		TempID:    tempID,
		Sender:    sender,
		Body:      body,
		MsgType:   "text",
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("insert pending: %w", err)
	}
	if err := e.db.TouchChat(chatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	e.publish("message.upserted", map[string]string{"chat_id": chatID, "temp_id": tempID})
	return nil
}

// IngestMessage processes a newMessage event. A matching pending temp id is
// confirmed in place; anything else is appended as a server-originated
// record. Idempotent: replaying a confirmation updates the existing row.
func (e *Engine) IngestMessage(m *gateway.WireMessage) error {
	ts := e.parseTimestamp(m.CreatedAt)

	if m.TempID != "" {
		replaced, err := e.db.ConfirmPending(m.ChatID, m.TempID, m.ID, ts, m.Attachment)
		if err != nil {
			return fmt.Errorf("confirm pending: %w", err)
		}
		if replaced {
			e.publish("message.confirmed", map[string]string{
				"chat_id": m.ChatID, "temp_id": m.TempID, "msg_id": m.ID,
			})
			return nil
		}
		// No pending record (already confirmed, or another device sent it):
		// fall through to the idempotent upsert keyed on the permanent id.
	}

	if err := e.db.UpsertServerMessage(&store.Message{
		ChatID:     m.ChatID,
		MsgID:      m.ID,
		Sender:     m.SenderID,
		Body:       m.Content,
		Attachment: m.Attachment,
		MsgType:    "text",
		Status:     store.StatusReceived,
		Timestamp:  ts,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := e.db.TouchChat(m.ChatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	e.publish("message.upserted", map[string]string{"chat_id": m.ChatID, "msg_id": m.ID})
	return nil
}

// IngestPacket opens an encrypted envelope and ingests the plaintext. A key
// miss or authentication failure stores an explicit undecryptable marker;
// it never takes down the socket or other messages.
func (e *Engine) IngestPacket(ctx context.Context, p *envelope.Packet) error {
	sessionID := p.ChatID
	if chat, err := e.db.GetChat(p.ChatID); err == nil && chat != nil && chat.SessionID != "" {
		sessionID = chat.SessionID
	}

	ts := e.parseTimestamp(p.Timestamp)
	msg := &store.Message{
		ChatID:    p.ChatID,
		MsgID:     p.MessageID,
		Sender:    p.Sender,
		MsgType:   "text",
		Status:    store.StatusReceived,
		Timestamp: ts,
	}

	plaintext, err := envelope.Open(ctx, e.keys, sessionID, p)
	switch {
	case err == nil:
		msg.Body = string(plaintext)
	case errors.Is(err, envelope.ErrDecryptionFailed), errors.Is(err, session.ErrMissingSessionKey):
		e.logger.Warn("undecryptable packet", zap.String("msg_id", p.MessageID), zap.Error(err))
		msg.Body = UndecryptableBody
		msg.MsgType = "undecryptable"
	default:
		return fmt.Errorf("open envelope: %w", err)
	}

	if err := e.db.UpsertServerMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := e.db.TouchChat(p.ChatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	e.publish("message.upserted", map[string]string{"chat_id": p.ChatID, "msg_id": p.MessageID})
	return nil
}

// ApplyEdit patches a message body by permanent id. Edits land in the cache
// for any chat, not just the one currently open, so background chats stay
// consistent.
func (e *Engine) ApplyEdit(edit *gateway.EditMessage) error {
	patched, err := e.db.ApplyEdit(edit.ChatID, edit.MessageID, edit.Content)
	if err != nil {
		return fmt.Errorf("apply edit: %w", err)
	}
	if !patched {
		e.logger.Warn("edit for unknown message", zap.String("msg_id", edit.MessageID), zap.String("chat_id", edit.ChatID))
		return nil
	}
	e.publish("message.edited", edit)
	return nil
}

// MarkVisibleRead sweeps the unread foreign-authored messages of a chat:
// each is flipped locally and reported to the server with one status call
// per message id. Safe to rerun; the server treats repeats as no-ops.
func (e *Engine) MarkVisibleRead(ctx context.Context, chatID string) error {
	unread, err := e.db.UnreadForeign(chatID)
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}
	for _, m := range unread {
		if err := e.db.MarkRead(m.MsgID); err != nil {
			e.logger.Error("failed to mark read locally", zap.Error(err), zap.String("msg_id", m.MsgID))
			continue
		}
		if err := e.reads.MarkRead(ctx, m.MsgID); err != nil {
			e.logger.Warn("read report failed", zap.Error(err), zap.String("msg_id", m.MsgID))
		}
		e.publish("message.read", &gateway.MessageRead{MessageID: m.MsgID, ChatID: chatID})
	}
	return nil
}

// parseTimestamp parses an RFC3339 server timestamp to unix millis,
// substituting local time when the value does not parse. The message is
// accepted either way.
func (e *Engine) parseTimestamp(s string) int64 {
	return e.parseTimestampTime(s).UnixMilli()
}

func (e *Engine) parseTimestampTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		e.logger.Warn("invalid server timestamp, using local time", zap.String("value", s))
		return time.Now()
	}
	return t
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
