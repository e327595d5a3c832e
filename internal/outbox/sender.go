// Package outbox drains queued local sends to the server. Every send is
// optimistic: the message is visible locally before any network attempt, and
// the outbox row tracks the attempt through queued, sending, sent or failed.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmaraujo/parley/internal/api"
	"github.com/dmaraujo/parley/internal/bus"
	"github.com/dmaraujo/parley/internal/envelope"
	"github.com/dmaraujo/parley/internal/gateway"
	"github.com/dmaraujo/parley/internal/session"
	"github.com/dmaraujo/parley/internal/store"
)

// LocalAppender inserts the optimistic pending record for a queued send.
// reconcile.Engine implements it.
type LocalAppender interface {
	AppendLocal(chatID, tempID, sender, body string) error
}

// RestSender submits plaintext messages over REST. api.MessageService
// implements it.
type RestSender interface {
	Send(ctx context.Context, req api.SendRequest) (*api.SendResponse, error)
}

// FrameSender writes a frame to the open socket. gateway.Gateway implements
// it.
type FrameSender interface {
	Send(frame any) error
}

// Sender drains the outbox. Encrypted chats go out as envelope packets over
// the socket; plaintext chats go out over REST. Either way the pending
// record stays pending until the server's confirmation event resolves it.
type Sender struct {
	db         *store.DB
	local      LocalAppender
	rest       RestSender
	frames     FrameSender
	keys       envelope.KeySource
	selfID     string
	bus        *bus.Bus
	logger     *zap.Logger
	staleAfter time.Duration
	cancel     context.CancelFunc
}

// NewSender creates an outbox sender. selfID is the local user id stamped on
// outgoing packets.
func NewSender(db *store.DB, local LocalAppender, rest RestSender, frames FrameSender, keys envelope.KeySource, selfID string, b *bus.Bus, staleAfter time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:         db,
		local:      local,
		rest:       rest,
		frames:     frames,
		keys:       keys,
		selfID:     selfID,
		bus:        b,
		logger:     logger,
		staleAfter: staleAfter,
	}
}

// Queue records a local send and returns its temp id. The optimistic record
// is visible immediately; the drain loop picks up the network attempt.
func (s *Sender) Queue(chatID, text string) (string, error) {
	tempID := uuid.New().String()
	if err := s.local.AppendLocal(chatID, tempID, s.selfID, text); err != nil {
		return "", err
	}
	if err := s.db.QueueOutbox(tempID, chatID, text); err != nil {
		return "", err
	}
	return tempID, nil
}

// Start begins polling the outbox for queued sends.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
			s.sweepStale()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
			continue
		}

		if err := s.dispatch(ctx, entry); err != nil {
			s.fail(entry, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
		}
		s.logger.Info("message dispatched", zap.String("temp_id", entry.ClientMsgID), zap.String("chat_id", entry.ChatID))
		s.publish("message.send_ack", map[string]string{"temp_id": entry.ClientMsgID, "chat_id": entry.ChatID})
	}
}

// dispatch picks the transport for one entry. A chat with a session id is
// encrypted: the body is sealed into a packet and written to the socket. A
// missing session key fails the send; plaintext never leaves as a fallback.
func (s *Sender) dispatch(ctx context.Context, entry store.OutboxEntry) error {
	chat, err := s.db.GetChat(entry.ChatID)
	if err != nil {
		return err
	}

	if chat != nil && chat.SessionID != "" {
		p, err := envelope.Build(ctx, s.keys, entry.ChatID, chat.SessionID, s.selfID, []byte(entry.Body))
		if err != nil {
			return err
		}
		return s.frames.Send(gateway.NewPacketFrame(p))
	}

	resp, err := s.rest.Send(ctx, api.SendRequest{
		TempID:  entry.ClientMsgID,
		ChatID:  entry.ChatID,
		Content: entry.Body,
	})
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return errors.New("server rejected message")
	}
	return nil
}

func (s *Sender) fail(entry store.OutboxEntry, err error) {
	if errors.Is(err, gateway.ErrNotConnected) {
		// Socket down is transient: leave the entry queued and let the next
		// tick retry. The stale-pending sweep bounds how long it may wait.
		s.logger.Warn("socket down, send requeued", zap.String("temp_id", entry.ClientMsgID), zap.String("chat_id", entry.ChatID))
		if err := s.db.RequeueOutbox(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to requeue", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
		}
		return
	}
	if errors.Is(err, session.ErrMissingSessionKey) {
		s.logger.Warn("no session key, send aborted", zap.String("temp_id", entry.ClientMsgID), zap.String("chat_id", entry.ChatID))
	} else {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
	}
	_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
	s.publish("message.send_failed", map[string]string{
		"temp_id": entry.ClientMsgID,
		"chat_id": entry.ChatID,
		"error":   err.Error(),
	})
}

// sweepStale flips pending records older than the send timeout to failed, so
// a confirmation that never arrives does not leave a message sending
// forever.
func (s *Sender) sweepStale() {
	if s.staleAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.staleAfter).UnixMilli()
	n, err := s.db.FailStalePending(cutoff)
	if err != nil {
		s.logger.Error("stale pending sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("marked stale pending messages failed", zap.Int64("count", n))
		s.publish("message.stale_failed", map[string]int64{"count": n})
	}
}

func (s *Sender) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
