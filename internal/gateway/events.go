package gateway

import (
	"encoding/json"

	"github.com/dmaraujo/parley/internal/envelope"
)

// Wire frame type names, shared by inbound dispatch and outbound frames.
const (
	TypeNewMessage       = "newMessage"
	TypeEditMessage      = "editMessage"
	TypeDeleteMessage    = "deleteMessage"
	TypeChatCreated      = "chatCreated"
	TypeChatDeleted      = "chatDeleted"
	TypeMessageRead      = "messageRead"
	TypeUserConnected    = "userConnected"
	TypeUserDisconnected = "userDisconnected"
	TypeEncryptedMessage = "encryptedMessage"
	TypeSendMessage      = "sendMessage"
	TypeCallOffer        = "callOffer"
	TypeCallAnswer       = "callAnswer"
	TypeCallAccepted     = "callAccepted"
	TypeCallRejected     = "callRejected"
	TypeCallEnded        = "callEnded"
	TypeICECandidate     = "iceCandidate"
)

// WireMessage is the message object carried by newMessage events and
// outbound sends. TempID is present only on frames correlated with an
// optimistic local record.
type WireMessage struct {
	ID         string `json:"id,omitempty"`
	TempID     string `json:"tempId,omitempty"`
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId"`
	Content    string `json:"content"`
	Attachment string `json:"attachment,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
}

// WireChat is the chat object carried by chatCreated events. PeerPublicKey
// is set on direct chats and feeds session key derivation.
type WireChat struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	IsGroup       bool     `json:"isGroup"`
	SessionID     string   `json:"sessionId,omitempty"`
	PeerPublicKey string   `json:"peerPublicKey,omitempty"`
	Participants  []string `json:"participants"`
}

// Inbound event payloads, one type per wire frame type. The parser decodes
// exactly one of these per frame; consumers switch on the concrete type.

type NewMessage struct {
	Message WireMessage `json:"message"`
}

type EditMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
}

type DeleteMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

type ChatCreated struct {
	Chat WireChat `json:"chat"`
}

type ChatDeleted struct {
	ChatID string `json:"chatId"`
}

type MessageRead struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

type UserConnected struct {
	PublicKey string `json:"publicKey"`
}

type UserDisconnected struct {
	PublicKey  string `json:"publicKey"`
	LastOnline string `json:"lastOnline,omitempty"`
}

// EncryptedMessage wraps an envelope packet delivered over the socket.
type EncryptedMessage struct {
	Packet envelope.Packet `json:"packet"`
}

// CallSignal covers the call frames; the signaling body (offer, answer or
// ICE candidate) is relayed verbatim and never interpreted by the core.
type CallSignal struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

type CallOffer CallSignal
type CallAnswer CallSignal
type CallAccepted CallSignal
type CallRejected CallSignal
type CallEnded CallSignal
type ICECandidate CallSignal

// Outbound frames. Type is fixed by the constructor; frames marshal directly
// onto the socket.

// SendFrame is an outbound plaintext message frame.
type SendFrame struct {
	Type    string      `json:"type"`
	Message WireMessage `json:"message"`
}

// NewSendFrame builds a sendMessage frame.
func NewSendFrame(m WireMessage) SendFrame {
	return SendFrame{Type: TypeSendMessage, Message: m}
}

// PacketFrame is an outbound encrypted envelope frame.
type PacketFrame struct {
	Type   string           `json:"type"`
	Packet *envelope.Packet `json:"packet"`
}

// NewPacketFrame builds an encryptedMessage frame.
func NewPacketFrame(p *envelope.Packet) PacketFrame {
	return PacketFrame{Type: TypeEncryptedMessage, Packet: p}
}

// SignalFrame is an outbound call signaling frame.
type SignalFrame struct {
	Type string `json:"type"`
	CallSignal
}

// NewSignalFrame builds a call signaling frame of the given type.
func NewSignalFrame(frameType string, sig CallSignal) SignalFrame {
	return SignalFrame{Type: frameType, CallSignal: sig}
}
