package store

// Chat represents a cached chat. SessionID is empty for plaintext chats;
// a non-empty value marks the chat as encrypted and names the key used by
// the envelope pipeline. PeerPublicKey is the counterpart's X25519 public
// key (hex) on direct chats, letting the keyring derive the session key
// when the server has none to hand out.
type Chat struct {
	ID            string
	Name          string
	IsGroup       bool
	SessionID     string
	PeerPublicKey string
	Participants  []string
}

// Message statuses.
const (
	StatusSending  = "sending"
	StatusSent     = "sent"
	StatusReceived = "received"
	StatusFailed   = "failed"
)

// Message represents one record in a chat's canonical sequence.
//
// Seq is the insertion order within the cache and is what listing orders by:
// a confirmation replaces the pending row in place, so the optimistic
// position survives the server timestamp adoption. MsgID is the permanent
// server id, empty while the message is pending; TempID is the
// client-generated correlation handle, kept after confirmation for audit but
// no longer used for lookup.
type Message struct {
	Seq         int64
	ChatID      string
	MsgID       string
	TempID      string
	Sender      string
	Body        string
	Attachment  string
	MsgType     string
	FromMe      bool
	Pending     bool
	IsRead      bool
	IsEdited    bool
	IsDelivered bool
	Status      string
	Timestamp   int64
}

// OutboxEntry represents a queued outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
}
