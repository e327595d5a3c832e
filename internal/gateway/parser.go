package gateway

import (
	"encoding/json"
	"fmt"
)

// UnknownEventError reports an inbound frame whose type the core does not
// know. The gateway logs and drops these; they are never fatal.
type UnknownEventError struct {
	Type string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// Bus kinds for parsed inbound events, published under the server namespace.
const (
	KindMessageNew           = "server.message.new"
	KindMessageEdit          = "server.message.edit"
	KindMessageDelete        = "server.message.delete"
	KindMessageRead          = "server.message.read"
	KindMessagePacket        = "server.message.packet"
	KindChatCreated          = "server.chat.created"
	KindChatDeleted          = "server.chat.deleted"
	KindPresenceConnected    = "server.presence.connected"
	KindPresenceDisconnected = "server.presence.disconnected"
	KindCallOffer            = "server.call.offer"
	KindCallAnswer           = "server.call.answer"
	KindCallAccepted         = "server.call.accepted"
	KindCallRejected         = "server.call.rejected"
	KindCallEnded            = "server.call.ended"
	KindCallICE              = "server.call.ice"
)

// Parse decodes an inbound frame into its typed event and the bus kind it is
// published under. The frame's discriminating "type" field selects the
// concrete payload type; anything else yields UnknownEventError.
func Parse(data []byte) (kind string, event any, err error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}

	decode := func(v any) error {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return nil
	}

	switch head.Type {
	case TypeNewMessage:
		var e NewMessage
		return KindMessageNew, &e, decode(&e)
	case TypeEditMessage:
		var e EditMessage
		return KindMessageEdit, &e, decode(&e)
	case TypeDeleteMessage:
		var e DeleteMessage
		return KindMessageDelete, &e, decode(&e)
	case TypeChatCreated:
		var e ChatCreated
		return KindChatCreated, &e, decode(&e)
	case TypeChatDeleted:
		var e ChatDeleted
		return KindChatDeleted, &e, decode(&e)
	case TypeMessageRead:
		var e MessageRead
		return KindMessageRead, &e, decode(&e)
	case TypeUserConnected:
		var e UserConnected
		return KindPresenceConnected, &e, decode(&e)
	case TypeUserDisconnected:
		var e UserDisconnected
		return KindPresenceDisconnected, &e, decode(&e)
	case TypeEncryptedMessage:
		var e EncryptedMessage
		return KindMessagePacket, &e, decode(&e)
	case TypeCallOffer:
		var e CallOffer
		return KindCallOffer, &e, decode(&e)
	case TypeCallAnswer:
		var e CallAnswer
		return KindCallAnswer, &e, decode(&e)
	case TypeCallAccepted:
		var e CallAccepted
		return KindCallAccepted, &e, decode(&e)
	case TypeCallRejected:
		var e CallRejected
		return KindCallRejected, &e, decode(&e)
	case TypeCallEnded:
		var e CallEnded
		return KindCallEnded, &e, decode(&e)
	case TypeICECandidate:
		var e ICECandidate
		return KindCallICE, &e, decode(&e)
	default:
		return "", nil, &UnknownEventError{Type: head.Type}
	}
}
