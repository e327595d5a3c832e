package gateway

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseDispatchesByType(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		kind  string
		check func(t *testing.T, event any)
	}{
		{
			name:  "newMessage",
			frame: `{"type":"newMessage","message":{"id":"555","tempId":"1001","chatId":"42","senderId":"a","content":"hello"}}`,
			kind:  KindMessageNew,
			check: func(t *testing.T, event any) {
				e := event.(*NewMessage)
				if e.Message.ID != "555" || e.Message.ChatID != "42" {
					t.Errorf("message = %+v", e.Message)
				}
			},
		},
		{
			name:  "editMessage",
			frame: `{"type":"editMessage","messageId":"m1","chatId":"42","content":"fixed"}`,
			kind:  KindMessageEdit,
			check: func(t *testing.T, event any) {
				e := event.(*EditMessage)
				if e.MessageID != "m1" || e.Content != "fixed" {
					t.Errorf("edit = %+v", e)
				}
			},
		},
		{
			name:  "deleteMessage",
			frame: `{"type":"deleteMessage","messageId":"m1","chatId":"42"}`,
			kind:  KindMessageDelete,
			check: func(t *testing.T, event any) {
				if e := event.(*DeleteMessage); e.MessageID != "m1" {
					t.Errorf("delete = %+v", e)
				}
			},
		},
		{
			name:  "chatCreated",
			frame: `{"type":"chatCreated","chat":{"id":"42","name":"dev","isGroup":true,"participants":["a","b"]}}`,
			kind:  KindChatCreated,
			check: func(t *testing.T, event any) {
				e := event.(*ChatCreated)
				if e.Chat.ID != "42" || !e.Chat.IsGroup || len(e.Chat.Participants) != 2 {
					t.Errorf("chat = %+v", e.Chat)
				}
			},
		},
		{
			name:  "messageRead",
			frame: `{"type":"messageRead","messageId":"m1","chatId":"42"}`,
			kind:  KindMessageRead,
			check: func(t *testing.T, event any) {
				if e := event.(*MessageRead); e.MessageID != "m1" {
					t.Errorf("read = %+v", e)
				}
			},
		},
		{
			name:  "userConnected",
			frame: `{"type":"userConnected","publicKey":"abc"}`,
			kind:  KindPresenceConnected,
			check: func(t *testing.T, event any) {
				if e := event.(*UserConnected); e.PublicKey != "abc" {
					t.Errorf("presence = %+v", e)
				}
			},
		},
		{
			name:  "userDisconnected",
			frame: `{"type":"userDisconnected","publicKey":"abc","lastOnline":"2024-01-01T00:00:00Z"}`,
			kind:  KindPresenceDisconnected,
			check: func(t *testing.T, event any) {
				if e := event.(*UserDisconnected); e.LastOnline == "" {
					t.Errorf("presence = %+v", e)
				}
			},
		},
		{
			name:  "callOffer",
			frame: `{"type":"callOffer","callId":"c1","fromUserId":"a","toUserId":"b","offer":{"sdp":"v=0"}}`,
			kind:  KindCallOffer,
			check: func(t *testing.T, event any) {
				e := event.(*CallOffer)
				if e.CallID != "c1" || len(e.Offer) == 0 {
					t.Errorf("offer = %+v", e)
				}
			},
		},
		{
			name:  "iceCandidate",
			frame: `{"type":"iceCandidate","callId":"c1","fromUserId":"a","toUserId":"b","candidate":{"candidate":"foo"}}`,
			kind:  KindCallICE,
			check: func(t *testing.T, event any) {
				e := event.(*ICECandidate)
				if e.CallID != "c1" || len(e.Candidate) == 0 {
					t.Errorf("candidate = %+v", e)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, event, err := Parse([]byte(tt.frame))
			if err != nil {
				t.Fatal(err)
			}
			if kind != tt.kind {
				t.Errorf("kind = %q, want %q", kind, tt.kind)
			}
			tt.check(t, event)
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	_, _, err := Parse([]byte(`{"type":"totallyNew","x":1}`))
	var unknown *UnknownEventError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownEventError", err)
	}
	if unknown.Type != "totallyNew" {
		t.Errorf("type = %q", unknown.Type)
	}
}

func TestParseMalformedFrame(t *testing.T) {
	if _, _, err := Parse([]byte(`{not json`)); err == nil {
		t.Error("malformed frame should fail")
	}
}

func TestOutboundFramesCarryType(t *testing.T) {
	frames := map[string]any{
		TypeSendMessage:  NewSendFrame(WireMessage{ChatID: "42", Content: "hi"}),
		TypeCallOffer:    NewSignalFrame(TypeCallOffer, CallSignal{CallID: "c1"}),
		TypeICECandidate: NewSignalFrame(TypeICECandidate, CallSignal{CallID: "c1"}),
	}
	for wantType, frame := range frames {
		data, err := json.Marshal(frame)
		if err != nil {
			t.Fatal(err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			t.Fatal(err)
		}
		if head.Type != wantType {
			t.Errorf("frame type = %q, want %q", head.Type, wantType)
		}
	}
}
