package api

import (
	"context"
	"fmt"
	"net/http"
)

// MessageService covers the message bookkeeping endpoints that pair with the
// socket: plaintext send, read receipts, edits and deletes.
type MessageService struct {
	client *Client
}

// NewMessageService creates a message service.
func NewMessageService(c *Client) *MessageService {
	return &MessageService{client: c}
}

// SendRequest is a plaintext send for chats without a session key.
type SendRequest struct {
	TempID  string `json:"tempId"`
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// SendResponse acknowledges acceptance; the authoritative confirmation
// arrives later as a newMessage socket event carrying the temp id.
type SendResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
}

// Send submits a message over REST.
func (s *MessageService) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	var resp SendResponse
	if err := s.client.do(ctx, http.MethodPost, "/api/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead reports a single message as read. One call per message id;
// the server treats repeats as no-ops.
func (s *MessageService) MarkRead(ctx context.Context, messageID string) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/messages/%s/read", messageID), nil, nil)
}

// Edit updates a message's content.
func (s *MessageService) Edit(ctx context.Context, messageID, content string) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/messages/%s", messageID),
		map[string]string{"content": content}, nil)
}

// Delete removes a message.
func (s *MessageService) Delete(ctx context.Context, messageID string) error {
	return s.client.do(ctx, http.MethodDelete, fmt.Sprintf("/api/messages/%s", messageID), nil, nil)
}
