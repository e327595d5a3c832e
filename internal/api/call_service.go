package api

import (
	"context"
	"fmt"
	"net/http"
)

// CallService covers the call lifecycle bookkeeping endpoints. These run in
// parallel with signaling frames on the socket and are not transactionally
// linked to them: a failure here never rolls back a frame already sent.
type CallService struct {
	client *Client
}

// NewCallService creates a call service.
func NewCallService(c *Client) *CallService {
	return &CallService{client: c}
}

type initiateRequest struct {
	CallID     string `json:"callId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
}

// Initiate registers a new outgoing call.
func (s *CallService) Initiate(ctx context.Context, callID, fromUserID, toUserID string) error {
	return s.client.do(ctx, http.MethodPost, "/api/calls", initiateRequest{
		CallID:     callID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
	}, nil)
}

// Accept records that the callee accepted.
func (s *CallService) Accept(ctx context.Context, callID string) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/calls/%s/accept", callID), nil, nil)
}

// Reject records that the callee rejected.
func (s *CallService) Reject(ctx context.Context, callID string) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/calls/%s/reject", callID), nil, nil)
}

// End records that either side ended an established call.
func (s *CallService) End(ctx context.Context, callID string) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/calls/%s/end", callID), nil, nil)
}
