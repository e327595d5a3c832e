package api

import (
	"context"
	"net/http"
)

// PresenceService updates the user's online status. Calls are side effects
// fired on connection open/close: callers log failures and never retry.
type PresenceService struct {
	client *Client
}

// NewPresenceService creates a presence service.
func NewPresenceService(c *Client) *PresenceService {
	return &PresenceService{client: c}
}

type statusUpdate struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// UpdateStatus reports the user as online or offline.
func (s *PresenceService) UpdateStatus(ctx context.Context, userID string, online bool) error {
	return s.client.do(ctx, http.MethodPut, "/api/users/status", statusUpdate{
		UserID:   userID,
		IsOnline: online,
	}, nil)
}
