package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
)

// KeyService looks up session keys on the server. session.Keyring uses it as
// its fetch-through; a failed lookup surfaces to callers as a missing key.
type KeyService struct {
	client *Client
}

// NewKeyService creates a key service.
func NewKeyService(c *Client) *KeyService {
	return &KeyService{client: c}
}

type keyResponse struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"key"` // base64
}

// SessionKey fetches the shared key for a session.
func (s *KeyService) SessionKey(ctx context.Context, sessionID string) ([]byte, error) {
	var resp keyResponse
	if err := s.client.do(ctx, http.MethodGet, fmt.Sprintf("/api/sessions/%s/key", sessionID), nil, &resp); err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(resp.Key)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	return key, nil
}
