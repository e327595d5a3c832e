// Package envelope builds and opens the encrypted packets that wrap message
// payloads on the wire. AES-256-GCM with a fresh random nonce per packet;
// the payload is nonce||ciphertext.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NonceSize is the AEAD nonce length prefixed to every payload.
const NonceSize = 12

// MsgTypeMessage is the only packet type currently on the wire.
const MsgTypeMessage = "Message"

// ErrDecryptionFailed is returned when a payload fails authentication or is
// malformed. The affected message must be surfaced as undecryptable, never
// rendered from the garbage plaintext.
var ErrDecryptionFailed = errors.New("decryption failed")

// KeySource resolves per-session shared keys. session.Keyring implements it.
type KeySource interface {
	Get(ctx context.Context, sessionID string) ([]byte, error)
}

// Packet is the encrypted wire envelope. AckID and RetryCount are carried
// for protocol compatibility but no ack or retry tracking exists yet.
type Packet struct {
	MessageID  string  `json:"message_id"`
	ChatID     string  `json:"chat_id"`
	Sender     string  `json:"sender"`
	Timestamp  string  `json:"timestamp"`
	MsgType    string  `json:"msg_type"`
	Payload    []byte  `json:"payload"`
	AckID      *string `json:"ack_id"`
	RetryCount int     `json:"retry_count"`
}

// Build encrypts plaintext under the session's shared key and wraps it in a
// packet. A missing key aborts the send; there is no plaintext fallback.
func Build(ctx context.Context, keys KeySource, chatID, sessionID, sender string, plaintext []byte) (*Packet, error) {
	key, err := keys.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	payload := aead.Seal(nonce, nonce, plaintext, nil)

	return &Packet{
		MessageID:  uuid.New().String(),
		ChatID:     chatID,
		Sender:     sender,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		MsgType:    MsgTypeMessage,
		Payload:    payload,
		AckID:      nil,
		RetryCount: 0,
	}, nil
}

// Open decrypts a packet's payload with the session's shared key.
// Authentication failure yields ErrDecryptionFailed for this packet only.
func Open(ctx context.Context, keys KeySource, sessionID string, p *Packet) ([]byte, error) {
	key, err := keys.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	if len(p.Payload) < NonceSize {
		return nil, fmt.Errorf("payload too short: %w", ErrDecryptionFailed)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := p.Payload[:NonceSize], p.Payload[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return aead, nil
}
