package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrMissingSessionKey is returned when no shared key can be resolved for a
// session. Callers must fail the affected send or receive; falling back to
// plaintext is not an option.
var ErrMissingSessionKey = errors.New("missing session key")

// KeyFetcher looks up a session key from the server.
// The REST key service implements it; tests substitute their own.
type KeyFetcher interface {
	SessionKey(ctx context.Context, sessionID string) ([]byte, error)
}

// PeerDirectory resolves the peer public key (hex) of the direct chat bound
// to a session, "" when none is known. The chat store implements it.
type PeerDirectory interface {
	PeerKeyForSession(sessionID string) (string, error)
}

// Keyring caches per-session symmetric keys. It is read-only to the rest of
// the core: the envelope pipeline resolves keys through Get, nothing else
// mutates it except the fetch-and-derive paths below. Keys live only in
// memory for the lifetime of the authenticated session.
type Keyring struct {
	mu       sync.RWMutex
	identity *Identity
	fetcher  KeyFetcher
	peers    PeerDirectory
	keys     map[string][]byte
}

// NewKeyring creates a keyring for the given identity. fetcher and peers may
// each be nil, disabling the server lookup or the derivation fallback.
func NewKeyring(identity *Identity, fetcher KeyFetcher, peers PeerDirectory) *Keyring {
	return &Keyring{
		identity: identity,
		fetcher:  fetcher,
		peers:    peers,
		keys:     make(map[string][]byte),
	}
}

// Get resolves the shared key for a session: cache first, then the server
// key lookup, then X25519 derivation against the direct chat's peer public
// key. Returns ErrMissingSessionKey when nothing resolves.
func (k *Keyring) Get(ctx context.Context, sessionID string) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[sessionID]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	if k.fetcher != nil {
		fetched, err := k.fetcher.SessionKey(ctx, sessionID)
		if err == nil && len(fetched) != 0 {
			k.Put(sessionID, fetched)
			return fetched, nil
		}
	}

	if k.peers != nil {
		peerKey, err := k.peers.PeerKeyForSession(sessionID)
		if err == nil && peerKey != "" {
			return k.DeriveDirect(sessionID, peerKey)
		}
	}

	return nil, ErrMissingSessionKey
}

// Put stores a key for a session.
func (k *Keyring) Put(sessionID string, key []byte) {
	k.mu.Lock()
	k.keys[sessionID] = key
	k.mu.Unlock()
}

// DeriveDirect computes the shared key for a direct chat with the peer
// identified by peerPublicKey (hex): X25519 shared secret stretched through
// HKDF-SHA256. Both sides derive the same key. The result is cached under
// sessionID.
func (k *Keyring) DeriveDirect(sessionID, peerPublicKey string) ([]byte, error) {
	peerRaw, err := hex.DecodeString(peerPublicKey)
	if err != nil || len(peerRaw) != 32 {
		return nil, fmt.Errorf("invalid peer public key: %w", ErrMissingSessionKey)
	}

	shared, err := curve25519.X25519(k.identity.PrivateKey[:], peerRaw)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, shared, nil, []byte("parley-session-v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}

	k.Put(sessionID, key)
	return key, nil
}

// Wipe zeroes and drops all cached keys when the authenticated session ends.
func (k *Keyring) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, key := range k.keys {
		for i := range key {
			key[i] = 0
		}
		delete(k.keys, id)
	}
}
