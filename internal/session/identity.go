package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/curve25519"
)

// Identity is the authenticated user: who we are on the server plus the
// X25519 keypair that identifies us in presence events and derives direct
// chat session keys.
type Identity struct {
	UserID     string
	AuthToken  string
	PublicKey  [32]byte
	PrivateKey [32]byte
}

type identityFile struct {
	UserID     string `json:"user_id"`
	AuthToken  string `json:"auth_token"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadIdentity reads the identity for a session, generating a fresh keypair
// on first run. UserID and AuthToken stay empty until the user authenticates.
func LoadIdentity(sessionName string) (*Identity, error) {
	path := IdentityPath(sessionName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		id, genErr := GenerateIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := SaveIdentity(sessionName, id); saveErr != nil {
			return nil, saveErr
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}

	id := &Identity{UserID: f.UserID, AuthToken: f.AuthToken}
	if err := decodeKey(f.PublicKey, &id.PublicKey); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if err := decodeKey(f.PrivateKey, &id.PrivateKey); err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	return id, nil
}

// GenerateIdentity creates a new X25519 keypair.
func GenerateIdentity() (*Identity, error) {
	var id Identity
	if _, err := rand.Read(id.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(id.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(id.PublicKey[:], pub)
	return &id, nil
}

// SaveIdentity persists the identity with 0600 permissions.
func SaveIdentity(sessionName string, id *Identity) error {
	if err := EnsureDir(sessionName); err != nil {
		return err
	}
	f := identityFile{
		UserID:     id.UserID,
		AuthToken:  id.AuthToken,
		PublicKey:  hex.EncodeToString(id.PublicKey[:]),
		PrivateKey: hex.EncodeToString(id.PrivateKey[:]),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(IdentityPath(sessionName), data, 0600)
}

// PublicKeyHex returns the hex form used as the presence key on the wire.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey[:])
}

func decodeKey(s string, dst *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("key length %d, want 32", len(raw))
	}
	copy(dst[:], raw)
	return nil
}
