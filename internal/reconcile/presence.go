package reconcile

import (
	"sync"
	"time"
)

// PresenceStatus is the online state of a counterpart, keyed by public key.
type PresenceStatus struct {
	Online     bool
	LastOnline time.Time
}

// PresenceTracker holds the ephemeral presence map. It is rebuilt from
// connect/disconnect events each session and never persisted.
type PresenceTracker struct {
	mu sync.RWMutex
	m  map[string]PresenceStatus
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{m: make(map[string]PresenceStatus)}
}

// SetOnline marks a public key as online.
func (p *PresenceTracker) SetOnline(publicKey string) {
	p.mu.Lock()
	p.m[publicKey] = PresenceStatus{Online: true}
	p.mu.Unlock()
}

// SetOffline marks a public key as offline with its last-seen time.
func (p *PresenceTracker) SetOffline(publicKey string, lastOnline time.Time) {
	p.mu.Lock()
	p.m[publicKey] = PresenceStatus{Online: false, LastOnline: lastOnline}
	p.mu.Unlock()
}

// Get returns the status for a public key.
func (p *PresenceTracker) Get(publicKey string) (PresenceStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.m[publicKey]
	return s, ok
}

// Snapshot returns a copy of the full presence map.
func (p *PresenceTracker) Snapshot() map[string]PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]PresenceStatus, len(p.m))
	for k, v := range p.m {
		out[k] = v
	}
	return out
}
