package server

import (
	"sync"

	"github.com/tunlify/tunlify/internal/domain"
)

// registry is the gateway-local map from tunnel key to the control channel
// currently serving it. The mutex guards the map only; callers perform all
// I/O (closing a displaced session, catalog updates) outside the lock.
type registry struct {
	mu       sync.RWMutex
	sessions map[domain.TunnelKey]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[domain.TunnelKey]*session)}
}

// insert stores sess under key and returns the displaced previous session,
// if any. Last writer wins; the caller closes the returned session.
func (r *registry) insert(key domain.TunnelKey, sess *session) *session {
	r.mu.Lock()
	prev := r.sessions[key]
	r.sessions[key] = sess
	r.mu.Unlock()
	if prev == sess {
		return nil
	}
	return prev
}

// lookup returns the session serving key, or nil.
func (r *registry) lookup(key domain.TunnelKey) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[key]
}

// remove deletes the entry for key iff it still points to sess. A session
// displaced by a reconnect must not remove its successor.
func (r *registry) remove(key domain.TunnelKey, sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[key] != sess {
		return false
	}
	delete(r.sessions, key)
	return true
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshot returns the current sessions. Used by the janitor and shutdown,
// which must not hold the registry lock while closing channels.
func (r *registry) snapshot() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}
