// Package session issues and tracks the per-box (sessionId, boxVersion)
// pair. The pair identifies one incarnation of a box: it rotates on every
// route initialization and on reset, and any write carrying a mismatched
// pair is dropped as stale. This is what lets an old judge tab coexist with
// a new one without corrupting state.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
)

// Pair is the current incarnation identity of a box.
type Pair struct {
	ID      string
	Version int64
}

// Registry holds the live pair for every box.
type Registry struct {
	mu    sync.RWMutex
	pairs map[int]Pair
}

func NewRegistry() *Registry {
	return &Registry{pairs: make(map[int]Pair)}
}

// Create seeds a box with a fresh session at version 0 (pre-initiation).
func (r *Registry) Create(boxID int) Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Pair{ID: newID(), Version: 0}
	r.pairs[boxID] = p
	return p
}

// Rotate regenerates the session id and bumps the version by one.
func (r *Registry) Rotate(boxID int) Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Pair{ID: newID(), Version: r.pairs[boxID].Version + 1}
	r.pairs[boxID] = p
	return p
}

// Current returns the live pair for a box.
func (r *Registry) Current(boxID int) (Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[boxID]
	return p, ok
}

// Matches reports whether the given pair is the one currently in effect.
func (r *Registry) Matches(boxID int, id string, version int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[boxID]
	return ok && p.ID == id && p.Version == version
}

// Restore reinstates a pair recovered from a persisted snapshot, so clients
// that survived a server restart stay fresh.
func (r *Registry) Restore(boxID int, p Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[boxID] = p
}

// Invalidate drops the pair for a deleted box; any late-arriving command
// from an old client can no longer match.
func (r *Registry) Invalidate(boxID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pairs, boxID)
}

// newID returns 128 bits of randomness, URL-safe encoded.
func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
