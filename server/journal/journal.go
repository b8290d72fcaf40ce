// Package journal keeps a bounded in-memory trail of applied commands per
// box. It exists for observability: advisory TIMER_SYNC reports, dispatch
// ordering, and "why was this ignored" questions during a contest.
package journal

import (
	"sync"
	"time"
)

// Entry is one dispatched command outcome.
type Entry struct {
	BoxID      int       `json:"boxId"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Role       string    `json:"role,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	BoxVersion int64     `json:"boxVersion,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const defaultCapacity = 256

// Store holds a ring of recent entries per box.
type Store struct {
	mu    sync.RWMutex
	rings map[int][]Entry
	cap   int
}

func NewStore() *Store {
	return &Store{rings: make(map[int][]Entry), cap: defaultCapacity}
}

// Record appends an entry, evicting the oldest when the ring is full.
func (s *Store) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	ring := s.rings[e.BoxID]
	if len(ring) >= s.cap {
		ring = ring[1:]
	}
	s.rings[e.BoxID] = append(ring, e)
}

// Events returns a copy of the recent entries for a box, oldest first.
func (s *Store) Events(boxID int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.rings[boxID]
	out := make([]Entry, len(ring))
	copy(out, ring)
	return out
}

// Drop forgets a deleted box.
func (s *Store) Drop(boxID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, boxID)
}
