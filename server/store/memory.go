package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore holds box configuration, snapshots, rankings, and tokens in
// process memory. It implements the Store interface and backs tests and
// single-binary deployments without external dependencies.
type MemoryStore struct {
	mu          sync.RWMutex
	boxes       map[int]*BoxRecord
	snapshots   map[int][]byte
	rankings    map[string]*RankingRecord
	tokens      map[string]time.Time
	idempotency map[string]idemRecord
}

type idemRecord struct {
	value   string
	expires time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		boxes:       make(map[int]*BoxRecord),
		snapshots:   make(map[int][]byte),
		rankings:    make(map[string]*RankingRecord),
		tokens:      make(map[string]time.Time),
		idempotency: make(map[string]idemRecord),
	}
}

// --- Box Operations ---

func (s *MemoryStore) SaveBox(ctx context.Context, rec *BoxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recCopy := *rec
	s.boxes[rec.BoxID] = &recCopy
	return nil
}

func (s *MemoryStore) ListBoxes(ctx context.Context) ([]*BoxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*BoxRecord, 0, len(s.boxes))
	for _, rec := range s.boxes {
		recCopy := *rec
		result = append(result, &recCopy)
	}
	return result, nil
}

func (s *MemoryStore) DeleteBox(ctx context.Context, boxID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.boxes, boxID)
	delete(s.snapshots, boxID)
	return nil
}

// --- Snapshot Operations ---

func (s *MemoryStore) SaveBoxSnapshot(ctx context.Context, boxID int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.snapshots[boxID] = cp
	return nil
}

func (s *MemoryStore) GetBoxSnapshot(ctx context.Context, boxID int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.snapshots[boxID]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// --- Ranking Operations ---

func (s *MemoryStore) SaveRanking(ctx context.Context, rec *RankingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recCopy := *rec
	s.rankings[rec.Categorie] = &recCopy
	return nil
}

func (s *MemoryStore) ListRankings(ctx context.Context) ([]*RankingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*RankingRecord, 0, len(s.rankings))
	for _, rec := range s.rankings {
		recCopy := *rec
		result = append(result, &recCopy)
	}
	return result, nil
}

// --- Spectator Token Operations ---

func (s *MemoryStore) PutSpectatorToken(ctx context.Context, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) CheckSpectatorToken(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.tokens[token]
	if !ok {
		return false, nil
	}
	if time.Now().After(expires) {
		delete(s.tokens, token)
		return false, nil
	}
	return true, nil
}

// --- Idempotency Operations ---

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idempotency[key]
	if !ok || time.Now().After(rec.expires) {
		delete(s.idempotency, key)
		return "", errors.New("not found")
	}
	return rec.value, nil
}

func (s *MemoryStore) SetIdempotencyRecord(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotency[key] = idemRecord{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Close() {}
