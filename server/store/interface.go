package store

import (
	"context"
	"time"
)

// Store defines the methods required for a permanent storage backend.
// It abstracts over Postgres (durable) and Redis (ephemeral/fast); the
// in-memory implementation backs tests and single-binary deployments.
type Store interface {
	// Box Operations
	SaveBox(ctx context.Context, rec *BoxRecord) error
	ListBoxes(ctx context.Context) ([]*BoxRecord, error)
	DeleteBox(ctx context.Context, boxID int) error

	// Snapshot Operations
	// SaveBoxSnapshot stores the latest authoritative snapshot blob for
	// restart recovery. Last write wins.
	SaveBoxSnapshot(ctx context.Context, boxID int, data []byte) error
	GetBoxSnapshot(ctx context.Context, boxID int) ([]byte, error)

	// Ranking Operations
	SaveRanking(ctx context.Context, rec *RankingRecord) error
	ListRankings(ctx context.Context) ([]*RankingRecord, error)

	// Spectator Token Operations
	PutSpectatorToken(ctx context.Context, token string, ttl time.Duration) error
	CheckSpectatorToken(ctx context.Context, token string) (bool, error)

	// Idempotency Operations
	// GetIdempotencyRecord retrieves a cached idempotency response.
	GetIdempotencyRecord(ctx context.Context, key string) (string, error)

	// SetIdempotencyRecord stores an idempotency response with TTL.
	SetIdempotencyRecord(ctx context.Context, key string, value string, ttl time.Duration) error

	Close()
}
