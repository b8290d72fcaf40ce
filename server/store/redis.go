package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements the Store interface using Redis. Everything is a
// JSON blob under a boxd:* key; spectator tokens and idempotency records
// use native TTLs so expiry needs no sweeper.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() {
	s.client.Close()
}

// --- Box Operations ---

func (s *RedisStore) SaveBox(ctx context.Context, rec *BoxRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal box record: %w", err)
	}
	return s.client.Set(ctx, BoxKey(ResourceBox, rec.BoxID), data, 0).Err()
}

func (s *RedisStore) ListBoxes(ctx context.Context) ([]*BoxRecord, error) {
	match := Prefix(ResourceBox) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var boxes []*BoxRecord
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec BoxRecord
		if err := json.Unmarshal(data, &rec); err == nil {
			boxes = append(boxes, &rec)
		}
	}
	return boxes, iter.Err()
}

func (s *RedisStore) DeleteBox(ctx context.Context, boxID int) error {
	return s.client.Del(ctx,
		BoxKey(ResourceBox, boxID),
		BoxKey(ResourceSnapshot, boxID),
	).Err()
}

// --- Snapshot Operations ---

func (s *RedisStore) SaveBoxSnapshot(ctx context.Context, boxID int, data []byte) error {
	return s.client.Set(ctx, BoxKey(ResourceSnapshot, boxID), data, 0).Err()
}

func (s *RedisStore) GetBoxSnapshot(ctx context.Context, boxID int) ([]byte, error) {
	data, err := s.client.Get(ctx, BoxKey(ResourceSnapshot, boxID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

// --- Ranking Operations ---

func (s *RedisStore) SaveRanking(ctx context.Context, rec *RankingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ranking: %w", err)
	}
	return s.client.Set(ctx, Key(ResourceRanking, rec.Categorie), data, 0).Err()
}

func (s *RedisStore) ListRankings(ctx context.Context) ([]*RankingRecord, error) {
	match := Prefix(ResourceRanking) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var rankings []*RankingRecord
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec RankingRecord
		if err := json.Unmarshal(data, &rec); err == nil {
			rankings = append(rankings, &rec)
		}
	}
	return rankings, iter.Err()
}

// --- Spectator Token Operations ---

func (s *RedisStore) PutSpectatorToken(ctx context.Context, token string, ttl time.Duration) error {
	return s.client.Set(ctx, Key(ResourceToken, token), "1", ttl).Err()
}

func (s *RedisStore) CheckSpectatorToken(ctx context.Context, token string) (bool, error) {
	_, err := s.client.Get(ctx, Key(ResourceToken, token)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- Idempotency Operations ---

func (s *RedisStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, "idempotency:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errors.New("not found")
	}
	return val, err
}

func (s *RedisStore) SetIdempotencyRecord(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, "idempotency:"+key, value, ttl).Err()
}
