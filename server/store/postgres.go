package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend. Competition
// day traffic is write-light (one snapshot per accepted command), so the
// schema favors simple upserts over normalization.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and creates the schema if missing.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS boxes (
			box_id INT PRIMARY KEY,
			categorie TEXT NOT NULL DEFAULT '',
			routes_count INT NOT NULL,
			holds_counts JSONB NOT NULL,
			timer_preset_sec INT NOT NULL,
			competitors JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS box_snapshots (
			box_id INT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS rankings (
			categorie TEXT PRIMARY KEY,
			route_count INT NOT NULL,
			scores JSONB NOT NULL,
			times JSONB NOT NULL,
			clubs JSONB,
			use_time_tiebreak BOOLEAN NOT NULL DEFAULT FALSE,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS spectator_tokens (
			token TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Box Operations ---

func (s *PostgresStore) SaveBox(ctx context.Context, rec *BoxRecord) error {
	holds, err := json.Marshal(rec.HoldsCounts)
	if err != nil {
		return err
	}
	roster, err := json.Marshal(rec.Competitors)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO boxes (box_id, categorie, routes_count, holds_counts, timer_preset_sec, competitors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (box_id) DO UPDATE SET
			categorie = EXCLUDED.categorie,
			routes_count = EXCLUDED.routes_count,
			holds_counts = EXCLUDED.holds_counts,
			timer_preset_sec = EXCLUDED.timer_preset_sec,
			competitors = EXCLUDED.competitors
	`
	_, err = s.pool.Exec(ctx, query,
		rec.BoxID, rec.Categorie, rec.RoutesCount, holds, rec.TimerPresetSec, roster, rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListBoxes(ctx context.Context) ([]*BoxRecord, error) {
	query := `
		SELECT box_id, categorie, routes_count, holds_counts, timer_preset_sec, competitors, created_at
		FROM boxes ORDER BY box_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var boxes []*BoxRecord
	for rows.Next() {
		var rec BoxRecord
		var holds, roster []byte
		if err := rows.Scan(
			&rec.BoxID, &rec.Categorie, &rec.RoutesCount, &holds, &rec.TimerPresetSec, &roster, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(holds, &rec.HoldsCounts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(roster, &rec.Competitors); err != nil {
			return nil, err
		}
		boxes = append(boxes, &rec)
	}
	return boxes, rows.Err()
}

func (s *PostgresStore) DeleteBox(ctx context.Context, boxID int) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM box_snapshots WHERE box_id = $1`, boxID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM boxes WHERE box_id = $1`, boxID)
	return err
}

// --- Snapshot Operations ---

func (s *PostgresStore) SaveBoxSnapshot(ctx context.Context, boxID int, data []byte) error {
	query := `
		INSERT INTO box_snapshots (box_id, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (box_id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, boxID, data)
	return err
}

func (s *PostgresStore) GetBoxSnapshot(ctx context.Context, boxID int) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM box_snapshots WHERE box_id = $1`, boxID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// --- Ranking Operations ---

func (s *PostgresStore) SaveRanking(ctx context.Context, rec *RankingRecord) error {
	scores, err := json.Marshal(rec.Scores)
	if err != nil {
		return err
	}
	times, err := json.Marshal(rec.Times)
	if err != nil {
		return err
	}
	clubs, err := json.Marshal(rec.Clubs)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO rankings (categorie, route_count, scores, times, clubs, use_time_tiebreak, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (categorie) DO UPDATE SET
			route_count = EXCLUDED.route_count,
			scores = EXCLUDED.scores,
			times = EXCLUDED.times,
			clubs = EXCLUDED.clubs,
			use_time_tiebreak = EXCLUDED.use_time_tiebreak,
			saved_at = EXCLUDED.saved_at
	`
	_, err = s.pool.Exec(ctx, query,
		rec.Categorie, rec.RouteCount, scores, times, clubs, rec.UseTimeTiebreak, rec.SavedAt,
	)
	return err
}

func (s *PostgresStore) ListRankings(ctx context.Context) ([]*RankingRecord, error) {
	query := `
		SELECT categorie, route_count, scores, times, clubs, use_time_tiebreak, saved_at
		FROM rankings ORDER BY categorie
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rankings []*RankingRecord
	for rows.Next() {
		var rec RankingRecord
		var scores, times, clubs []byte
		if err := rows.Scan(
			&rec.Categorie, &rec.RouteCount, &scores, &times, &clubs, &rec.UseTimeTiebreak, &rec.SavedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(scores, &rec.Scores); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(times, &rec.Times); err != nil {
			return nil, err
		}
		if len(clubs) > 0 {
			if err := json.Unmarshal(clubs, &rec.Clubs); err != nil {
				return nil, err
			}
		}
		rankings = append(rankings, &rec)
	}
	return rankings, rows.Err()
}

// --- Spectator Token Operations ---

func (s *PostgresStore) PutSpectatorToken(ctx context.Context, token string, ttl time.Duration) error {
	query := `
		INSERT INTO spectator_tokens (token, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`
	_, err := s.pool.Exec(ctx, query, token, time.Now().Add(ttl))
	return err
}

func (s *PostgresStore) CheckSpectatorToken(ctx context.Context, token string) (bool, error) {
	var expires time.Time
	err := s.pool.QueryRow(ctx, `SELECT expires_at FROM spectator_tokens WHERE token = $1`, token).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().Before(expires), nil
}

// --- Idempotency Operations ---

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	var value string
	var expires time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM idempotency_records WHERE key = $1`, key,
	).Scan(&value, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errors.New("not found")
	}
	if err != nil {
		return "", err
	}
	if time.Now().After(expires) {
		return "", errors.New("not found")
	}
	return value, nil
}

func (s *PostgresStore) SetIdempotencyRecord(ctx context.Context, key string, value string, ttl time.Duration) error {
	query := `
		INSERT INTO idempotency_records (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
	`
	_, err := s.pool.Exec(ctx, query, key, value, time.Now().Add(ttl))
	return err
}
