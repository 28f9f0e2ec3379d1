// Package postgres provides a PostgreSQL implementation of the
// authgate.Storage interface. Counter increments ride on single-statement
// conditional upserts; bucket and reservation transitions use SQL
// transactions with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authgate/authgate/pkg/authgate"
)

// Storage implements authgate.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// InitSchema creates the gate tables if they do not exist
func (s *Storage) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS gate_counters (
			tenant_id    TEXT NOT NULL,
			scope        TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			window_end   TIMESTAMPTZ NOT NULL,
			used         DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (tenant_id, scope, window_start)
		);
		CREATE TABLE IF NOT EXISTS gate_buckets (
			tenant_id   TEXT NOT NULL,
			scope       TEXT NOT NULL,
			tokens      DOUBLE PRECISION NOT NULL,
			last_refill TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, scope)
		);
		CREATE TABLE IF NOT EXISTS gate_reservations (
			tenant_id      TEXT NOT NULL,
			idem_key       TEXT NOT NULL,
			reservation_id TEXT NOT NULL,
			fingerprint    TEXT NOT NULL DEFAULT '',
			expires_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, idem_key)
		);
		CREATE TABLE IF NOT EXISTS gate_replays (
			tenant_id    TEXT NOT NULL,
			idem_key     TEXT NOT NULL,
			status       INT NOT NULL,
			headers      JSONB,
			body         BYTEA,
			committed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, idem_key)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// IncrementCounter implements authgate.Storage. The conditional upsert
// commits the increment only when the pre-increment counter is under the
// limit; PostgreSQL serializes concurrent upserts on the primary key.
func (s *Storage) IncrementCounter(ctx context.Context, req *authgate.CounterRequest) (*authgate.CounterResult, error) {
	if req.Limit <= 0 {
		used, err := s.GetCounter(ctx, req.TenantID, req.Scope, req.WindowStart)
		if err != nil {
			return nil, err
		}
		return &authgate.CounterResult{Allowed: false, Used: used}, nil
	}

	var used float64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO gate_counters (tenant_id, scope, window_start, window_end, used)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, scope, window_start)
		DO UPDATE SET used = gate_counters.used + EXCLUDED.used
		WHERE gate_counters.used < $6
		RETURNING used`,
		req.TenantID.String(), req.Scope, req.WindowStart, req.WindowEnd, req.Weight, req.Limit,
	).Scan(&used)
	if err == pgx.ErrNoRows {
		// Conditional update refused: the window is at its limit.
		used, err = s.GetCounter(ctx, req.TenantID, req.Scope, req.WindowStart)
		if err != nil {
			return nil, err
		}
		return &authgate.CounterResult{Allowed: false, Used: used}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment counter: %w", err)
	}
	return &authgate.CounterResult{Allowed: true, Used: used}, nil
}

// GetCounter implements authgate.Storage
func (s *Storage) GetCounter(
	ctx context.Context, tenant authgate.TenantID, scope string, windowStart time.Time,
) (float64, error) {
	var used float64
	err := s.pool.QueryRow(ctx,
		`SELECT used FROM gate_counters WHERE tenant_id = $1 AND scope = $2 AND window_start = $3`,
		tenant.String(), scope, windowStart,
	).Scan(&used)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return used, nil
}

// DebitBucket implements authgate.Storage
func (s *Storage) DebitBucket(ctx context.Context, req *authgate.BucketRequest) (*authgate.BucketResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// Ensure the row exists so FOR UPDATE has something to lock.
	_, err = tx.Exec(ctx, `
		INSERT INTO gate_buckets (tenant_id, scope, tokens, last_refill)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, scope) DO NOTHING`,
		req.TenantID.String(), req.Scope, req.Capacity, req.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to seed bucket: %w", err)
	}

	var tokens float64
	var lastRefill time.Time
	err = tx.QueryRow(ctx,
		`SELECT tokens, last_refill FROM gate_buckets WHERE tenant_id = $1 AND scope = $2 FOR UPDATE`,
		req.TenantID.String(), req.Scope,
	).Scan(&tokens, &lastRefill)
	if err != nil {
		return nil, fmt.Errorf("failed to lock bucket: %w", err)
	}

	if elapsed := req.Now.Sub(lastRefill); elapsed > 0 {
		tokens += elapsed.Seconds() * req.RefillPerSecond
		if tokens > req.Capacity {
			tokens = req.Capacity
		}
		lastRefill = req.Now
	}

	allowed := tokens >= req.Weight
	if allowed {
		tokens -= req.Weight
	}

	_, err = tx.Exec(ctx,
		`UPDATE gate_buckets SET tokens = $3, last_refill = $4 WHERE tenant_id = $1 AND scope = $2`,
		req.TenantID.String(), req.Scope, tokens, lastRefill,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update bucket: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit bucket update: %w", err)
	}

	return &authgate.BucketResult{Allowed: allowed, Tokens: tokens}, nil
}

// PutReservation implements authgate.Storage. The advisory lock serializes
// the replay check and the reservation upsert against a concurrent commit
// on the same key; without it a commit landing between the two statements
// would let a fresh reservation slip in behind the new replay.
func (s *Storage) PutReservation(ctx context.Context, req *authgate.ReservationRequest) (*authgate.Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := lockIdemKey(ctx, tx, req.TenantID, req.Key); err != nil {
		return nil, err
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM gate_replays WHERE tenant_id = $1 AND idem_key = $2)`,
		req.TenantID.String(), req.Key,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check replay: %w", err)
	}
	if exists {
		return nil, nil
	}

	// Insert wins on a fresh key; the conditional update reclaims an
	// expired reservation and refuses a live one.
	var storedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO gate_reservations (tenant_id, idem_key, reservation_id, fingerprint, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, idem_key)
		DO UPDATE SET reservation_id = EXCLUDED.reservation_id,
			fingerprint = EXCLUDED.fingerprint,
			expires_at = EXCLUDED.expires_at
		WHERE gate_reservations.expires_at <= $6
		RETURNING reservation_id`,
		req.TenantID.String(), req.Key, req.ReservationID, req.Fingerprint, req.ExpiresAt, req.Now,
	).Scan(&storedID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	return &authgate.Reservation{
		ID:          req.ReservationID,
		TenantID:    req.TenantID,
		Key:         req.Key,
		Fingerprint: req.Fingerprint,
		ExpiresAt:   req.ExpiresAt,
	}, nil
}

// DeleteReservation implements authgate.Storage
func (s *Storage) DeleteReservation(ctx context.Context, tenant authgate.TenantID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM gate_reservations WHERE tenant_id = $1 AND idem_key = $2`,
		tenant.String(), key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}

// PutReplay implements authgate.Storage
func (s *Storage) PutReplay(ctx context.Context, tenant authgate.TenantID, key string, replay *authgate.Replay) error {
	if replay == nil {
		return fmt.Errorf("nil replay")
	}
	headers, err := json.Marshal(replay.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := lockIdemKey(ctx, tx, tenant, key); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM gate_reservations WHERE tenant_id = $1 AND idem_key = $2`,
		tenant.String(), key,
	)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO gate_replays (tenant_id, idem_key, status, headers, body, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, idem_key)
		DO UPDATE SET status = EXCLUDED.status,
			headers = EXCLUDED.headers,
			body = EXCLUDED.body,
			committed_at = EXCLUDED.committed_at`,
		tenant.String(), key, replay.Status, headers, replay.Body, replay.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store replay: %w", err)
	}
	return tx.Commit(ctx)
}

// GetReplay implements authgate.Storage
func (s *Storage) GetReplay(ctx context.Context, tenant authgate.TenantID, key string) (*authgate.Replay, error) {
	var replay authgate.Replay
	var headers []byte
	err := s.pool.QueryRow(ctx,
		`SELECT status, headers, body, committed_at FROM gate_replays WHERE tenant_id = $1 AND idem_key = $2`,
		tenant.String(), key,
	).Scan(&replay.Status, &headers, &replay.Body, &replay.CommittedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read replay: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &replay.Headers); err != nil {
			return nil, fmt.Errorf("corrupt replay headers: %w", err)
		}
	}
	return &replay, nil
}

// lockIdemKey takes a transaction-scoped advisory lock on (tenant, key) so
// reservation acquisition and replay commit never interleave for one key
func lockIdemKey(ctx context.Context, tx pgx.Tx, tenant authgate.TenantID, key string) error {
	_, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`,
		tenant.String(), key,
	)
	if err != nil {
		return fmt.Errorf("failed to lock idempotency key: %w", err)
	}
	return nil
}

// Now implements authgate.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, err
	}
	return now.UTC(), nil
}
