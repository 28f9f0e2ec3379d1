package authgate

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IdempotencyStore guarantees at-most-one side-effecting execution per
// (tenant, key) pair via a reservation/commit/replay protocol.
//
// The state machine per (tenant, key) is Absent -> Reserved -> Committed.
// Reserved falls back to Absent only by expiry; there is no explicit cancel,
// an abandoned reservation simply expires. Committed is terminal.
type IdempotencyStore struct {
	storage Storage
	logger  Logger
	metrics Metrics
}

// IdempotencyConfig holds idempotency store configuration
type IdempotencyConfig struct {
	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics
}

// NewIdempotencyStore creates an idempotency store on the given storage
func NewIdempotencyStore(storage Storage, config IdempotencyConfig) (*IdempotencyStore, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &IdempotencyStore{
		storage: storage,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// TryBegin attempts to acquire the exclusive right to execute the mutation
// identified by (tenant, key). expiresAt is the absolute expiry of the
// reservation; a reservation whose expiry has passed no longer blocks.
//
// Returns (nil, nil) when a committed replay already exists (the caller must
// replay, not re-execute) or when another live reservation holds the key
// (the caller lost the race). Under concurrent calls on a fresh key exactly
// one caller receives a reservation.
func (s *IdempotencyStore) TryBegin(
	ctx context.Context, tenant TenantID, key string, expiresAt time.Time, opts ...BeginOption,
) (*Reservation, error) {
	options := BeginOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	res, err := s.storage.PutReservation(ctx, &ReservationRequest{
		TenantID:      tenant,
		Key:           key,
		ReservationID: uuid.NewString(),
		Fingerprint:   options.Fingerprint,
		ExpiresAt:     expiresAt,
		Now:           time.Now().UTC(),
	})
	if err != nil {
		s.metrics.RecordIdempotencyOp("begin", "error")
		return nil, err
	}
	if res == nil {
		s.metrics.RecordIdempotencyOp("begin", "lost")
		s.logger.Debug("reservation not granted",
			Field{Key: "tenant", Value: tenant.String()},
			Field{Key: "key", Value: key},
		)
		return nil, nil
	}

	s.metrics.RecordIdempotencyOp("begin", "acquired")
	return res, nil
}

// TryCommit records the canonical outcome for (tenant, key) and releases any
// reservation still held. Committing twice replaces the stored replay (last
// write wins); a missing reservation is not an error since it may already
// have expired.
func (s *IdempotencyStore) TryCommit(
	ctx context.Context, tenant TenantID, key string, status int, headers map[string]string, body []byte,
) error {
	replay := &Replay{
		Status:      status,
		Headers:     headers,
		Body:        body,
		CommittedAt: time.Now().UTC(),
	}
	if err := s.storage.PutReplay(ctx, tenant, key, replay.Clone()); err != nil {
		s.metrics.RecordIdempotencyOp("commit", "error")
		return err
	}

	// Best effort; the replay already blocks any future TryBegin.
	if err := s.storage.DeleteReservation(ctx, tenant, key); err != nil {
		s.logger.Warn("reservation cleanup failed",
			Field{Key: "tenant", Value: tenant.String()},
			Field{Key: "key", Value: key},
			Field{Key: "error", Value: err.Error()},
		)
	}

	s.metrics.RecordIdempotencyOp("commit", "ok")
	return nil
}

// TryGetReplay returns the committed outcome for (tenant, key), or nil if
// nothing was ever committed.
func (s *IdempotencyStore) TryGetReplay(ctx context.Context, tenant TenantID, key string) (*Replay, error) {
	replay, err := s.storage.GetReplay(ctx, tenant, key)
	if err != nil {
		s.metrics.RecordIdempotencyOp("replay", "error")
		return nil, err
	}
	if replay == nil {
		s.metrics.RecordIdempotencyOp("replay", "miss")
		return nil, nil
	}
	s.metrics.RecordIdempotencyOp("replay", "hit")
	return replay.Clone(), nil
}
