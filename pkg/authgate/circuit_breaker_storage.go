package authgate

import (
	"context"
	"errors"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker
// protection. When the breaker is open every operation fails fast with
// ErrStorageUnavailable, so the gate fails closed rather than admitting
// requests it cannot account for.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) execute(ctx context.Context, fn func() error) error {
	err := s.cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return ErrStorageUnavailable
	}
	return err
}

func (s *CircuitBreakerStorage) IncrementCounter(ctx context.Context, req *CounterRequest) (*CounterResult, error) {
	var res *CounterResult
	err := s.execute(ctx, func() error {
		var e error
		res, e = s.storage.IncrementCounter(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStorage) GetCounter(
	ctx context.Context, tenant TenantID, scope string, windowStart time.Time,
) (float64, error) {
	var value float64
	err := s.execute(ctx, func() error {
		var e error
		value, e = s.storage.GetCounter(ctx, tenant, scope, windowStart)
		return e
	})
	return value, err
}

func (s *CircuitBreakerStorage) DebitBucket(ctx context.Context, req *BucketRequest) (*BucketResult, error) {
	var res *BucketResult
	err := s.execute(ctx, func() error {
		var e error
		res, e = s.storage.DebitBucket(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStorage) PutReservation(ctx context.Context, req *ReservationRequest) (*Reservation, error) {
	var res *Reservation
	err := s.execute(ctx, func() error {
		var e error
		res, e = s.storage.PutReservation(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStorage) DeleteReservation(ctx context.Context, tenant TenantID, key string) error {
	return s.execute(ctx, func() error {
		return s.storage.DeleteReservation(ctx, tenant, key)
	})
}

func (s *CircuitBreakerStorage) PutReplay(ctx context.Context, tenant TenantID, key string, replay *Replay) error {
	return s.execute(ctx, func() error {
		return s.storage.PutReplay(ctx, tenant, key, replay)
	})
}

func (s *CircuitBreakerStorage) GetReplay(ctx context.Context, tenant TenantID, key string) (*Replay, error) {
	var replay *Replay
	err := s.execute(ctx, func() error {
		var e error
		replay, e = s.storage.GetReplay(ctx, tenant, key)
		return e
	})
	return replay, err
}
