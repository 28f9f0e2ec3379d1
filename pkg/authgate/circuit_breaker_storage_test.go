package authgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// mockStorage is a controllable storage implementation for testing
type mockStorage struct {
	err         error
	counter     *CounterResult
	bucket      *BucketResult
	reservation *Reservation
	replay      *Replay
}

func (m *mockStorage) IncrementCounter(_ context.Context, _ *CounterRequest) (*CounterResult, error) {
	return m.counter, m.err
}

func (m *mockStorage) GetCounter(_ context.Context, _ TenantID, _ string, _ time.Time) (float64, error) {
	return 0, m.err
}

func (m *mockStorage) DebitBucket(_ context.Context, _ *BucketRequest) (*BucketResult, error) {
	return m.bucket, m.err
}

func (m *mockStorage) PutReservation(_ context.Context, _ *ReservationRequest) (*Reservation, error) {
	return m.reservation, m.err
}

func (m *mockStorage) DeleteReservation(_ context.Context, _ TenantID, _ string) error {
	return m.err
}

func (m *mockStorage) PutReplay(_ context.Context, _ TenantID, _ string, _ *Replay) error {
	return m.err
}

func (m *mockStorage) GetReplay(_ context.Context, _ TenantID, _ string) (*Replay, error) {
	return m.replay, m.err
}

// openBreaker always reports open, forcing the fail-fast path
type openBreaker struct{}

func (openBreaker) Execute(_ context.Context, _ func() error) error { return ErrCircuitOpen }
func (openBreaker) Success()                                        {}
func (openBreaker) Failure(error)                                   {}
func (openBreaker) State() CircuitBreakerState                      { return StateOpen }

func TestCircuitBreakerStorage_PassesThroughResults(t *testing.T) {
	mock := &mockStorage{
		counter:     &CounterResult{Allowed: true, Used: 3},
		bucket:      &BucketResult{Allowed: true, Tokens: 1.5},
		reservation: &Reservation{ID: "res-1"},
		replay:      &Replay{Status: 200},
	}
	cb := NewDefaultCircuitBreaker(3, time.Minute, nil)
	wrapped := NewCircuitBreakerStorage(mock, cb)
	ctx := context.Background()

	counter, err := wrapped.IncrementCounter(ctx, &CounterRequest{})
	assert.NoError(t, err)
	assert.Equal(t, mock.counter, counter)

	bucket, err := wrapped.DebitBucket(ctx, &BucketRequest{})
	assert.NoError(t, err)
	assert.Equal(t, mock.bucket, bucket)

	reservation, err := wrapped.PutReservation(ctx, &ReservationRequest{})
	assert.NoError(t, err)
	assert.Equal(t, "res-1", reservation.ID)

	replay, err := wrapped.GetReplay(ctx, TenantID{}, "k")
	assert.NoError(t, err)
	assert.Equal(t, 200, replay.Status)

	assert.NoError(t, wrapped.DeleteReservation(ctx, TenantID{}, "k"))
	assert.NoError(t, wrapped.PutReplay(ctx, TenantID{}, "k", &Replay{}))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerStorage_PropagatesBackendErrors(t *testing.T) {
	boom := errors.New("backend down")
	mock := &mockStorage{err: boom}
	cb := NewDefaultCircuitBreaker(10, time.Minute, nil)
	wrapped := NewCircuitBreakerStorage(mock, cb)
	ctx := context.Background()

	_, err := wrapped.IncrementCounter(ctx, &CounterRequest{})
	assert.ErrorIs(t, err, boom)

	_, err = wrapped.GetCounter(ctx, TenantID{}, "s", time.Now())
	assert.ErrorIs(t, err, boom)

	err = wrapped.PutReplay(ctx, TenantID{}, "k", &Replay{})
	assert.ErrorIs(t, err, boom)
}

func TestCircuitBreakerStorage_OpenBreakerFailsFast(t *testing.T) {
	// The backend would succeed, but the open breaker short-circuits every
	// call into ErrStorageUnavailable
	mock := &mockStorage{counter: &CounterResult{Allowed: true}}
	wrapped := NewCircuitBreakerStorage(mock, openBreaker{})
	ctx := context.Background()

	_, err := wrapped.IncrementCounter(ctx, &CounterRequest{})
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = wrapped.DebitBucket(ctx, &BucketRequest{})
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = wrapped.PutReservation(ctx, &ReservationRequest{})
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = wrapped.GetReplay(ctx, TenantID{}, "k")
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	assert.ErrorIs(t, wrapped.DeleteReservation(ctx, TenantID{}, "k"), ErrStorageUnavailable)
	assert.ErrorIs(t, wrapped.PutReplay(ctx, TenantID{}, "k", &Replay{}), ErrStorageUnavailable)

	_, err = wrapped.GetCounter(ctx, TenantID{}, "s", time.Now())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
