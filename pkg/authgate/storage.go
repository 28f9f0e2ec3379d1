package authgate

import (
	"context"
	"time"
)

// Storage defines the persistence interface the gate's engines run on.
// All methods use concrete types from this package to avoid import cycles.
//
// Every read-modify-write method must be atomic per key: concurrent callers
// for the same (tenant, window) or (tenant, idempotency key) must observe a
// linearizable sequence of outcomes, while callers for different tenants or
// keys never contend. Backends resolve internal races (CAS conflicts,
// transaction retries) themselves; contention is never surfaced as an error.
type Storage interface {
	// IncrementCounter atomically adds req.Weight to the fixed-window
	// counter identified by req, but only when the pre-increment value is
	// strictly below req.Limit. On denial the counter is left unchanged.
	IncrementCounter(ctx context.Context, req *CounterRequest) (*CounterResult, error)

	// GetCounter returns the current counter value, 0 if absent
	GetCounter(ctx context.Context, tenant TenantID, scope string, windowStart time.Time) (float64, error)

	// DebitBucket atomically refills the tenant's token bucket for the
	// elapsed time and debits req.Weight when enough tokens are available.
	DebitBucket(ctx context.Context, req *BucketRequest) (*BucketResult, error)

	// PutReservation atomically acquires a reservation for
	// (req.TenantID, req.Key). It must return nil (not an error) when a
	// committed replay exists or a live reservation is held by someone
	// else, and must reclaim expired reservations in the same atomic step.
	PutReservation(ctx context.Context, req *ReservationRequest) (*Reservation, error)

	// DeleteReservation removes a reservation if present. Absence is not
	// an error.
	DeleteReservation(ctx context.Context, tenant TenantID, key string) error

	// PutReplay stores the committed replay, overwriting any prior value
	// (last write wins). Replays never expire.
	PutReplay(ctx context.Context, tenant TenantID, key string, replay *Replay) error

	// GetReplay returns the committed replay, or nil if never committed
	GetReplay(ctx context.Context, tenant TenantID, key string) (*Replay, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Backends that own an authoritative clock (e.g. Redis TIME) can implement
// it so distributed deployments don't depend on application clocks.
type TimeSource interface {
	// Now returns the current time from the storage engine
	Now(ctx context.Context) (time.Time, error)
}

// CounterRequest identifies one fixed-window increment attempt
type CounterRequest struct {
	TenantID TenantID

	// Scope distinguishes counters within a tenant (endpoint key, or empty
	// for a tenant-wide counter)
	Scope string

	WindowStart time.Time
	WindowEnd   time.Time

	// Limit is the effective capacity (permit limit + burst)
	Limit float64

	// Weight is the amount to consume
	Weight float64
}

// CounterResult is the outcome of an IncrementCounter call
type CounterResult struct {
	// Allowed reports whether the increment was committed
	Allowed bool

	// Used is the counter value after the call (unchanged when denied)
	Used float64
}

// BucketRequest identifies one token-bucket debit attempt
type BucketRequest struct {
	TenantID TenantID

	// Scope distinguishes buckets within a tenant
	Scope string

	// Capacity is the maximum token count (permit limit + burst)
	Capacity float64

	// RefillPerSecond is the continuous refill rate
	RefillPerSecond float64

	// Weight is the amount to debit
	Weight float64

	// Now is the evaluation instant used for refill math
	Now time.Time
}

// BucketResult is the outcome of a DebitBucket call
type BucketResult struct {
	// Allowed reports whether the debit was committed
	Allowed bool

	// Tokens is the token count after the call (unchanged when denied)
	Tokens float64
}

// ReservationRequest identifies one reservation acquisition attempt
type ReservationRequest struct {
	TenantID TenantID
	Key      string

	// ReservationID is the fresh opaque token to store on success
	ReservationID string

	// Fingerprint is the optional request fingerprint to store alongside
	Fingerprint string

	// ExpiresAt is the absolute expiry of the reservation
	ExpiresAt time.Time

	// Now is the instant used to judge whether a prior reservation expired
	Now time.Time
}
