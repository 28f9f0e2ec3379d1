// Package memory provides an in-memory implementation of the
// authgate.Storage interface. The outer maps are guarded briefly while an
// entry is located; the read-modify-write itself runs under a per-entry
// lock, so tenants and keys never contend with each other. It is the
// reference backend for tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/authgate/authgate/pkg/authgate"
)

// Storage implements authgate.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	counters map[string]*counterEntry
	buckets  map[string]*bucketEntry
	idem     map[string]*idemEntry

	// clock is the latest window start observed; sweeping runs on this
	// logical time, never the wall clock, so lagging or replayed request
	// timestamps cannot expire a window that is still being counted
	clock     time.Time
	lastSweep time.Time
}

type counterEntry struct {
	mu        sync.Mutex
	used      float64
	windowEnd time.Time
}

type bucketEntry struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// idemEntry holds both sides of one (tenant, key) pair so reservation and
// replay transitions stay atomic relative to each other
type idemEntry struct {
	mu          sync.Mutex
	reservation *authgate.Reservation
	replay      *authgate.Replay
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		counters: make(map[string]*counterEntry),
		buckets:  make(map[string]*bucketEntry),
		idem:     make(map[string]*idemEntry),
	}
}

// IncrementCounter implements authgate.Storage
func (s *Storage) IncrementCounter(ctx context.Context, req *authgate.CounterRequest) (*authgate.CounterResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := counterKey(req.TenantID, req.Scope, req.WindowStart)
	s.mu.Lock()
	entry, ok := s.counters[key]
	if !ok {
		entry = &counterEntry{windowEnd: req.WindowEnd}
		s.counters[key] = entry
	}
	if req.WindowStart.After(s.clock) {
		s.clock = req.WindowStart
	}
	s.maybeSweepLocked()
	s.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.used >= req.Limit {
		return &authgate.CounterResult{Allowed: false, Used: entry.used}, nil
	}

	entry.used += req.Weight
	return &authgate.CounterResult{Allowed: true, Used: entry.used}, nil
}

// GetCounter implements authgate.Storage
func (s *Storage) GetCounter(
	ctx context.Context, tenant authgate.TenantID, scope string, windowStart time.Time,
) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	entry, ok := s.counters[counterKey(tenant, scope, windowStart)]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.used, nil
}

// DebitBucket implements authgate.Storage
func (s *Storage) DebitBucket(ctx context.Context, req *authgate.BucketRequest) (*authgate.BucketResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := scopeKey(req.TenantID, req.Scope)
	s.mu.Lock()
	bucket, ok := s.buckets[key]
	if !ok {
		bucket = &bucketEntry{tokens: req.Capacity, lastRefill: req.Now}
		s.buckets[key] = bucket
	}
	s.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	elapsed := req.Now.Sub(bucket.lastRefill)
	if elapsed > 0 {
		bucket.tokens += elapsed.Seconds() * req.RefillPerSecond
		if bucket.tokens > req.Capacity {
			bucket.tokens = req.Capacity
		}
		bucket.lastRefill = req.Now
	}

	if bucket.tokens < req.Weight {
		return &authgate.BucketResult{Allowed: false, Tokens: bucket.tokens}, nil
	}

	bucket.tokens -= req.Weight
	return &authgate.BucketResult{Allowed: true, Tokens: bucket.tokens}, nil
}

// PutReservation implements authgate.Storage
func (s *Storage) PutReservation(ctx context.Context, req *authgate.ReservationRequest) (*authgate.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := s.idemEntry(req.TenantID, req.Key)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.replay != nil {
		return nil, nil
	}
	if entry.reservation != nil && req.Now.Before(entry.reservation.ExpiresAt) {
		return nil, nil
	}

	// Fresh acquisition, replacing any expired entry.
	entry.reservation = &authgate.Reservation{
		ID:          req.ReservationID,
		TenantID:    req.TenantID,
		Key:         req.Key,
		Fingerprint: req.Fingerprint,
		ExpiresAt:   req.ExpiresAt,
	}

	cp := *entry.reservation
	return &cp, nil
}

// DeleteReservation implements authgate.Storage
func (s *Storage) DeleteReservation(ctx context.Context, tenant authgate.TenantID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := s.lookupIdemEntry(tenant, key)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.reservation = nil
	return nil
}

// PutReplay implements authgate.Storage
func (s *Storage) PutReplay(ctx context.Context, tenant authgate.TenantID, key string, replay *authgate.Replay) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if replay == nil {
		return fmt.Errorf("nil replay")
	}

	entry := s.idemEntry(tenant, key)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.replay = replay.Clone()
	return nil
}

// GetReplay implements authgate.Storage
func (s *Storage) GetReplay(ctx context.Context, tenant authgate.TenantID, key string) (*authgate.Replay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := s.lookupIdemEntry(tenant, key)
	if entry == nil {
		return nil, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	return entry.replay.Clone(), nil
}

// lookupIdemEntry returns the entry for (tenant, key), or nil. Read paths
// use it so probing unknown keys never grows the map.
func (s *Storage) lookupIdemEntry(tenant authgate.TenantID, key string) *idemEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idem[scopeKey(tenant, key)]
}

// idemEntry returns the entry for (tenant, key), creating it if needed
func (s *Storage) idemEntry(tenant authgate.TenantID, key string) *idemEntry {
	mapKey := scopeKey(tenant, key)

	s.mu.RLock()
	entry, ok := s.idem[mapKey]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok = s.idem[mapKey]
	if !ok {
		entry = &idemEntry{}
		s.idem[mapKey] = entry
	}
	return entry
}

// maybeSweepLocked drops counters whose windows closed before the logical
// clock, at most once per logical minute. Caller must hold the write lock.
// Committed replays are never swept.
func (s *Storage) maybeSweepLocked() {
	if s.clock.Sub(s.lastSweep) < time.Minute {
		return
	}
	s.lastSweep = s.clock

	for key, entry := range s.counters {
		if !entry.windowEnd.After(s.clock) {
			delete(s.counters, key)
		}
	}
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters = make(map[string]*counterEntry)
	s.buckets = make(map[string]*bucketEntry)
	s.idem = make(map[string]*idemEntry)
}

func counterKey(tenant authgate.TenantID, scope string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", tenant, scope, windowStart.UnixNano())
}

func scopeKey(tenant authgate.TenantID, scope string) string {
	return fmt.Sprintf("%s:%s", tenant, scope)
}
