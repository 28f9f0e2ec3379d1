// Package redis provides a Redis implementation of the authgate.Storage
// interface. Every read-modify-write runs as a Lua script, so each operation
// is atomic on the Redis side and keyed to a single (tenant, …) key.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authgate/authgate/pkg/authgate"
)

// Storage implements authgate.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "authgate:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "authgate:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "authgate:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Increment-if-under-limit on a fixed-window counter. The counter key
	// expires at the window boundary, which doubles as garbage collection.
	s.scripts["counter"] = redis.NewScript(`
		local used = tonumber(redis.call('GET', KEYS[1]) or '0')
		local weight = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		local windowEndMs = tonumber(ARGV[3])

		if used >= limit then
			return {tostring(used), 0}
		end

		used = used + weight
		redis.call('SET', KEYS[1], tostring(used))
		redis.call('PEXPIREAT', KEYS[1], windowEndMs)
		return {tostring(used), 1}
	`)

	// Token bucket refill + debit.
	s.scripts["bucket"] = redis.NewScript(`
		local capacity = tonumber(ARGV[1])
		local refill = tonumber(ARGV[2])
		local weight = tonumber(ARGV[3])
		local nowMs = tonumber(ARGV[4])

		local tokens = capacity
		local last = nowMs
		local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
		if state[1] then
			tokens = tonumber(state[1])
			last = tonumber(state[2])
		end

		local elapsed = (nowMs - last) / 1000.0
		if elapsed > 0 then
			tokens = math.min(capacity, tokens + elapsed * refill)
			last = nowMs
		end

		local allowed = 0
		if tokens >= weight then
			tokens = tokens - weight
			allowed = 1
		end

		redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', tostring(last))
		return {tostring(tokens), allowed}
	`)

	// Reservation acquisition. Redis key expiry enforces the reservation
	// TTL, so an expired entry is simply absent here.
	s.scripts["begin"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		if redis.call('EXISTS', KEYS[2]) == 1 then
			return 0
		end
		redis.call('SET', KEYS[2], ARGV[1])
		redis.call('PEXPIREAT', KEYS[2], tonumber(ARGV[2]))
		return 1
	`)

	// Commit: store the replay (no TTL, replays are permanent) and release
	// the reservation in one step.
	s.scripts["commit"] = redis.NewScript(`
		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('DEL', KEYS[2])
		return 'ok'
	`)
}

// IncrementCounter implements authgate.Storage
func (s *Storage) IncrementCounter(ctx context.Context, req *authgate.CounterRequest) (*authgate.CounterResult, error) {
	key := s.counterKey(req.TenantID, req.Scope, req.WindowStart)
	raw, err := s.scripts["counter"].Run(ctx, s.client, []string{key},
		formatFloat(req.Weight), formatFloat(req.Limit), req.WindowEnd.UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("counter script: %w", err)
	}

	used, allowed, err := parsePair(raw)
	if err != nil {
		return nil, err
	}
	return &authgate.CounterResult{Allowed: allowed, Used: used}, nil
}

// GetCounter implements authgate.Storage
func (s *Storage) GetCounter(
	ctx context.Context, tenant authgate.TenantID, scope string, windowStart time.Time,
) (float64, error) {
	val, err := s.client.Get(ctx, s.counterKey(tenant, scope, windowStart)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// DebitBucket implements authgate.Storage
func (s *Storage) DebitBucket(ctx context.Context, req *authgate.BucketRequest) (*authgate.BucketResult, error) {
	key := s.bucketKey(req.TenantID, req.Scope)
	raw, err := s.scripts["bucket"].Run(ctx, s.client, []string{key},
		formatFloat(req.Capacity), formatFloat(req.RefillPerSecond),
		formatFloat(req.Weight), req.Now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("bucket script: %w", err)
	}

	tokens, allowed, err := parsePair(raw)
	if err != nil {
		return nil, err
	}
	return &authgate.BucketResult{Allowed: allowed, Tokens: tokens}, nil
}

// reservationRecord is the JSON form stored under the reservation key
type reservationRecord struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// replayRecord is the JSON form stored under the replay key
type replayRecord struct {
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	CommittedAt time.Time         `json:"committedAt"`
}

// PutReservation implements authgate.Storage
func (s *Storage) PutReservation(ctx context.Context, req *authgate.ReservationRequest) (*authgate.Reservation, error) {
	payload, err := json.Marshal(reservationRecord{
		ID:          req.ReservationID,
		Fingerprint: req.Fingerprint,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	replayKey := s.replayKey(req.TenantID, req.Key)
	reservationKey := s.reservationKey(req.TenantID, req.Key)
	granted, err := s.scripts["begin"].Run(ctx, s.client,
		[]string{replayKey, reservationKey},
		payload, req.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("begin script: %w", err)
	}
	if granted == 0 {
		return nil, nil
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
	return s.client.Del(ctx, s.reservationKey(tenant, key)).Err()
}

// PutReplay implements authgate.Storage
func (s *Storage) PutReplay(ctx context.Context, tenant authgate.TenantID, key string, replay *authgate.Replay) error {
	if replay == nil {
		return fmt.Errorf("nil replay")
	}
	payload, err := json.Marshal(replayRecord{
		Status:      replay.Status,
		Headers:     replay.Headers,
		Body:        replay.Body,
		CommittedAt: replay.CommittedAt,
	})
	if err != nil {
		return err
	}

	_, err = s.scripts["commit"].Run(ctx, s.client,
		[]string{s.replayKey(tenant, key), s.reservationKey(tenant, key)},
		payload,
	).Result()
	if err != nil {
		return fmt.Errorf("commit script: %w", err)
	}
	return nil
}

// GetReplay implements authgate.Storage
func (s *Storage) GetReplay(ctx context.Context, tenant authgate.TenantID, key string) (*authgate.Replay, error) {
	raw, err := s.client.Get(ctx, s.replayKey(tenant, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record replayRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt replay record: %w", err)
	}
	return &authgate.Replay{
		Status:      record.Status,
		Headers:     record.Headers,
		Body:        record.Body,
		CommittedAt: record.CommittedAt,
	}, nil
}

// Now implements authgate.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (s *Storage) counterKey(tenant authgate.TenantID, scope string, windowStart time.Time) string {
	return fmt.Sprintf("%scounter:%s:%s:%d", s.config.KeyPrefix, tenant, scope, windowStart.UnixMilli())
}

func (s *Storage) bucketKey(tenant authgate.TenantID, scope string) string {
	return fmt.Sprintf("%sbucket:%s:%s", s.config.KeyPrefix, tenant, scope)
}

func (s *Storage) reservationKey(tenant authgate.TenantID, key string) string {
	return fmt.Sprintf("%sreservation:%s:%s", s.config.KeyPrefix, tenant, key)
}

func (s *Storage) replayKey(tenant authgate.TenantID, key string) string {
	return fmt.Sprintf("%sreplay:%s:%s", s.config.KeyPrefix, tenant, key)
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

// parsePair decodes the {value, allowedFlag} reply shared by the counter and
// bucket scripts. The value travels as a string to keep float precision.
func parsePair(raw interface{}) (float64, bool, error) {
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, false, fmt.Errorf("unexpected script reply: %v", raw)
	}
	str, ok := reply[0].(string)
	if !ok {
		return 0, false, fmt.Errorf("unexpected script reply value: %v", reply[0])
	}
	var value float64
	if _, err := fmt.Sscanf(str, "%g", &value); err != nil {
		return 0, false, fmt.Errorf("parse script reply %q: %w", str, err)
	}
	allowed, ok := reply[1].(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected script reply flag: %v", reply[1])
	}
	return value, allowed == 1, nil
}
