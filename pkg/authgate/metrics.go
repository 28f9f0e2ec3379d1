package authgate

import "time"

// Metrics defines the interface for tracking gate operations and performance.
type Metrics interface {
	// RecordQuotaDecision records one quota check outcome.
	RecordQuotaDecision(tenant, scope string, weight float64, allowed bool)

	// RecordQuotaCheckDuration records the latency of a quota check.
	RecordQuotaCheckDuration(scope string, duration time.Duration)

	// RecordIdempotencyOp records an idempotency store operation
	// (op: "begin", "commit", "replay") and its outcome
	// (e.g. "acquired", "lost", "replay_exists", "hit", "miss", "ok").
	RecordIdempotencyOp(op, outcome string)

	// RecordAuthOutcome records an authorization outcome by code
	// (e.g. "allowed", "unauthorized", "quota_exceeded").
	RecordAuthOutcome(outcome string)

	// RecordStorageOperation records the duration and status of a storage
	// operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordCacheHit records a directory cache hit ("tenant" or "plan").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a directory cache miss.
	RecordCacheMiss(cacheType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordQuotaDecision(tenant, scope string, weight float64, allowed bool)      {}
func (n *NoopMetrics) RecordQuotaCheckDuration(scope string, duration time.Duration)               {}
func (n *NoopMetrics) RecordIdempotencyOp(op, outcome string)                                      {}
func (n *NoopMetrics) RecordAuthOutcome(outcome string)                                            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error)  {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                                {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                             {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                            {}
