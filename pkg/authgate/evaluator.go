package authgate

import (
	"context"
	"math"
	"time"
)

// Evaluator answers "can this request run now, and at what cost?" against a
// tenant's rate-limit policy. All state lives in Storage; the evaluator is
// safe for unbounded concurrent use.
//
// Fixed-window mode is deliberately not a sliding window: a burst straddling
// a window boundary can admit up to twice the limit within a short interval.
// That is the accepted fixed-window tradeoff, not a defect.
type Evaluator struct {
	storage Storage
	logger  Logger
	metrics Metrics
}

// EvaluatorConfig holds evaluator configuration
type EvaluatorConfig struct {
	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking quota decisions (default: NoopMetrics)
	Metrics Metrics
}

// NewEvaluator creates a quota evaluator on the given storage
func NewEvaluator(storage Storage, config EvaluatorConfig) (*Evaluator, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Evaluator{
		storage: storage,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Check evaluates one request against the tenant's policy and returns an
// allow/deny decision with remaining capacity and reset time. Denial is an
// expected outcome carried in the decision, never an error.
func (e *Evaluator) Check(
	ctx context.Context, tenant TenantID, policy RateLimitPolicy, req RequestDescriptor,
) (*QuotaDecision, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if req.Weight < 0 {
		return nil, ErrInvalidWeight
	}

	now := req.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}

	started := time.Now()
	defer func() {
		e.metrics.RecordQuotaCheckDuration(req.EndpointKey, time.Since(started))
	}()

	var decision *QuotaDecision
	var err error
	if policy.RefillPerSecond > 0 {
		decision, err = e.checkTokenBucket(ctx, tenant, policy, req, now)
	} else {
		decision, err = e.checkFixedWindow(ctx, tenant, policy, req, now)
	}
	if err != nil {
		return nil, err
	}

	e.metrics.RecordQuotaDecision(tenant.String(), req.EndpointKey, req.Weight, decision.Allowed)
	if !decision.Allowed {
		e.logger.Debug("quota denied",
			Field{Key: "tenant", Value: tenant.String()},
			Field{Key: "endpoint", Value: req.EndpointKey},
			Field{Key: "limit", Value: decision.Limit},
			Field{Key: "retry_after", Value: decision.RetryAfter},
		)
	}
	return decision, nil
}

func (e *Evaluator) checkFixedWindow(
	ctx context.Context, tenant TenantID, policy RateLimitPolicy, req RequestDescriptor, now time.Time,
) (*QuotaDecision, error) {
	start, end, err := WindowBounds(now, policy.Window)
	if err != nil {
		return nil, err
	}

	limit := policy.Capacity()
	res, err := e.storage.IncrementCounter(ctx, &CounterRequest{
		TenantID:    tenant,
		Scope:       req.EndpointKey,
		WindowStart: start,
		WindowEnd:   end,
		Limit:       float64(limit),
		Weight:      req.Weight,
	})
	if err != nil {
		return nil, err
	}

	decision := &QuotaDecision{
		Allowed:   res.Allowed,
		Limit:     limit,
		Remaining: flooredRemaining(float64(limit), res.Used),
		ResetAt:   end,
	}
	if !res.Allowed {
		decision.RetryAfter = end.Sub(now)
	}
	return decision, nil
}

func (e *Evaluator) checkTokenBucket(
	ctx context.Context, tenant TenantID, policy RateLimitPolicy, req RequestDescriptor, now time.Time,
) (*QuotaDecision, error) {
	capacity := float64(policy.Capacity())
	res, err := e.storage.DebitBucket(ctx, &BucketRequest{
		TenantID:        tenant,
		Scope:           req.EndpointKey,
		Capacity:        capacity,
		RefillPerSecond: policy.RefillPerSecond,
		Weight:          req.Weight,
		Now:             now,
	})
	if err != nil {
		return nil, err
	}

	decision := &QuotaDecision{
		Allowed:   res.Allowed,
		Limit:     policy.Capacity(),
		Remaining: int(math.Floor(math.Max(0, res.Tokens))),
		ResetAt:   now.Add(secondsToRefill(capacity-res.Tokens, policy.RefillPerSecond)),
	}
	if !res.Allowed {
		decision.RetryAfter = secondsToRefill(req.Weight-res.Tokens, policy.RefillPerSecond)
	}
	return decision, nil
}

// flooredRemaining converts a fractional counter into the integer remaining
// capacity reported to callers, never negative.
func flooredRemaining(limit, used float64) int {
	remaining := limit - used
	if remaining < 0 {
		return 0
	}
	return int(math.Floor(remaining))
}

// secondsToRefill estimates how long the bucket needs to accumulate the
// given token deficit.
func secondsToRefill(deficit, refillPerSecond float64) time.Duration {
	if deficit <= 0 || refillPerSecond <= 0 {
		return 0
	}
	return time.Duration(deficit / refillPerSecond * float64(time.Second))
}
