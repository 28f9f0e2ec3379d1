package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements authgate.Metrics using Prometheus.
type Metrics struct {
	quotaDecisionsTotal        *prometheus.CounterVec
	quotaWeightConsumed        *prometheus.HistogramVec
	quotaCheckDuration         *prometheus.HistogramVec
	idempotencyOpsTotal        *prometheus.CounterVec
	authOutcomesTotal          *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		quotaDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Total number of quota decisions.",
		}, []string{"scope", "allowed"}),

		quotaWeightConsumed: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_weight_consumed",
			Help:      "Distribution of request weights consumed from quotas.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 50, 100},
		}, []string{"scope"}),

		quotaCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_check_duration_seconds",
			Help:      "Latency of quota checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope"}),

		idempotencyOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_operations_total",
			Help:      "Total number of idempotency store operations.",
		}, []string{"op", "outcome"}),

		authOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_outcomes_total",
			Help:      "Total number of authorization outcomes.",
		}, []string{"outcome"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_cache_hits_total",
			Help:      "Total number of directory cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_cache_misses_total",
			Help:      "Total number of directory cache misses.",
		}, []string{"type"}),
	}
}

func (m *Metrics) RecordQuotaDecision(_, scope string, weight float64, allowed bool) {
	m.quotaDecisionsTotal.WithLabelValues(scope, strconv.FormatBool(allowed)).Inc()
	if allowed {
		m.quotaWeightConsumed.WithLabelValues(scope).Observe(weight)
	}
}

func (m *Metrics) RecordQuotaCheckDuration(scope string, duration time.Duration) {
	m.quotaCheckDuration.WithLabelValues(scope).Observe(duration.Seconds())
}

func (m *Metrics) RecordIdempotencyOp(op, outcome string) {
	m.idempotencyOpsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordAuthOutcome(outcome string) {
	m.authOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}
