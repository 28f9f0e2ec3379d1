package authgate

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyValidation is the result of validating a presented credential
type KeyValidation struct {
	// Valid reports whether the credential is recognized and active
	Valid bool

	// TenantID is the owning tenant when Valid
	TenantID TenantID

	// KeyID identifies the credential when Valid
	KeyID APIKeyID

	// Reason carries a human-readable cause when not Valid
	Reason string
}

// KeyValidator validates presented API credentials. Implemented externally;
// lookups must have no side effects observable to the gate.
type KeyValidator interface {
	Validate(ctx context.Context, presentedKey string) (*KeyValidation, error)
}

// TenantResolver resolves tenants by id. Returns (nil, nil) for unknown ids.
type TenantResolver interface {
	GetTenant(ctx context.Context, id TenantID) (*Tenant, error)
}

// PlanProvider resolves the plan assigned to a tenant. Returns (nil, nil)
// when the tenant has no plan.
type PlanProvider interface {
	GetPlan(ctx context.Context, id TenantID) (*Plan, error)
}

// Outcome classifies the result of an authorization pass
type Outcome string

const (
	// OutcomeAllowed means the request may execute, quota consumed
	OutcomeAllowed Outcome = "allowed"
	// OutcomeUnauthorized means the credential was invalid
	OutcomeUnauthorized Outcome = "unauthorized"
	// OutcomeForbidden means the tenant is unknown, inactive, or unplanned
	OutcomeForbidden Outcome = "forbidden"
	// OutcomeQuotaExceeded means the quota evaluator denied the request
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	// OutcomeReplay means a committed response exists and must be replayed
	OutcomeReplay Outcome = "replay"
	// OutcomeConflict means another caller holds the idempotency reservation
	OutcomeConflict Outcome = "conflict_idempotency"
)

// AuthRequest carries everything the orchestrator needs for one request
type AuthRequest struct {
	// APIKey is the presented credential
	APIKey string

	// Request describes the billable request
	Request RequestDescriptor

	// IdempotencyKey, when set, engages the idempotency store for this
	// request (mutations only; leave empty for reads)
	IdempotencyKey string

	// Fingerprint is an optional hash of the request payload stored with
	// the reservation
	Fingerprint string

	// ReservationTTL overrides the configured reservation lifetime
	ReservationTTL time.Duration
}

// AuthResult is the outcome of an authorization pass
type AuthResult struct {
	Outcome Outcome

	// Reason carries the denial cause for unauthorized/forbidden outcomes
	Reason string

	// Tenant and Plan are populated once resolution succeeds
	Tenant *Tenant
	Plan   *Plan

	// KeyID identifies the validated credential
	KeyID APIKeyID

	// Quota is populated once the evaluator ran
	Quota *QuotaDecision

	// Reservation is populated when Outcome is OutcomeAllowed and an
	// idempotency key was supplied
	Reservation *Reservation

	// Replay is populated when Outcome is OutcomeReplay
	Replay *Replay
}

// AuthorizerConfig holds orchestrator configuration
type AuthorizerConfig struct {
	// ReservationTTL is the default reservation lifetime (default: 5 minutes)
	ReservationTTL time.Duration

	// Cache caches tenant/plan lookups (default: disabled)
	Cache DirectoryCache

	// TenantCacheTTL is the TTL for cached tenants (default: 1 minute)
	TenantCacheTTL time.Duration

	// PlanCacheTTL is the TTL for cached plans (default: 1 minute)
	PlanCacheTTL time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking outcomes (default: NoopMetrics)
	Metrics Metrics
}

// Authorizer sequences credential validation, tenant/plan resolution, the
// quota evaluator, and the idempotency store, short-circuiting on the first
// failure. No quota or idempotency state is touched for requests that never
// reach an authorized tenant.
type Authorizer struct {
	keys    KeyValidator
	tenants TenantResolver
	plans   PlanProvider
	quota   *Evaluator
	idem    *IdempotencyStore
	cache   DirectoryCache
	flight  singleflight.Group
	config  AuthorizerConfig
	logger  Logger
	metrics Metrics
}

// NewAuthorizer creates the orchestrator. The idempotency store may be nil
// when the deployment never supplies idempotency keys.
func NewAuthorizer(
	keys KeyValidator, tenants TenantResolver, plans PlanProvider,
	quota *Evaluator, idem *IdempotencyStore, config AuthorizerConfig,
) (*Authorizer, error) {
	if keys == nil || tenants == nil || plans == nil || quota == nil {
		return nil, errors.New("authorizer requires a key validator, tenant resolver, plan provider, and evaluator")
	}
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = 5 * time.Minute
	}
	if config.TenantCacheTTL <= 0 {
		config.TenantCacheTTL = time.Minute
	}
	if config.PlanCacheTTL <= 0 {
		config.PlanCacheTTL = time.Minute
	}
	if config.Cache == nil {
		config.Cache = &NoopDirectoryCache{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Authorizer{
		keys:    keys,
		tenants: tenants,
		plans:   plans,
		quota:   quota,
		idem:    idem,
		cache:   config.Cache,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Authorize runs the full gate for one request:
// credential -> tenant -> plan -> quota -> idempotency.
func (a *Authorizer) Authorize(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	result, err := a.authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	a.metrics.RecordAuthOutcome(string(result.Outcome))
	return result, nil
}

func (a *Authorizer) authorize(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	validation, err := a.keys.Validate(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}
	if validation == nil || !validation.Valid {
		reason := "unknown api key"
		if validation != nil && validation.Reason != "" {
			reason = validation.Reason
		}
		return &AuthResult{Outcome: OutcomeUnauthorized, Reason: reason}, nil
	}

	tenant, err := a.resolveTenant(ctx, validation.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return &AuthResult{Outcome: OutcomeForbidden, KeyID: validation.KeyID, Reason: "unknown tenant"}, nil
	}
	if !tenant.Active {
		return &AuthResult{Outcome: OutcomeForbidden, KeyID: validation.KeyID, Tenant: tenant, Reason: "tenant inactive"}, nil
	}

	plan, err := a.resolvePlan(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return &AuthResult{Outcome: OutcomeForbidden, KeyID: validation.KeyID, Tenant: tenant, Reason: "no plan assigned"}, nil
	}

	result := &AuthResult{
		KeyID:  validation.KeyID,
		Tenant: tenant,
		Plan:   plan,
	}

	decision, err := a.quota.Check(ctx, tenant.ID, plan.RateLimit, req.Request)
	if err != nil {
		return nil, err
	}
	result.Quota = decision
	if !decision.Allowed {
		result.Outcome = OutcomeQuotaExceeded
		return result, nil
	}

	if req.IdempotencyKey == "" || a.idem == nil {
		result.Outcome = OutcomeAllowed
		return result, nil
	}

	ttl := req.ReservationTTL
	if ttl <= 0 {
		ttl = a.config.ReservationTTL
	}
	reservation, err := a.idem.TryBegin(
		ctx, tenant.ID, req.IdempotencyKey, time.Now().UTC().Add(ttl),
		WithFingerprint(req.Fingerprint),
	)
	if err != nil {
		return nil, err
	}
	if reservation != nil {
		result.Outcome = OutcomeAllowed
		result.Reservation = reservation
		return result, nil
	}

	// TryBegin refused: either a committed replay exists or another caller
	// holds a live reservation.
	replay, err := a.idem.TryGetReplay(ctx, tenant.ID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		result.Outcome = OutcomeReplay
		result.Replay = replay
		return result, nil
	}
	result.Outcome = OutcomeConflict
	return result, nil
}

// resolveTenant consults the cache, then the resolver, collapsing concurrent
// lookups for the same tenant into one upstream call.
func (a *Authorizer) resolveTenant(ctx context.Context, id TenantID) (*Tenant, error) {
	if tenant, ok := a.cache.GetTenant(id); ok {
		a.metrics.RecordCacheHit("tenant")
		return tenant, nil
	}
	a.metrics.RecordCacheMiss("tenant")

	// Collapsed waiters share the winner's lookup; detach it from the
	// winner's ctx so one caller's cancellation cannot fail the rest.
	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := a.flight.Do("tenant:"+id.String(), func() (interface{}, error) {
		tenant, err := a.tenants.GetTenant(lookupCtx, id)
		if err != nil {
			return nil, err
		}
		if tenant != nil {
			a.cache.SetTenant(id, tenant, a.config.TenantCacheTTL)
		}
		return tenant, nil
	})
	if err != nil {
		return nil, err
	}
	tenant, _ := v.(*Tenant)
	return tenant, nil
}

func (a *Authorizer) resolvePlan(ctx context.Context, id TenantID) (*Plan, error) {
	if plan, ok := a.cache.GetPlan(id); ok {
		a.metrics.RecordCacheHit("plan")
		return plan, nil
	}
	a.metrics.RecordCacheMiss("plan")

	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := a.flight.Do("plan:"+id.String(), func() (interface{}, error) {
		plan, err := a.plans.GetPlan(lookupCtx, id)
		if err != nil {
			return nil, err
		}
		if plan != nil {
			a.cache.SetPlan(id, plan, a.config.PlanCacheTTL)
		}
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	plan, _ := v.(*Plan)
	return plan, nil
}

// Commit records the canonical response for a previously reserved
// idempotency key. Call it once the mutation's response is known.
func (a *Authorizer) Commit(
	ctx context.Context, tenant TenantID, key string, status int, headers map[string]string, body []byte,
) error {
	if a.idem == nil {
		return errors.New("no idempotency store configured")
	}
	return a.idem.TryCommit(ctx, tenant, key, status, headers, body)
}

// InvalidateTenant drops cached directory data for a tenant, forcing the
// next authorization to hit the resolver (e.g. after a plan change).
func (a *Authorizer) InvalidateTenant(id TenantID) {
	a.cache.Invalidate(id)
}
