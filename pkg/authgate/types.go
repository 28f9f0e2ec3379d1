package authgate

import (
	"time"

	"github.com/google/uuid"
)

// WindowUnit defines the calendar unit a fixed quota window aligns to
type WindowUnit string

const (
	// WindowSecond aligns windows to whole UTC seconds
	WindowSecond WindowUnit = "second"
	// WindowMinute aligns windows to whole UTC minutes
	WindowMinute WindowUnit = "minute"
	// WindowHour aligns windows to whole UTC hours
	WindowHour WindowUnit = "hour"
	// WindowDay aligns windows to whole UTC days
	WindowDay WindowUnit = "day"
)

// TenantID identifies a billable tenant. Compared by value.
type TenantID struct {
	id uuid.UUID
}

// NewTenantID returns a fresh random tenant id
func NewTenantID() TenantID {
	return TenantID{id: uuid.New()}
}

// ParseTenantID parses the canonical string form of a tenant id
func ParseTenantID(s string) (TenantID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TenantID{}, err
	}
	return TenantID{id: id}, nil
}

// String returns the canonical string form
func (t TenantID) String() string { return t.id.String() }

// IsZero reports whether the id is the zero value
func (t TenantID) IsZero() bool { return t.id == uuid.Nil }

// PlanID identifies a plan. Compared by value.
type PlanID struct {
	id uuid.UUID
}

// NewPlanID returns a fresh random plan id
func NewPlanID() PlanID { return PlanID{id: uuid.New()} }

// ParsePlanID parses the canonical string form of a plan id
func ParsePlanID(s string) (PlanID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PlanID{}, err
	}
	return PlanID{id: id}, nil
}

// String returns the canonical string form
func (p PlanID) String() string { return p.id.String() }

// IsZero reports whether the id is the zero value
func (p PlanID) IsZero() bool { return p.id == uuid.Nil }

// APIKeyID identifies a credential. Compared by value.
type APIKeyID struct {
	id uuid.UUID
}

// NewAPIKeyID returns a fresh random key id
func NewAPIKeyID() APIKeyID { return APIKeyID{id: uuid.New()} }

// ParseAPIKeyID parses the canonical string form of a key id
func ParseAPIKeyID(s string) (APIKeyID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return APIKeyID{}, err
	}
	return APIKeyID{id: id}, nil
}

// String returns the canonical string form
func (k APIKeyID) String() string { return k.id.String() }

// IsZero reports whether the id is the zero value
func (k APIKeyID) IsZero() bool { return k.id == uuid.Nil }

// RateLimitPolicy defines the quota policy attached to a plan.
//
// When RefillPerSecond is zero the policy is evaluated as a fixed calendar
// window: PermitLimit+Burst units per Window, counters resetting at the
// window boundary. When RefillPerSecond is positive the policy is evaluated
// as a token bucket with capacity PermitLimit+Burst and continuous refill.
type RateLimitPolicy struct {
	// PermitLimit is the base number of weight units per window
	PermitLimit int

	// Window is the calendar unit the fixed window aligns to
	Window WindowUnit

	// Burst adds headroom on top of PermitLimit
	Burst int

	// RefillPerSecond, when > 0, switches evaluation to token-bucket mode
	RefillPerSecond float64
}

// Capacity returns the effective limit (PermitLimit + Burst)
func (p RateLimitPolicy) Capacity() int {
	return p.PermitLimit + p.Burst
}

// Validate checks the policy for malformed values
func (p RateLimitPolicy) Validate() error {
	if p.PermitLimit < 0 || p.Burst < 0 {
		return ErrInvalidPolicy
	}
	if p.RefillPerSecond < 0 {
		return ErrInvalidPolicy
	}
	switch p.Window {
	case WindowSecond, WindowMinute, WindowHour, WindowDay:
		return nil
	default:
		return ErrInvalidWindowUnit
	}
}

// RequestDescriptor describes one billable request presented to the evaluator
type RequestDescriptor struct {
	// Method is the request method (informational)
	Method string

	// Path is the request path (informational)
	Path string

	// EndpointKey, when set, scopes the quota counter to
	// (tenant, endpoint) instead of the whole tenant
	EndpointKey string

	// Timestamp is the request time in UTC. The evaluator treats it as "now".
	Timestamp time.Time

	// Weight is the cost consumed from the quota. Fractional weights are
	// supported for metering. Must be >= 0.
	Weight float64
}

// NewRequest returns a descriptor for the given method and path with
// Timestamp set to the current UTC time and Weight defaulted to 1.
func NewRequest(method, path string) RequestDescriptor {
	return RequestDescriptor{
		Method:    method,
		Path:      path,
		Timestamp: time.Now().UTC(),
		Weight:    1,
	}
}

// QuotaDecision is the immutable outcome of a quota check
type QuotaDecision struct {
	// Allowed reports whether the request may run
	Allowed bool

	// Limit is the effective limit the decision was made against
	Limit int

	// Remaining is the capacity left after this request when allowed,
	// or the current remaining capacity when denied. Never negative.
	Remaining int

	// ResetAt is when the window resets (fixed window) or when the bucket
	// is estimated to be full again (token bucket)
	ResetAt time.Time

	// RetryAfter is how long the caller should wait before retrying.
	// Zero when the request was allowed.
	RetryAfter time.Duration
}

// Reservation is proof that the holder currently owns the right to execute
// the mutation identified by (tenant, idempotency key)
type Reservation struct {
	// ID is an opaque token unique to this reservation
	ID string

	// TenantID scopes the reservation
	TenantID TenantID

	// Key is the caller-supplied idempotency key
	Key string

	// Fingerprint is the optional request fingerprint stored at TryBegin
	Fingerprint string

	// ExpiresAt is the absolute expiry; after this instant the reservation
	// no longer blocks a new TryBegin
	ExpiresAt time.Time
}

// Replay is the recorded outcome of a committed mutation, returned verbatim
// to duplicate callers. Immutable once committed.
type Replay struct {
	// Status is the recorded HTTP status code
	Status int

	// Headers are the recorded response headers
	Headers map[string]string

	// Body is the recorded response body
	Body []byte

	// CommittedAt is when the replay was committed
	CommittedAt time.Time
}

// Clone returns a deep copy, protecting the stored replay from caller mutation
func (r *Replay) Clone() *Replay {
	if r == nil {
		return nil
	}
	cp := Replay{
		Status:      r.Status,
		CommittedAt: r.CommittedAt,
	}
	if r.Headers != nil {
		cp.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			cp.Headers[k] = v
		}
	}
	if r.Body != nil {
		cp.Body = make([]byte, len(r.Body))
		copy(cp.Body, r.Body)
	}
	return &cp
}

// Tenant is a billable customer resolved by a TenantResolver
type Tenant struct {
	ID     TenantID
	Name   string
	Active bool

	// Entitlements are opaque key/value pairs passed through to callers,
	// never interpreted by the gate
	Entitlements map[string]string
}

// Plan bundles a rate-limit policy with opaque entitlements
type Plan struct {
	ID           PlanID
	Name         string
	RateLimit    RateLimitPolicy
	Entitlements map[string]string
}

// BeginOption represents an option for TryBegin
type BeginOption func(*BeginOptions)

// BeginOptions holds options for TryBegin
type BeginOptions struct {
	Fingerprint string
}

// WithFingerprint attaches a request fingerprint hash to the reservation so
// a later call reusing the key with a different payload can be detected
func WithFingerprint(hash string) BeginOption {
	return func(opts *BeginOptions) {
		opts.Fingerprint = hash
	}
}
