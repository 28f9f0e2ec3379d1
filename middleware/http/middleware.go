// Package http provides net/http middleware that runs every request through
// the authorization gate: credential check, quota decision, and idempotent
// replay of committed mutation responses. It has no framework dependencies
// and mounts on any stdlib-compatible router.
package http

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/authgate/authgate/pkg/authgate"
)

// Default header names. These follow common API gateway conventions and can
// be bypassed entirely via the extractor hooks in Config.
const (
	HeaderAPIKey         = "X-Api-Key"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderLimit          = "RateLimit-Limit"
	HeaderRemaining      = "RateLimit-Remaining"
	HeaderReset          = "RateLimit-Reset"
	HeaderRetryAfter     = "Retry-After"
)

// KeyExtractor extracts the presented API key from a request.
// Return empty string if no credential is present.
type KeyExtractor func(r *http.Request) string

// IdempotencyKeyExtractor extracts the idempotency key from a request.
// Return empty string to skip idempotency handling for the request.
type IdempotencyKeyExtractor func(r *http.Request) string

// WeightExtractor calculates the quota weight of a request
type WeightExtractor func(r *http.Request) (float64, error)

// Config holds middleware configuration
type Config struct {
	// Authorizer is the gate instance (required)
	Authorizer *authgate.Authorizer

	// GetAPIKey extracts the credential (default: X-Api-Key header)
	GetAPIKey KeyExtractor

	// GetIdempotencyKey extracts the idempotency key (default:
	// Idempotency-Key header on non-GET/HEAD/OPTIONS requests)
	GetIdempotencyKey IdempotencyKeyExtractor

	// GetWeight calculates the request weight (default: 1)
	GetWeight WeightExtractor

	// EndpointKey scopes quota counters per endpoint when set (default:
	// tenant-wide counters)
	EndpointKey func(r *http.Request) string

	// OnUnauthorized is called for invalid credentials
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request, reason string)

	// OnForbidden is called for unknown/inactive tenants and missing plans
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, reason string)

	// OnQuotaExceeded is called when the quota evaluator denies the request
	// If nil, returns 429 Too Many Requests
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, decision *authgate.QuotaDecision)

	// OnConflict is called when another caller holds the idempotency
	// reservation. If nil, returns 409 Conflict
	OnConflict func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces the gate
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetAPIKey == nil {
		config.GetAPIKey = func(r *http.Request) string {
			return r.Header.Get(HeaderAPIKey)
		}
	}
	if config.GetIdempotencyKey == nil {
		config.GetIdempotencyKey = func(r *http.Request) string {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return ""
			}
			return r.Header.Get(HeaderIdempotencyKey)
		}
	}
	if config.GetWeight == nil {
		config.GetWeight = func(*http.Request) (float64, error) { return 1, nil }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			weight, err := config.GetWeight(r)
			if err != nil {
				handleError(config, w, r, err)
				return
			}

			descriptor := authgate.NewRequest(r.Method, r.URL.Path)
			descriptor.Weight = weight
			if config.EndpointKey != nil {
				descriptor.EndpointKey = config.EndpointKey(r)
			}

			idemKey := config.GetIdempotencyKey(r)
			result, err := config.Authorizer.Authorize(r.Context(), &authgate.AuthRequest{
				APIKey:         config.GetAPIKey(r),
				Request:        descriptor,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				handleError(config, w, r, err)
				return
			}

			setQuotaHeaders(w, result.Quota)

			switch result.Outcome {
			case authgate.OutcomeUnauthorized:
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r, result.Reason)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}

			case authgate.OutcomeForbidden:
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, result.Reason)
				} else {
					http.Error(w, "Forbidden", http.StatusForbidden)
				}

			case authgate.OutcomeQuotaExceeded:
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, result.Quota)
				} else {
					w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(result.Quota)))
					http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				}

			case authgate.OutcomeReplay:
				writeReplay(w, result.Replay)

			case authgate.OutcomeConflict:
				if config.OnConflict != nil {
					config.OnConflict(w, r)
				} else {
					http.Error(w, "Conflict", http.StatusConflict)
				}

			case authgate.OutcomeAllowed:
				if result.Reservation == nil {
					next.ServeHTTP(w, r)
					return
				}
				// Capture the response so a successful mutation can be
				// committed for future replays.
				capture := newCaptureWriter(w)
				next.ServeHTTP(capture, r)
				if capture.status < http.StatusInternalServerError {
					err := config.Authorizer.Commit(
						r.Context(), result.Tenant.ID, idemKey,
						capture.status, capture.headerSnapshot(), capture.body.Bytes(),
					)
					if err != nil && config.OnError != nil {
						// Response already written; surface via hook only.
						config.OnError(w, r, err)
					}
				}
			}
		})
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func setQuotaHeaders(w http.ResponseWriter, decision *authgate.QuotaDecision) {
	if decision == nil {
		return
	}
	w.Header().Set(HeaderLimit, strconv.Itoa(decision.Limit))
	w.Header().Set(HeaderRemaining, strconv.Itoa(decision.Remaining))
	w.Header().Set(HeaderReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

func retryAfterSeconds(decision *authgate.QuotaDecision) int {
	if decision == nil {
		return 1
	}
	secs := int(decision.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeReplay(w http.ResponseWriter, replay *authgate.Replay) {
	for k, v := range replay.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(replay.Status)
	_, _ = w.Write(replay.Body)
}

// captureWriter tees the response so it can be committed as a replay
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{ResponseWriter: w, status: http.StatusOK}
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func (c *captureWriter) headerSnapshot() map[string]string {
	headers := make(map[string]string, len(c.Header()))
	for k, values := range c.Header() {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}
	return headers
}
