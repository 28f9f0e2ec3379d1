// Package gin provides Gin middleware for the authorization gate
package gin

import (
	"bytes"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/authgate/authgate/pkg/authgate"
)

// KeyExtractor extracts the presented API key from a Gin context
// Return empty string if no credential is present
type KeyExtractor func(c *gongin.Context) string

// IdempotencyKeyExtractor extracts the idempotency key from a Gin context
// Return empty string to skip idempotency handling
type IdempotencyKeyExtractor func(c *gongin.Context) string

// WeightExtractor calculates the quota weight from a Gin context
type WeightExtractor func(c *gongin.Context) (float64, error)

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

	// EndpointKey scopes quota counters per endpoint when set
	EndpointKey func(c *gongin.Context) string

	// OnQuotaExceeded overrides the default 429 JSON response
	OnQuotaExceeded func(c *gongin.Context, decision *authgate.QuotaDecision)

	// OnError overrides the default 500 JSON response
	OnError func(c *gongin.Context, err error)
}

// ResultKey is the Gin context key under which the AuthResult is stored
// for downstream handlers
const ResultKey = "authgate.result"

// Middleware creates a Gin middleware that enforces the gate
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Authorizer == nil {
		panic("authgate/gin: Config.Authorizer is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = func(c *gongin.Context) string {
			return c.GetHeader("X-Api-Key")
		}
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = func(c *gongin.Context) string {
			switch c.Request.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return ""
			}
			return c.GetHeader("Idempotency-Key")
		}
	}
	if cfg.GetWeight == nil {
		cfg.GetWeight = func(*gongin.Context) (float64, error) { return 1, nil }
	}

	return func(c *gongin.Context) {
		weight, err := cfg.GetWeight(c)
		if err != nil {
			abortError(cfg, c, err)
			return
		}

		descriptor := authgate.NewRequest(c.Request.Method, c.Request.URL.Path)
		descriptor.Weight = weight
		if cfg.EndpointKey != nil {
			descriptor.EndpointKey = cfg.EndpointKey(c)
		}

		idemKey := cfg.GetIdempotencyKey(c)
		result, err := cfg.Authorizer.Authorize(c.Request.Context(), &authgate.AuthRequest{
			APIKey:         cfg.GetAPIKey(c),
			Request:        descriptor,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			abortError(cfg, c, err)
			return
		}

		setQuotaHeaders(c, result.Quota)
		c.Set(ResultKey, result)

		switch result.Outcome {
		case authgate.OutcomeUnauthorized:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{
				"error": "unauthorized", "reason": result.Reason,
			})

		case authgate.OutcomeForbidden:
			c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{
				"error": "forbidden", "reason": result.Reason,
			})

		case authgate.OutcomeQuotaExceeded:
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, result.Quota)
				c.Abort()
				return
			}
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(result.Quota)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gongin.H{
				"error": "quota_exceeded",
			})

		case authgate.OutcomeReplay:
			for k, v := range result.Replay.Headers {
				c.Header(k, v)
			}
			c.Data(result.Replay.Status, result.Replay.Headers["Content-Type"], result.Replay.Body)
			c.Abort()

		case authgate.OutcomeConflict:
			c.AbortWithStatusJSON(http.StatusConflict, gongin.H{
				"error": "conflict_idempotency",
			})

		case authgate.OutcomeAllowed:
			if result.Reservation == nil {
				c.Next()
				return
			}
			capture := &bodyWriter{ResponseWriter: c.Writer}
			c.Writer = capture
			c.Next()
			status := c.Writer.Status()
			if status < http.StatusInternalServerError {
				err := cfg.Authorizer.Commit(
					c.Request.Context(), result.Tenant.ID, idemKey,
					status, headerSnapshot(c), capture.body.Bytes(),
				)
				if err != nil && cfg.OnError != nil {
					// Response already written; surface via hook only.
					cfg.OnError(c, err)
				}
			}
		}
	}
}

func abortError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal"})
}

func setQuotaHeaders(c *gongin.Context, decision *authgate.QuotaDecision) {
	if decision == nil {
		return
	}
	c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
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

func headerSnapshot(c *gongin.Context) map[string]string {
	headers := make(map[string]string)
	for k, values := range c.Writer.Header() {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}
	return headers
}

// bodyWriter tees the response body so it can be committed as a replay
type bodyWriter struct {
	gongin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

func (w *bodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
