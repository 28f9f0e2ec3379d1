// Package echo provides Echo middleware for the authorization gate
package echo

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/authgate/authgate/pkg/authgate"
)

// KeyExtractor extracts the presented API key from an Echo context
// Return empty string if no credential is present
type KeyExtractor func(c echo.Context) string

// IdempotencyKeyExtractor extracts the idempotency key from an Echo context
// Return empty string to skip idempotency handling
type IdempotencyKeyExtractor func(c echo.Context) string

// WeightExtractor calculates the quota weight from an Echo context
type WeightExtractor func(c echo.Context) (float64, error)

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
	EndpointKey func(c echo.Context) string

	// OnQuotaExceeded overrides the default 429 JSON response
	OnQuotaExceeded func(c echo.Context, decision *authgate.QuotaDecision) error

	// OnError overrides the default 500 JSON response
	OnError func(c echo.Context, err error) error
}

// ResultKey is the Echo context key under which the AuthResult is stored
// for downstream handlers
const ResultKey = "authgate.result"

// Middleware creates an Echo middleware that enforces the gate
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Authorizer == nil {
		panic("authgate/echo: Config.Authorizer is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = func(c echo.Context) string {
			return c.Request().Header.Get("X-Api-Key")
		}
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = func(c echo.Context) string {
			switch c.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return ""
			}
			return c.Request().Header.Get("Idempotency-Key")
		}
	}
	if cfg.GetWeight == nil {
		cfg.GetWeight = func(echo.Context) (float64, error) { return 1, nil }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			weight, err := cfg.GetWeight(c)
			if err != nil {
				return handleError(cfg, c, err)
			}

			req := c.Request()
			descriptor := authgate.NewRequest(req.Method, req.URL.Path)
			descriptor.Weight = weight
			if cfg.EndpointKey != nil {
				descriptor.EndpointKey = cfg.EndpointKey(c)
			}

			idemKey := cfg.GetIdempotencyKey(c)
			result, err := cfg.Authorizer.Authorize(req.Context(), &authgate.AuthRequest{
				APIKey:         cfg.GetAPIKey(c),
				Request:        descriptor,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return handleError(cfg, c, err)
			}

			setQuotaHeaders(c, result.Quota)
			c.Set(ResultKey, result)

			switch result.Outcome {
			case authgate.OutcomeUnauthorized:
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "unauthorized", "reason": result.Reason,
				})

			case authgate.OutcomeForbidden:
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "forbidden", "reason": result.Reason,
				})

			case authgate.OutcomeQuotaExceeded:
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, result.Quota)
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.Quota)))
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "quota_exceeded",
				})

			case authgate.OutcomeReplay:
				for k, v := range result.Replay.Headers {
					c.Response().Header().Set(k, v)
				}
				return c.Blob(result.Replay.Status, result.Replay.Headers["Content-Type"], result.Replay.Body)

			case authgate.OutcomeConflict:
				return c.JSON(http.StatusConflict, map[string]string{
					"error": "conflict_idempotency",
				})
			}

			if result.Reservation == nil {
				return next(c)
			}

			capture := &bodyWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = capture
			if err := next(c); err != nil {
				// Let Echo's error handler write the response first
				c.Error(err)
			}
			status := c.Response().Status
			if status < http.StatusInternalServerError {
				err := cfg.Authorizer.Commit(
					req.Context(), result.Tenant.ID, idemKey,
					status, headerSnapshot(c), capture.body.Bytes(),
				)
				if err != nil && cfg.OnError != nil {
					// Response already written; surface via hook only.
					return cfg.OnError(c, err)
				}
			}
			return nil
		}
	}
}

func handleError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal"})
}

func setQuotaHeaders(c echo.Context, decision *authgate.QuotaDecision) {
	if decision == nil {
		return
	}
	h := c.Response().Header()
	h.Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	h.Set("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
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

func headerSnapshot(c echo.Context) map[string]string {
	headers := make(map[string]string)
	for k, values := range c.Response().Header() {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}
	return headers
}

// bodyWriter tees the response body so it can be committed as a replay
type bodyWriter struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (w *bodyWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}
