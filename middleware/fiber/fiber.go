// Package fiber provides Fiber middleware for the authorization gate
package fiber

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/authgate/authgate/pkg/authgate"
)

// KeyExtractor extracts the presented API key from a Fiber context
// Return empty string if no credential is present
type KeyExtractor func(c *fiber.Ctx) string

// IdempotencyKeyExtractor extracts the idempotency key from a Fiber context
// Return empty string to skip idempotency handling
type IdempotencyKeyExtractor func(c *fiber.Ctx) string

// WeightExtractor calculates the quota weight from a Fiber context
type WeightExtractor func(c *fiber.Ctx) (float64, error)

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
	EndpointKey func(c *fiber.Ctx) string

	// OnQuotaExceeded overrides the default 429 JSON response
	OnQuotaExceeded func(c *fiber.Ctx, decision *authgate.QuotaDecision) error

	// OnError overrides the default 500 JSON response
	OnError func(c *fiber.Ctx, err error) error
}

// ResultKey is the Fiber locals key under which the AuthResult is stored
// for downstream handlers
const ResultKey = "authgate.result"

// Middleware creates a Fiber middleware that enforces the gate
func Middleware(cfg Config) fiber.Handler {
	if cfg.Authorizer == nil {
		panic("authgate/fiber: Config.Authorizer is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = func(c *fiber.Ctx) string {
			return c.Get("X-Api-Key")
		}
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = func(c *fiber.Ctx) string {
			switch c.Method() {
			case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
				return ""
			}
			return c.Get("Idempotency-Key")
		}
	}
	if cfg.GetWeight == nil {
		cfg.GetWeight = func(*fiber.Ctx) (float64, error) { return 1, nil }
	}

	return func(c *fiber.Ctx) error {
		weight, err := cfg.GetWeight(c)
		if err != nil {
			return handleError(cfg, c, err)
		}

		descriptor := authgate.NewRequest(c.Method(), c.Path())
		descriptor.Weight = weight
		if cfg.EndpointKey != nil {
			descriptor.EndpointKey = cfg.EndpointKey(c)
		}

		idemKey := cfg.GetIdempotencyKey(c)
		result, err := cfg.Authorizer.Authorize(c.UserContext(), &authgate.AuthRequest{
			APIKey:         cfg.GetAPIKey(c),
			Request:        descriptor,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return handleError(cfg, c, err)
		}

		setQuotaHeaders(c, result.Quota)
		c.Locals(ResultKey, result)

		switch result.Outcome {
		case authgate.OutcomeUnauthorized:
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized", "reason": result.Reason,
			})

		case authgate.OutcomeForbidden:
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "forbidden", "reason": result.Reason,
			})

		case authgate.OutcomeQuotaExceeded:
			if cfg.OnQuotaExceeded != nil {
				return cfg.OnQuotaExceeded(c, result.Quota)
			}
			c.Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.Quota)))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "quota_exceeded",
			})

		case authgate.OutcomeReplay:
			for k, v := range result.Replay.Headers {
				c.Set(k, v)
			}
			return c.Status(result.Replay.Status).Send(result.Replay.Body)

		case authgate.OutcomeConflict:
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "conflict_idempotency",
			})
		}

		if result.Reservation == nil {
			return c.Next()
		}

		if err := c.Next(); err != nil {
			return err
		}
		status := c.Response().StatusCode()
		if status < http.StatusInternalServerError {
			body := make([]byte, len(c.Response().Body()))
			copy(body, c.Response().Body())
			err := cfg.Authorizer.Commit(
				c.UserContext(), result.Tenant.ID, idemKey,
				status, headerSnapshot(c), body,
			)
			if err != nil && cfg.OnError != nil {
				// Response already written; surface via hook only.
				return cfg.OnError(c, err)
			}
		}
		return nil
	}
}

func handleError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal"})
}

func setQuotaHeaders(c *fiber.Ctx, decision *authgate.QuotaDecision) {
	if decision == nil {
		return
	}
	c.Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
	c.Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	c.Set("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
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

func headerSnapshot(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	c.Response().Header.VisitAll(func(key, value []byte) {
		if _, ok := headers[string(key)]; !ok {
			headers[string(key)] = string(value)
		}
	})
	return headers
}
