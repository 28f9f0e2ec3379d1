package gin_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"

	gategin "github.com/authgate/authgate/middleware/gin"
	"github.com/authgate/authgate/pkg/authgate"
	"github.com/authgate/authgate/storage/memory"
)

var errReplayStore = errors.New("replay store down")

// replayFailStorage fails every commit so tests can observe how the
// middleware reports a response that could not be recorded for replay
type replayFailStorage struct {
	authgate.Storage
}

func (replayFailStorage) PutReplay(context.Context, authgate.TenantID, string, *authgate.Replay) error {
	return errReplayStore
}

func newCommitFailGate(t *testing.T) *authgate.Authorizer {
	t.Helper()

	store := memory.New()
	directory := authgate.NewStaticDirectory()
	tenantID := authgate.NewTenantID()
	directory.AddTenant(authgate.Tenant{ID: tenantID, Name: "acme", Active: true})
	directory.AssignPlan(tenantID, authgate.Plan{
		ID:   authgate.NewPlanID(),
		Name: "starter",
		RateLimit: authgate.RateLimitPolicy{
			PermitLimit: 10,
			Window:      authgate.WindowMinute,
		},
	})
	directory.AddKey("sk_valid", tenantID)

	evaluator, err := authgate.NewEvaluator(store, authgate.EvaluatorConfig{})
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	idem, err := authgate.NewIdempotencyStore(replayFailStorage{Storage: store}, authgate.IdempotencyConfig{})
	if err != nil {
		t.Fatalf("NewIdempotencyStore failed: %v", err)
	}
	gate, err := authgate.NewAuthorizer(directory, directory, directory, evaluator, idem, authgate.AuthorizerConfig{
		ReservationTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewAuthorizer failed: %v", err)
	}
	return gate
}

func TestMiddleware_CommitErrorSurfacedViaHook(t *testing.T) {
	gongin.SetMode(gongin.TestMode)

	var hookErr error
	r := gongin.New()
	r.Use(gategin.Middleware(gategin.Config{
		Authorizer: newCommitFailGate(t),
		OnError:    func(_ *gongin.Context, err error) { hookErr = err },
	}))
	r.POST("/orders", func(c *gongin.Context) {
		c.JSON(http.StatusCreated, gongin.H{"id": "ord_1"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.Header.Set("X-Api-Key", "sk_valid")
	req.Header.Set("Idempotency-Key", "order-1")
	r.ServeHTTP(w, req)

	// The client's response stands; the failed commit reaches the hook.
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	if !errors.Is(hookErr, errReplayStore) {
		t.Errorf("Expected commit error via OnError, got %v", hookErr)
	}
	if w.Header().Get("RateLimit-Limit") == "" {
		t.Error("Expected quota headers on the response")
	}
}
