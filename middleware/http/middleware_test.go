package http_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gatehttp "github.com/authgate/authgate/middleware/http"
	"github.com/authgate/authgate/pkg/authgate"
	"github.com/authgate/authgate/storage/memory"
)

func newTestGate(t *testing.T, policy authgate.RateLimitPolicy) (*authgate.Authorizer, authgate.TenantID) {
	t.Helper()

	store := memory.New()
	directory := authgate.NewStaticDirectory()

	tenantID := authgate.NewTenantID()
	directory.AddTenant(authgate.Tenant{ID: tenantID, Name: "acme", Active: true})
	directory.AssignPlan(tenantID, authgate.Plan{ID: authgate.NewPlanID(), Name: "starter", RateLimit: policy})
	directory.AddKey("sk_valid", tenantID)

	evaluator, err := authgate.NewEvaluator(store, authgate.EvaluatorConfig{})
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	idem, err := authgate.NewIdempotencyStore(store, authgate.IdempotencyConfig{})
	if err != nil {
		t.Fatalf("NewIdempotencyStore failed: %v", err)
	}
	gate, err := authgate.NewAuthorizer(directory, directory, directory, evaluator, idem, authgate.AuthorizerConfig{
		ReservationTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewAuthorizer failed: %v", err)
	}
	return gate, tenantID
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(body))
	})
}

func TestMiddleware_AllowedWithQuotaHeaders(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 5, Window: authgate.WindowMinute})
	handler := gatehttp.Middleware(gatehttp.Config{Authorizer: gate})(okHandler(`{"ok":true}`))

	req := httptest.NewRequest("GET", "/v1/orders", nil)
	req.Header.Set(gatehttp.HeaderAPIKey, "sk_valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}
	if got := rec.Header().Get(gatehttp.HeaderLimit); got != "5" {
		t.Errorf("Expected RateLimit-Limit 5, got %q", got)
	}
	if got := rec.Header().Get(gatehttp.HeaderRemaining); got != "4" {
		t.Errorf("Expected RateLimit-Remaining 4, got %q", got)
	}
	if rec.Header().Get(gatehttp.HeaderReset) == "" {
		t.Error("Expected RateLimit-Reset to be set")
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 5, Window: authgate.WindowMinute})
	handler := gatehttp.Middleware(gatehttp.Config{Authorizer: gate})(okHandler("nope"))

	req := httptest.NewRequest("GET", "/v1/orders", nil)
	req.Header.Set(gatehttp.HeaderAPIKey, "sk_bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "nope") {
		t.Error("Handler must not run for unauthorized requests")
	}
}

func TestMiddleware_MissingKey(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 5, Window: authgate.WindowMinute})
	handler := gatehttp.Middleware(gatehttp.Config{Authorizer: gate})(okHandler("nope"))

	req := httptest.NewRequest("GET", "/v1/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a credential, got %d", rec.Code)
	}
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 1, Window: authgate.WindowMinute})
	handler := gatehttp.Middleware(gatehttp.Config{Authorizer: gate})(okHandler("ok"))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/v1/orders", nil)
		req.Header.Set(gatehttp.HeaderAPIKey, "sk_valid")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i == 0 && rec.Code != http.StatusCreated {
			t.Fatalf("Expected first request to pass, got %d", rec.Code)
		}
		if i == 1 {
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("Expected 429, got %d", rec.Code)
			}
			if rec.Header().Get(gatehttp.HeaderRetryAfter) == "" {
				t.Error("Expected Retry-After header on 429")
			}
			if rec.Header().Get(gatehttp.HeaderRemaining) != "0" {
				t.Errorf("Expected RateLimit-Remaining 0, got %q", rec.Header().Get(gatehttp.HeaderRemaining))
			}
		}
	}
}

func TestMiddleware_IdempotentCommitAndReplay(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 10, Window: authgate.WindowMinute})

	calls := 0
	handler := gatehttp.Middleware(gatehttp.Config{Authorizer: gate})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"ord_1"}`))
		}),
	)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/orders", strings.NewReader(`{}`))
		req.Header.Set(gatehttp.HeaderAPIKey, "sk_valid")
		req.Header.Set(gatehttp.HeaderIdempotencyKey, "order-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := post()
	if first.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", first.Code)
	}
	if calls != 1 {
		t.Fatalf("Expected handler to run once, ran %d times", calls)
	}

	// The retry replays the committed response without re-running the handler
	second := post()
	if second.Code != http.StatusCreated {
		t.Fatalf("Expected replayed 201, got %d", second.Code)
	}
	if second.Body.String() != `{"id":"ord_1"}` {
		t.Errorf("Expected replayed body, got %s", second.Body.String())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected replayed Content-Type, got %q", second.Header().Get("Content-Type"))
	}
	if calls != 1 {
		t.Errorf("Expected handler to stay at one call, ran %d times", calls)
	}
}

func TestMiddleware_ServerErrorNotCommitted(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 10, Window: authgate.WindowMinute})

	calls := 0
	handler := gatehttp.Middleware(gatehttp.Config{Authorizer: gate})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			if calls == 1 {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("recovered"))
		}),
	)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/orders", strings.NewReader(`{}`))
		req.Header.Set(gatehttp.HeaderAPIKey, "sk_valid")
		req.Header.Set(gatehttp.HeaderIdempotencyKey, "order-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := post()
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", first.Code)
	}

	// The 5xx was not committed; the reservation is still held, so an
	// immediate retry conflicts rather than replays
	second := post()
	if second.Code != http.StatusConflict {
		t.Errorf("Expected 409 while the failed attempt's reservation is live, got %d", second.Code)
	}
	if calls != 1 {
		t.Errorf("Expected handler to run once, ran %d times", calls)
	}
}

func TestMiddleware_GetIgnoresIdempotencyHeader(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 10, Window: authgate.WindowMinute})

	calls := 0
	handler := gatehttp.Middleware(gatehttp.Config{Authorizer: gate})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.WriteHeader(http.StatusOK)
		}),
	)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/v1/orders", nil)
		req.Header.Set(gatehttp.HeaderAPIKey, "sk_valid")
		req.Header.Set(gatehttp.HeaderIdempotencyKey, "read-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
	}
	if calls != 2 {
		t.Errorf("Expected both GETs to run the handler, ran %d times", calls)
	}
}

func TestMiddleware_EndpointScoping(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 1, Window: authgate.WindowMinute})
	handler := gatehttp.Middleware(gatehttp.Config{
		Authorizer: gate,
		EndpointKey: func(r *http.Request) string {
			return r.Method + " " + r.URL.Path
		},
	})(okHandler("ok"))

	do := func(path string) int {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set(gatehttp.HeaderAPIKey, "sk_valid")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("/v1/orders"); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if code := do("/v1/orders"); code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 on exhausted endpoint, got %d", code)
	}
	// A different endpoint has its own window
	if code := do("/v1/users"); code != http.StatusCreated {
		t.Errorf("Expected 201 on fresh endpoint, got %d", code)
	}
}

func TestMiddleware_CustomHooks(t *testing.T) {
	gate, _ := newTestGate(t, authgate.RateLimitPolicy{PermitLimit: 0, Window: authgate.WindowMinute})

	hookCalled := false
	handler := gatehttp.Middleware(gatehttp.Config{
		Authorizer: gate,
		OnQuotaExceeded: func(w http.ResponseWriter, _ *http.Request, decision *authgate.QuotaDecision) {
			hookCalled = true
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(okHandler("ok"))

	req := httptest.NewRequest("GET", "/v1/orders", nil)
	req.Header.Set(gatehttp.HeaderAPIKey, "sk_valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !hookCalled {
		t.Error("Expected OnQuotaExceeded hook to run")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected hook status 503, got %d", rec.Code)
	}
}
