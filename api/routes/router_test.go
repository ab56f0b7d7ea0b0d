package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pkgAuth "github.com/angelmondragon/oxygencredits-backend/pkg/auth"
	"github.com/angelmondragon/oxygencredits-backend/pkg/auth/session"
	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test"},
		JWT: config.JWTConfig{Secret: "secret", Issuer: "oxygen-test", ExpirationMinutes: 15},
	}
}

func newTestRouter(t *testing.T) (http.Handler, *config.Config) {
	t.Helper()
	cfg := testConfig()
	registry := metrics.NewRegistry()
	return NewRouter(RouterParams{
		Config:   cfg,
		DB:       stubPinger{},
		Gatherer: registry,
		HTTP:     metrics.NewHTTPMetrics(registry),
	}), cfg
}

func bearer(t *testing.T, cfg *config.Config, role enums.UserRole) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{
		UserID: uuid.New(),
		Role:   role,
		JTI:    session.NewAccessID(),
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return "Bearer " + token
}

func TestRouterRegistersRouteTable(t *testing.T) {
	handler, _ := newTestRouter(t)
	router, ok := handler.(chi.Routes)
	if !ok {
		t.Fatalf("expected chi router, got %T", handler)
	}

	registered := map[string]bool{}
	err := chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		registered[method+" "+strings.TrimSuffix(route, "/")] = true
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	for _, want := range []string{
		"GET /health/live",
		"GET /health/ready",
		"GET /metrics",
		"POST /api/v1/auth/register",
		"POST /api/v1/auth/login",
		"POST /api/v1/auth/logout",
		"GET /api/v1/users/me",
		"PUT /api/v1/users/me/wallet",
		"GET /api/v1/claims",
		"POST /api/v1/claims",
		"GET /api/v1/claims/{claimId}",
		"PATCH /api/v1/claims/{claimId}/verify",
		"POST /api/v1/claims/{claimId}/evidence",
		"GET /api/v1/credits/{userId}",
		"POST /api/v1/credits/issue",
		"GET /api/v1/marketplace",
		"POST /api/v1/marketplace",
		"GET /api/v1/marketplace/{listingId}",
		"POST /api/v1/marketplace/{listingId}/cancel",
		"POST /api/v1/marketplace/purchase",
		"GET /api/v1/transactions",
		"POST /api/v1/ndvi-check",
	} {
		if !registered[want] {
			t.Errorf("route %q not registered", want)
		}
	}
}

func TestHealthLive(t *testing.T) {
	handler, _ := newTestRouter(t)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if got := resp.Header().Get("X-Oxygen-Env"); got != "test" {
		t.Fatalf("expected env header, got %q", got)
	}
}

func TestHealthReadyWithoutRedis(t *testing.T) {
	handler, _ := newTestRouter(t)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), `"redis":"disabled"`) {
		t.Fatalf("expected redis reported disabled, body=%s", resp.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler, _ := newTestRouter(t)
	for _, path := range []string{"/api/v1/claims", "/api/v1/marketplace", "/api/v1/transactions"} {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", path, resp.Code)
		}
	}
}

func TestManualIssueRequiresVerifier(t *testing.T) {
	handler, cfg := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/issue", strings.NewReader(`{"claim_id":"`+uuid.NewString()+`"}`))
	req.Header.Set("Authorization", bearer(t, cfg, enums.RoleContributor))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for contributor, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/credits/issue", strings.NewReader(`{"claim_id":"`+uuid.NewString()+`"}`))
	req.Header.Set("Authorization", bearer(t, cfg, enums.RoleVerifier))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code == http.StatusForbidden || resp.Code == http.StatusUnauthorized {
		t.Fatalf("expected verifier to pass the role gate, got %d", resp.Code)
	}
}

func TestMetricsEndpointExposesHTTPCounters(t *testing.T) {
	handler, _ := newTestRouter(t)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "oxygen_http_requests_total") {
		t.Fatalf("expected http request counter in scrape output")
	}
}
