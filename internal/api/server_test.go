package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"autotrader/internal/events"
	"autotrader/internal/monitor"
	"autotrader/internal/orchestrator"
	"autotrader/pkg/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:             "0",
		JWTSecret:        "test-secret",
		OperatorPassword: "hunter2",
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	registry := monitor.NewRegistry(nil)
	orch := orchestrator.New(cfg, nil, nil, bus, nil, nil)
	return NewServer(cfg, orch, registry, bus)
}

func do(s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	rec := do(s, http.MethodPost, "/api/login", `{"password":"hunter2"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Token
}

func TestLogin(t *testing.T) {
	s := testServer(t)

	if rec := do(s, http.MethodPost, "/api/login", `{"password":"wrong"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d, want 401", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/login", `{}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing password = %d, want 400", rec.Code)
	}
	if token := login(t, s); token == "" {
		t.Fatal("empty token")
	}
}

func TestAuthGuardsControlRoutes(t *testing.T) {
	s := testServer(t)

	if rec := do(s, http.MethodGet, "/api/status", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/api/status", "", "not-a-token"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d, want 401", rec.Code)
	}

	token := login(t, s)
	rec := do(s, http.MethodGet, "/api/status", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d: %s", rec.Code, rec.Body.String())
	}

	// Token signed with another secret must be rejected.
	other, err := generateToken("other-secret")
	if err != nil {
		t.Fatal(err)
	}
	if rec := do(s, http.MethodGet, "/api/status", "", other); rec.Code != http.StatusUnauthorized {
		t.Fatalf("cross-secret token = %d, want 401", rec.Code)
	}
}

func TestPauseUnknownAccount(t *testing.T) {
	s := testServer(t)
	token := login(t, s)

	rec := do(s, http.MethodPost, "/api/accounts/ghost/pause", "", token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pause unknown = %d, want 404", rec.Code)
	}
}

func TestMetricsShape(t *testing.T) {
	s := testServer(t)
	token := login(t, s)

	rec := do(s, http.MethodGet, "/api/metrics", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, ok := resp["api_latency_ms"]; !ok {
		t.Fatal("metrics missing latency block")
	}
}

func TestHealthIsPublic(t *testing.T) {
	s := testServer(t)
	if rec := do(s, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestBcryptPassword(t *testing.T) {
	if !checkPassword("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy", "password") {
		t.Fatal("bcrypt hash of 'password' rejected")
	}
	if checkPassword("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy", "wrong") {
		t.Fatal("wrong password accepted against bcrypt hash")
	}
	if checkPassword("", "anything") {
		t.Fatal("empty configured password must reject")
	}
}
