package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/domainlens/internal/config"
	"github.com/mbd888/domainlens/internal/logging"
	"github.com/mbd888/domainlens/internal/ratelimit"
	"github.com/mbd888/domainlens/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const oauthURL = "https://idp.example/authorize?client_id=abc&redirect_uri=https://rp.example/cb&response_type=code&state=xyz"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "json",
		SessionContextTTL:  config.DefaultSessionContextTTL,
		SessionTabTTL:      config.DefaultSessionTabTTL,
		SessionMaxContexts: config.DefaultSessionMaxContexts,
		SessionMaxEvents:   config.DefaultSessionMaxEvents,
		RoundTripTTL:       config.DefaultRoundTripTTL,
		ReclassifyWindow:   config.DefaultReclassifyWindow,
		GCSampleRate:       0,
		GCInterval:         time.Hour,
		QueueSize:          config.DefaultQueueSize,
		RateLimitRPM:       config.DefaultRateLimit,
	}
}

// newTestServer creates a server with in-memory stores and a started engine
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		s.Engine().Stop()
		s.rateLimiter.Stop()
		cancel()
	})
	s.Engine().Start(ctx)
	require.Eventually(t, s.Engine().Queue().Running, time.Second, time.Millisecond)
	return s
}

func serve(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if resp.Checks["store"] != "healthy" || resp.Checks["queue"] != "healthy" {
		t.Errorf("Unexpected checks %v", resp.Checks)
	}
}

func TestHealthEndpoint_QueueStopped(t *testing.T) {
	s := newTestServer(t)
	s.Engine().Stop()
	require.Eventually(t, func() bool { return !s.Engine().Queue().Running() }, time.Second, time.Millisecond)

	w := serve(s, "GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health/ready", "")

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/classify",
		"POST:/v1/events/navigation",
		"POST:/v1/events/opener",
		"POST:/v1/events/dom",
		"DELETE:/v1/tabs/:id",
		"GET:/v1/tabs/:id/context",
		"GET:/v1/domains",
		"GET:/v1/domains/:domain",
		"POST:/v1/domains/:domain/risk",
		"PUT:/v1/domains/:domain/override",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"domainlens"`)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

// ---------------------------------------------------------------------------
// Engine wiring
// ---------------------------------------------------------------------------

func TestNavigationThenDomain(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "POST", "/v1/events/navigation", `{"tab_id":1,"url":"https://www.shop.example/checkout"}`,
		ratelimit.SourceHeader, "ext-test", "X-Request-ID", "req-123")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = serve(s, "GET", "/v1/domains/shop.example", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Domain struct {
			Domain string `json:"domain"`
			Risk   struct {
				Level string `json:"level"`
			} `json:"risk"`
		} `json:"domain"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "shop.example", resp.Domain.Domain)
	assert.Equal(t, "transaction", resp.Domain.Risk.Level)

	w = serve(s, "GET", "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed"`)
}

func TestProbeEventsAreRateLimited(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimitRPM = 2 })

	body := `{"tab_id":1,"url":"https://news.example/"}`
	for i := 0; i < 2; i++ {
		w := serve(s, "POST", "/v1/events/navigation", body, ratelimit.SourceHeader, "ext-a")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w := serve(s, "POST", "/v1/events/navigation", body, ratelimit.SourceHeader, "ext-a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// other probes and query routes are unaffected
	w = serve(s, "POST", "/v1/events/navigation", body, ratelimit.SourceHeader, "ext-b")
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(s, "POST", "/v1/classify", `{"url":"https://news.example/"}`, ratelimit.SourceHeader, "ext-a")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStateChangesStreamOverWebSocket(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.realtimeHub.Run(ctx)

	ts := httptest.NewServer(s.router)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return s.realtimeHub.Stats()["connectedClients"].(int) == 1
	}, time.Second, 5*time.Millisecond)

	w := serve(s, "POST", "/v1/events/navigation", `{"tab_id":1,"url":"`+oauthURL+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err, "expected a state change event")

		var ev struct {
			Type   realtime.EventType   `json:"type"`
			Domain string               `json:"domain"`
			Data   realtime.StateChange `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &ev))
		if ev.Type != realtime.EventStateChanged {
			continue
		}
		assert.Equal(t, "idp.example", ev.Domain)
		assert.Equal(t, "none", ev.Data.From)
		assert.Equal(t, "suggested", ev.Data.To)
		return
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/lens", maskDSN("postgres://app:secret@db:5432/lens"))
	assert.Equal(t, "redis://localhost:6379/0", maskDSN("redis://localhost:6379/0"))
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
