package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"go.uber.org/zap"
)

// mockPluginSource satisfies the PluginSource interface for testing.
type mockPluginSource struct {
	plugins []plugin.Plugin
	routes  map[string][]plugin.Route
	health  map[string]plugin.HealthStatus
}

func (m *mockPluginSource) AllRoutes() map[string][]plugin.Route {
	if m.routes != nil {
		return m.routes
	}
	return map[string][]plugin.Route{}
}

func (m *mockPluginSource) All() []plugin.Plugin {
	return m.plugins
}

func (m *mockPluginSource) Health(context.Context) map[string]plugin.HealthStatus {
	return m.health
}

// stubPlugin satisfies plugin.Plugin for testing.
type stubPlugin struct {
	info plugin.PluginInfo
}

func (s *stubPlugin) Info() plugin.PluginInfo                           { return s.info }
func (s *stubPlugin) Init(_ context.Context, _ plugin.Dependencies) error { return nil }
func (s *stubPlugin) Start(_ context.Context) error                     { return nil }
func (s *stubPlugin) Stop(_ context.Context) error                      { return nil }

func testConfig() Config {
	return Config{Host: "127.0.0.1", Port: 0}
}

func newTestServer(ready ReadinessChecker, src *mockPluginSource) *Server {
	if src == nil {
		src = &mockPluginSource{
			plugins: []plugin.Plugin{
				&stubPlugin{info: plugin.PluginInfo{
					Name:        "agents",
					Version:     "0.1.0",
					Description: "Wazuh agent sync",
				}},
			},
		}
	}
	return New(testConfig(), src, zap.NewNop(), ready)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, http.NoBody))
	return w
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		ready      ReadinessChecker
		wantStatus int
		wantBody   string
	}{
		{"liveness", "/healthz", nil, http.StatusOK, "alive"},
		{"ready", "/readyz", func(context.Context) error { return nil }, http.StatusOK, "ready"},
		{"not ready", "/readyz", func(context.Context) error { return errors.New("database not reachable") }, http.StatusServiceUnavailable, "database not reachable"},
		{"nil checker", "/readyz", nil, http.StatusOK, "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, newTestServer(tt.ready, nil).mux, tt.path)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp["status"] != tt.wantBody && resp["error"] != tt.wantBody {
				t.Errorf("body = %v, want %q", resp, tt.wantBody)
			}
		})
	}
}

func TestHandleHealth_AggregatesPlugins(t *testing.T) {
	tests := []struct {
		name   string
		health map[string]plugin.HealthStatus
		want   string
	}{
		{"none", nil, "ok"},
		{"all healthy", map[string]plugin.HealthStatus{"agents": {Status: "healthy"}}, "ok"},
		{"degraded", map[string]plugin.HealthStatus{
			"agents":   {Status: "healthy"},
			"findings": {Status: "degraded", Message: "1 profile(s) failed"},
		}, "degraded"},
		{"unhealthy wins", map[string]plugin.HealthStatus{
			"agents":     {Status: "degraded"},
			"connection": {Status: "unhealthy"},
		}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(nil, &mockPluginSource{health: tt.health})
			w := get(t, srv.mux, "/api/v1/health")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var resp HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.want || resp.Service != "wazuhsync" {
				t.Errorf("health = %+v, want status %q", resp, tt.want)
			}
			if resp.Version == nil {
				t.Error("expected version map")
			}
		})
	}
}

func TestHandlePlugins(t *testing.T) {
	w := get(t, newTestServer(nil, nil).mux, "/api/v1/plugins")
	var plugins []PluginResponse
	if err := json.NewDecoder(w.Body).Decode(&plugins); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(plugins) != 1 || plugins[0].Name != "agents" || plugins[0].Version != "0.1.0" {
		t.Errorf("plugins = %+v", plugins)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv := newTestServer(nil, nil)
	// Hit an API route first so the HTTP counters have a sample.
	get(t, srv.Handler(), "/api/v1/plugins")

	w := get(t, srv.mux, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, want := range []string{"go_goroutines", "wazuhsync_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in /metrics output", want)
		}
	}
}

func TestMiddlewareChain_Integration(t *testing.T) {
	w := get(t, newTestServer(nil, nil).Handler(), "/healthz")

	if v := w.Header().Get(VersionHeader); v == "" {
		t.Errorf("expected %s header from middleware", VersionHeader)
	}
	if v := w.Header().Get("X-Request-ID"); v == "" {
		t.Error("expected X-Request-ID header from middleware")
	}
	if v := w.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
}

type wsStub struct{}

func (wsStub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestRoutes_Mounted(t *testing.T) {
	src := &mockPluginSource{
		routes: map[string][]plugin.Route{
			"agents": {{
				Method: "POST",
				Path:   "/sync",
				Handler: func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusAccepted)
				},
			}},
		},
	}
	srv := New(testConfig(), src, zap.NewNop(), nil, wsStub{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/agents/sync", http.NoBody))
	if w.Code != http.StatusAccepted {
		t.Fatalf("plugin route status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if w := get(t, srv.Handler(), "/ws"); w.Code != http.StatusTeapot {
		t.Errorf("extra route status = %d, want %d", w.Code, http.StatusTeapot)
	}
	if w := get(t, srv.Handler(), "/api/v1/nope"); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", w.Code)
	}
}

func TestNew_Timeouts(t *testing.T) {
	srv := New(Config{Host: "0.0.0.0", Port: 9000}, &mockPluginSource{}, zap.NewNop(), nil)
	if srv.httpServer.Addr != "0.0.0.0:9000" {
		t.Errorf("addr = %q", srv.httpServer.Addr)
	}
	if srv.httpServer.WriteTimeout <= srv.httpServer.ReadTimeout {
		t.Errorf("write timeout %v should exceed read timeout %v", srv.httpServer.WriteTimeout, srv.httpServer.ReadTimeout)
	}
}

func TestSwagger_DevModeOnly(t *testing.T) {
	src := &mockPluginSource{
		routes: map[string][]plugin.Route{
			"agents": {{Method: "PUT", Path: "/{id}/link", Handler: func(http.ResponseWriter, *http.Request) {}}},
		},
	}

	if w := get(t, New(testConfig(), src, zap.NewNop(), nil).Handler(), "/swagger/doc.json"); w.Code != http.StatusNotFound {
		t.Errorf("without dev_mode: status = %d, want 404", w.Code)
	}

	cfg := testConfig()
	cfg.DevMode = true
	w := get(t, New(cfg, src, zap.NewNop(), nil).Handler(), "/swagger/doc.json")
	if w.Code != http.StatusOK {
		t.Fatalf("doc.json status = %d", w.Code)
	}
	var doc struct {
		BasePath string                     `json:"basePath"`
		Paths    map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode doc.json: %v", err)
	}
	if doc.BasePath != "/api/v1" {
		t.Errorf("basePath = %q", doc.BasePath)
	}
	if _, ok := doc.Paths["/agents/{id}/link"]; !ok {
		t.Errorf("mounted plugin route missing from document: %v", doc.Paths)
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "script-src 'self'") {
		t.Errorf("swagger CSP = %q", csp)
	}
}
