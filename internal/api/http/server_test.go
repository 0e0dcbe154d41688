package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/sidecar/internal/api"
	"github.com/Paintersrp/sidecar/internal/metrics"
	"github.com/Paintersrp/sidecar/internal/supervisor"
)

type testController struct{}

func (t *testController) Status(stdcontext.Context) (*api.StatusReport, error) {
	return nil, nil
}

func (t *testController) Stop(stdcontext.Context) (*api.StopResult, error) {
	return nil, nil
}

func TestNewServerRejectsTypedNilController(t *testing.T) {
	var ctrl api.Controller = (*testController)(nil)
	_, err := NewServer(Config{Controller: ctrl})
	if err == nil {
		t.Fatalf("expected error when controller is typed nil")
	}
	if !strings.Contains(err.Error(), "testController") {
		t.Fatalf("expected error to describe typed nil controller, got %v", err)
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           defaultAddr,
		":80":        "127.0.0.1:80",
		"0.0.0.0:80": "0.0.0.0:80",
		"[::]:80":    "[::]:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
	}

	for input, expected := range tests {
		input, expected := input, expected
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := normalizeAddr(input); got != expected {
				t.Fatalf("normalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := &mockController{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{Service: "backend", State: supervisor.StateReady, Ready: true, GeneratedAt: time.Unix(123, 0)}, nil
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store cache header, got %q", got)
	}

	var body api.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed decoding response: %v", err)
	}
	if body.Service != "backend" || body.State != supervisor.StateReady || !body.Ready {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestHandleStatusError(t *testing.T) {
	ctrl := &mockController{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return nil, errors.New("boom")
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "internal_error" {
		t.Fatalf("expected internal_error code, got %q", body.Code)
	}
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	ctrl := &mockController{}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodGet) {
		t.Fatalf("expected Allow header to list %q, got %q", http.MethodGet, allow)
	}
}

func TestHandleStop(t *testing.T) {
	stopped := false
	ctrl := &mockController{
		stopFn: func(stdcontext.Context) (*api.StopResult, error) {
			stopped = true
			return &api.StopResult{Service: "backend"}, nil
		},
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{Service: "backend", State: supervisor.StateReady}, nil
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stop", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !stopped {
		t.Fatalf("expected controller stop to be invoked")
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result, ok := body["stop"].(map[string]any); !ok || result["service"] != "backend" {
		t.Fatalf("expected stop result in body, got %v", body["stop"])
	}
	if status, ok := body["status"].(map[string]any); !ok || status["state"] != "ready" {
		t.Fatalf("expected status in body, got %v", body["status"])
	}
}

func TestHandleStopConflict(t *testing.T) {
	ctrl := &mockController{
		stopFn: func(stdcontext.Context) (*api.StopResult, error) {
			return nil, api.ErrNotStarted
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stop", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "not_started" {
		t.Fatalf("expected code not_started, got %q", body.Code)
	}
	if _, ok := body.Details["timestamp"]; !ok {
		t.Fatalf("expected timestamp key in details")
	}
}

func TestHandleStopMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, &mockController{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stop", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("expected Allow header to list %q, got %q", http.MethodPost, allow)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, err := NewServer(Config{Controller: &mockController{}, Metrics: metrics.Handler()})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}

	backend := "http_metrics"
	t.Cleanup(func() { metrics.ResetBackend(backend) })
	metrics.EmitBuildInfo()
	metrics.SetBackendReady(backend, true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rec.Code)
	}
	body := rec.Body.String()
	expected := fmt.Sprintf("sidecar_backend_ready{backend=\"%s\"} 1", backend)
	if !strings.Contains(body, expected) {
		t.Fatalf("expected body to contain %q, got:\n%s", expected, body)
	}
	if !strings.Contains(body, "sidecar_build_info{") {
		t.Fatalf("expected metrics output to include build info, got:\n%s", body)
	}
}

func TestMetricsEndpointAbsentWithoutHandler(t *testing.T) {
	server := newTestServer(t, &mockController{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics handler, got %d", rec.Code)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctrl := &mockController{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{Service: "backend"}, nil
		},
	}
	server, err := NewServer(Config{Controller: ctrl, Listener: ln})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	resp, err := http.Get("http://" + server.Addr() + "/api/v1/status")
	if err != nil {
		cancel()
		t.Fatalf("status request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

type mockController struct {
	statusFn func(stdcontext.Context) (*api.StatusReport, error)
	stopFn   func(stdcontext.Context) (*api.StopResult, error)
}

func (m *mockController) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx)
	}
	return nil, nil
}

func (m *mockController) Stop(ctx stdcontext.Context) (*api.StopResult, error) {
	if m.stopFn != nil {
		return m.stopFn(ctx)
	}
	return nil, nil
}

func newTestServer(t *testing.T, ctrl api.Controller) *Server {
	t.Helper()
	server, err := NewServer(Config{Controller: ctrl})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}
	return server
}
