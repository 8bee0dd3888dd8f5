package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// mockStatusProvider implements StatusProvider for testing.
type mockStatusProvider struct {
	running bool
	status  Status
}

func (m *mockStatusProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatusProvider) Status() Status {
	return m.status
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: true})

	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	rec = serve(s, http.MethodPost, "/health")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_handleStatus_Running(t *testing.T) {
	provider := &mockStatusProvider{
		running: true,
		status: Status{
			AgentID:            "host-1",
			SignalingConnected: true,
			SessionID:          "s-42",
			Connectivity:       "connected",
			Channels:           []string{"input", "terminal"},
			ShellRunning:       true,
		},
	}
	s := NewServer(DefaultServerConfig(), provider)

	rec := serve(s, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response["status"])
	}
	if response["running"] != true {
		t.Errorf("expected running true, got %v", response["running"])
	}
	if response["agent_id"] != "host-1" {
		t.Errorf("expected agent_id host-1, got %v", response["agent_id"])
	}
	if response["session_id"] != "s-42" {
		t.Errorf("expected session_id s-42, got %v", response["session_id"])
	}
	if channels, ok := response["channels"].([]interface{}); !ok || len(channels) != 2 {
		t.Errorf("expected two channels, got %v", response["channels"])
	}
}

func TestServer_handleStatus_NotRunning(t *testing.T) {
	tests := []struct {
		name     string
		provider StatusProvider
	}{
		{"stopped", &mockStatusProvider{running: false}},
		{"nil provider", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), tt.provider)
			rec := serve(s, http.MethodGet, "/status")
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
			}
			var response map[string]interface{}
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response["status"] != "unavailable" {
				t.Errorf("expected status 'unavailable', got %v", response["status"])
			}
		})
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		name     string
		provider *mockStatusProvider
		wantCode int
		wantBody string
	}{
		{"connected", &mockStatusProvider{running: true, status: Status{SignalingConnected: true}}, http.StatusOK, "READY\n"},
		{"relay down", &mockStatusProvider{running: true}, http.StatusServiceUnavailable, "NOT READY\n"},
		{"stopped", &mockStatusProvider{running: false, status: Status{SignalingConnected: true}}, http.StatusServiceUnavailable, "NOT READY\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), tt.provider)
			rec := serve(s, http.MethodGet, "/ready")
			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if body := rec.Body.String(); body != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, body)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "deskline_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, &mockStatusProvider{running: true})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "deskline_test_total 3") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, &mockStatusProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	// Retry to cover the gap between Start() and Serve()
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_PprofIndex(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: true})

	rec := serve(s, http.MethodGet, "/debug/pprof/")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty body for pprof index")
	}
}
