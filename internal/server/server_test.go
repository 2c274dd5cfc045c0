package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/peterje/consolebridge/internal/console"
	"github.com/peterje/consolebridge/internal/models"
	"github.com/peterje/consolebridge/internal/session"
)

type okExecutor struct{}

func (okExecutor) Execute(context.Context, string, int) (json.RawMessage, error) {
	return json.RawMessage(`"OK"`), nil
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Executor == nil {
		opts.Executor = okExecutor{}
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(console.NewLauncher(console.Config{Path: "/nonexistent/bconsole"}))
	}
	if opts.CORSOrigins == nil {
		opts.CORSOrigins = []string{"*"}
	}
	return New(opts)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		console models.ConsoleStatus
		want    string
	}{
		{"console found", models.ConsoleStatus{Path: "bconsole", Installed: true}, "ok"},
		{"console missing", models.ConsoleStatus{Path: "bconsole"}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{Console: tt.console, Version: "test"})
			rec := get(t, s, "/api/health")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var body models.HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.want || body.Version != "test" || body.Sessions != 0 {
				t.Errorf("health = %+v", body)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Options{})
	get(t, s, "/api/sessions")

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `consolebridge_http_request_duration_seconds_count{method="GET",route="/api/sessions`) {
		t.Errorf("request metric missing from exposition")
	}
}

func TestCommandRateLimit(t *testing.T) {
	s := newTestServer(t, Options{RateLimitRequests: 2, RateLimitWindow: time.Minute})

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader(`{"command":"status director"}`))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// Session routes are not limited.
	for range 3 {
		if rec := get(t, s, "/api/sessions"); rec.Code != http.StatusOK {
			t.Fatalf("sessions status = %d", rec.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, Options{CORSOrigins: []string{"https://admin.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://admin.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestUnknownSessionRoute(t *testing.T) {
	s := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

type fakeHTTPServer struct {
	listenErr error
	stop      chan struct{}
	shutdown  bool
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.shutdown = true
	close(f.stop)
	return nil
}

func TestHTTPServiceShutdown(t *testing.T) {
	fake := &fakeHTTPServer{stop: make(chan struct{})}
	svc := NewHTTPService(fake, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if !fake.shutdown {
		t.Error("Shutdown was not called")
	}
	if svc.String() != "http-server" {
		t.Errorf("String = %q", svc.String())
	}
}

func TestHTTPServiceListenError(t *testing.T) {
	svc := NewHTTPService(&fakeHTTPServer{listenErr: errors.New("address in use")}, 0)
	if err := svc.Serve(context.Background()); err == nil || !strings.Contains(err.Error(), "address in use") {
		t.Fatalf("Serve = %v", err)
	}
}
