package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/clock"
	"cosession/api/internal/collab"
	"cosession/api/internal/presence"
	"cosession/api/internal/realtime"
	"cosession/api/internal/store"
)

// fakeStoreForHealth extends the memory store with ping functionality
type fakeStoreForHealth struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newHealthServer(fs *fakeStoreForHealth, opts ...Option) *HTTPServer {
	if fs.MemoryStore == nil {
		fs.MemoryStore = store.NewMemoryStore()
	}
	hub := broadcast.NewHub(nil)
	svc := collab.New(fs, hub, nil, clock.Real(), nil, collab.Options{})
	tracker := presence.NewTracker(presence.NewMemoryRegistry(), hub, clock.Real(), time.Minute, nil)
	return NewHTTPServer(svc, tracker, realtime.NewHandler(svc, hub, tracker, "*", nil), "*", nil, opts...)
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	server := newHealthServer(&fakeStoreForHealth{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := decodeMap(t, rr)["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint(t *testing.T) {
	live := miniredis.RunT(t)
	liveClient := redis.NewClient(&redis.Options{Addr: live.Addr()})
	t.Cleanup(func() { _ = liveClient.Close() })

	dead, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	deadClient := redis.NewClient(&redis.Options{Addr: dead.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = deadClient.Close() })
	dead.Close()

	tests := []struct {
		name       string
		pingErr    error
		redis      *redis.Client
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "database only",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok"},
		},
		{
			name:       "database and redis",
			redis:      liveClient,
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok", "redis": "ok"},
		},
		{
			name:       "database down",
			pingErr:    errors.New("connection refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "error"},
		},
		{
			name:       "redis down",
			redis:      deadClient,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "ok", "redis": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStoreForHealth{pingFn: func(context.Context) error { return tt.pingErr }}
			var opts []Option
			if tt.redis != nil {
				opts = append(opts, WithRedis(tt.redis))
			}
			server := newHealthServer(fs, opts...)

			req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			response := decodeMap(t, rr)
			checks, ok := response["checks"].(map[string]any)
			if !ok {
				t.Fatalf("expected checks object, got %v", response["checks"])
			}
			for name, want := range tt.wantChecks {
				check, ok := checks[name].(map[string]any)
				if !ok {
					t.Fatalf("missing %s check in %v", name, checks)
				}
				if check["status"] != want {
					t.Errorf("%s status = %v, want %s", name, check["status"], want)
				}
			}
			if ready := response["ok"]; ready != (tt.wantStatus == http.StatusOK) {
				t.Errorf("ok = %v", ready)
			}
		})
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	server := newHealthServer(&fakeStoreForHealth{})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions/s1/content", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestHealthEndpoint_CORSHeaders(t *testing.T) {
	server := newHealthServer(&fakeStoreForHealth{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
	if id := rr.Header().Get("X-Request-ID"); id != "req-123" {
		t.Errorf("expected request id to be echoed, got %q", id)
	}
}
