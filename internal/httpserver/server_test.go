package httpserver

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quiltfin/gateway/internal/admission"
	"github.com/quiltfin/gateway/internal/httpmw"
	"github.com/quiltfin/gateway/internal/log"
	"github.com/quiltfin/gateway/internal/ratelimit"
	"github.com/quiltfin/gateway/internal/secgate"
	"github.com/quiltfin/gateway/internal/store"
)

// test helpers

// stubProbe implements health.Probe for testing.
type stubProbe struct {
	err error
}

func (p *stubProbe) Check(ctx context.Context) error { return p.err }

// defaultOpts returns minimal valid Options for testing.
func defaultOpts() Options {
	return Options{
		Logger: log.Nop(),
	}
}

// admissionMW builds a real admission pipeline over an in-memory store.
func admissionMW(t *testing.T, policies []admission.RoutePolicy) func(http.Handler) http.Handler {
	t.Helper()
	pol, err := secgate.NewPolicy(secgate.Config{
		AllowedOrigins: []string{"https://app.quiltfin.com"},
	}, nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	gate := secgate.New(pol, nil, nil)
	limiter := ratelimit.New(store.NewMemory())
	return admission.New(gate, limiter, policies, nil).Middleware
}

// doRequest is a helper to send a request through a handler and return the recorder.
func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

// getFreePort finds a free TCP port.
func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// NewHandler - admission pipeline

func TestNewHandler_SecurityHeaders(t *testing.T) {
	opts := defaultOpts()
	opts.AdmissionMW = admissionMW(t, nil)
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/nope")

	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains; preload",
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
	for name, val := range want {
		if got := rec.Header().Get(name); got != val {
			t.Errorf("%s = %q, want %q", name, got, val)
		}
	}
}

func TestNewHandler_SecurityHeaders_On404(t *testing.T) {
	opts := defaultOpts()
	opts.AdmissionMW = admissionMW(t, nil)
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/does/not/exist")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("404 response missing CSP header")
	}
}

func TestNewHandler_Preflight(t *testing.T) {
	opts := defaultOpts()
	opts.AdmissionMW = admissionMW(t, nil)
	h := NewHandler(&opts)

	rec := doRequest(t, h, "OPTIONS", "/api/anything")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "OPTIONS") {
		t.Errorf("Allow-Methods = %q", got)
	}
}

func TestNewHandler_RateLimited(t *testing.T) {
	opts := defaultOpts()
	opts.AdmissionMW = admissionMW(t, []admission.RoutePolicy{
		{Prefix: "/api/", Limit: ratelimit.Config{Window: time.Minute, MaxRequests: 2}},
	})
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/ok", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	h := NewHandler(&opts)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = doRequest(t, h, "GET", "/api/ok")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}
}

// NewHandler - request ID

func TestNewHandler_RequestID_Generated(t *testing.T) {
	opts := defaultOpts()
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("no X-Request-Id header")
	}
}

func TestNewHandler_RequestID_Propagated(t *testing.T) {
	opts := defaultOpts()
	h := NewHandler(&opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "test-id-123")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "test-id-123" {
		t.Fatalf("X-Request-Id = %q, want test-id-123", got)
	}
}

func TestNewHandler_RequestID_UniquePerRequest(t *testing.T) {
	opts := defaultOpts()
	h := NewHandler(&opts)

	id1 := doRequest(t, h, "GET", "/").Header().Get("X-Request-Id")
	id2 := doRequest(t, h, "GET", "/").Header().Get("X-Request-Id")
	if id1 == id2 {
		t.Fatalf("request ids not unique: %q", id1)
	}
}

// NewHandler - routes

func TestNewHandler_APIRoutes(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/v1/budgets", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("budgets"))
		})
	}
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/api/v1/budgets")
	if rec.Code != http.StatusOK || rec.Body.String() != "budgets" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_APIRoutes_Nil(t *testing.T) {
	opts := defaultOpts()
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/api/v1/budgets")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 with no routes", rec.Code)
	}
}

// NewHandler - health endpoints

func TestNewHandler_HealthEndpoint(t *testing.T) {
	opts := defaultOpts()
	opts.Health = &stubProbe{}
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNewHandler_HealthEndpoint_Unhealthy(t *testing.T) {
	opts := defaultOpts()
	opts.Health = &stubProbe{err: fmt.Errorf("store unreachable")}
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "store unreachable") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestNewHandler_ReadyEndpoint_NotReady(t *testing.T) {
	opts := defaultOpts()
	opts.Readiness = &stubProbe{err: fmt.Errorf("draining")}
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/-/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestNewHandler_HealthEndpoint_NilProbe(t *testing.T) {
	opts := defaultOpts()
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when no probe wired", rec.Code)
	}
}

// NewHandler - optional middleware

func TestNewHandler_MetricsMW_Applied(t *testing.T) {
	called := false
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}
	h := NewHandler(&opts)

	doRequest(t, h, "GET", "/")
	if !called {
		t.Fatal("metrics middleware not applied")
	}
}

func TestNewHandler_FloodguardMW_Applied(t *testing.T) {
	opts := defaultOpts()
	opts.FloodguardMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want flood guard response", rec.Code)
	}
}

func TestNewHandler_MaxBody_CapsActualRead(t *testing.T) {
	opts := defaultOpts()
	opts.MaxBodyBytes = 8
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/v1/budgets", func(w http.ResponseWriter, r *http.Request) {
			if _, err := io.ReadAll(r.Body); err != nil {
				http.Error(w, "too large", http.StatusRequestEntityTooLarge)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}
	h := NewHandler(&opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/budgets", strings.NewReader(strings.Repeat("x", 64)))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized read: status = %d, want 413", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/budgets", strings.NewReader("ok"))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("small body: status = %d, want 200", rec.Code)
	}
}

func TestNewHandler_RecoverMW_Enabled(t *testing.T) {
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	}
	h := NewHandler(&opts)

	rec := doRequest(t, h, "GET", "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestNewHandler_RecoverMW_Disabled(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	}
	h := NewHandler(&opts)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate without recover middleware")
		}
	}()
	doRequest(t, h, "GET", "/boom")
}

func TestNewHandler_RecoverMW_CallsOnPanic(t *testing.T) {
	panics := 0
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.OnPanic = func() { panics++ }
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	}
	h := NewHandler(&opts)

	doRequest(t, h, "GET", "/boom")
	if panics != 1 {
		t.Fatalf("onPanic fired %d times, want 1", panics)
	}
}

func TestNewHandler_ClientIP_InContext(t *testing.T) {
	var seen string
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/ip", func(w http.ResponseWriter, r *http.Request) {
			seen = httpmw.ClientIPFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})
	}
	h := NewHandler(&opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ip", nil)
	req.RemoteAddr = "203.0.113.54:9999"
	h.ServeHTTP(rec, req)

	if seen != "203.0.113.54" {
		t.Fatalf("client ip = %q", seen)
	}
}

// NewHandler - compression

func TestNewHandler_CompressesJSON(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/big", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":"` + strings.Repeat("x", 4096) + `"}`))
		})
	}
	h := NewHandler(&opts)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	if !strings.HasPrefix(string(body), `{"data":`) {
		t.Fatalf("body = %q", string(body)[:20])
	}
}

// NewServer

func TestNewServer_Configuration(t *testing.T) {
	srv := NewServer(":1234", http.NotFoundHandler())

	if srv.Addr != ":1234" {
		t.Errorf("Addr = %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout {
		t.Errorf("ReadHeaderTimeout = %v", srv.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != DefaultReadTimeout {
		t.Errorf("ReadTimeout = %v", srv.ReadTimeout)
	}
	if srv.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("WriteTimeout = %v", srv.WriteTimeout)
	}
	if srv.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v", srv.IdleTimeout)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Errorf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
	}
}

// Start - lifecycle

func TestStart_CustomPort(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	opts := defaultOpts()
	opts.Port = port
	stop, err := Start(ctx, &opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { stop(ctx) })

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("live server response missing X-Request-Id")
	}
}

func TestStart_GracefulShutdown(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	opts := defaultOpts()
	opts.Port = port
	stop, err := Start(ctx, &opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		t.Fatalf("GET before shutdown: %v", err)
	}
	resp.Body.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port)); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_StopIdempotent(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	opts := defaultOpts()
	opts.Port = port
	stop, err := Start(ctx, &opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := stop(ctx); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	opts1 := defaultOpts()
	opts1.Port = port
	stop1, err := Start(ctx, &opts1)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	opts2 := defaultOpts()
	opts2.Port = port
	if _, err = Start(ctx, &opts2); err == nil {
		t.Fatal("expected error for port conflict")
	}
}
