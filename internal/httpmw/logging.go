package httpmw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quiltfin/gateway/internal/log"
)

// responseWriter captures status and bytes written for the access log.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithLogger attaches a request-scoped logger (request id, client address,
// method, path) to the context and annotates the active span.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqID := RequestIDFromContext(ctx)
			clientAddr := ClientIPFromContext(ctx)
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}

			if span := trace.SpanFromContext(ctx); span != nil && span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
				)
			}

			fields := []any{
				"request_id", reqID,
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
			}

			L := base.With(fields...)
			ctx = log.WithContext(ctx, L)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog emits one structured record per request after the handler runs.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var reqBodySize int64
			if r.ContentLength > 0 {
				reqBodySize = r.ContentLength
			}

			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			ctx := r.Context()
			L := log.FromContext(ctx)
			if L == nil {
				return
			}

			// health checks would dominate the log for no value
			if r.URL.Path == "/-/ready" || r.URL.Path == "/-/healthy" {
				return
			}

			status := rw.status
			if status == 0 {
				status = http.StatusOK
			}

			routePat := ""
			if rc := chi.RouteContext(ctx); rc != nil {
				routePat = rc.RoutePattern()
			}
			if routePat == "" {
				routePat = r.URL.Path
			}

			L.Info(ctx, "http request",
				"http.response.status_code", status,
				"url.scheme", SchemeFromRequest(r),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", reqBodySize,
				"http.route", routePat,
			)
		})
	}
}

// SchemeFromRequest infers the request scheme, trusting X-Forwarded-Proto
// only after the ClientIP middleware has had a chance to strip it from
// untrusted peers.
func SchemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
