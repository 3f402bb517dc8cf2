// Package metrics holds the prometheus registry and gateway counters.
// Safe labels only (method, route, code) to avoid cardinality explosions.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quiltfin/gateway/internal/telemetry"
	"github.com/quiltfin/gateway/internal/version"
)

type GatewayMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	errorsTotal    *prometheus.CounterVec
	buildInfo      *prometheus.GaugeVec

	blockedTotal            prometheus.Counter
	oversizedTotal          prometheus.Counter
	badContentTypeTotal     prometheus.Counter
	suspiciousClientTotal   prometheus.Counter
	unauthorizedOriginTotal prometheus.Counter
	floodguardDeniedTotal   prometheus.Counter
	storeDegradedTotal      *prometheus.CounterVec
	storePingSeconds        prometheus.Gauge

	// shadow counters readable by the health endpoint; prometheus counters
	// are write-only from our side
	snap struct {
		blocked             atomic.Uint64
		oversized           atomic.Uint64
		badContentType      atomic.Uint64
		suspiciousClients   atomic.Uint64
		unauthorizedOrigins atomic.Uint64
		storeDegraded       atomic.Uint64
		storePingMicros     atomic.Int64
	}
}

// Snapshot is the health endpoint's view of gateway counters.
type Snapshot struct {
	BlockedRequests     uint64        `json:"blockedRequests"`
	LargeRequests       uint64        `json:"largeRequests"`
	InvalidContentTypes uint64        `json:"invalidContentTypes"`
	SuspiciousRequests  uint64        `json:"suspiciousRequests"`
	UnauthorizedOrigins uint64        `json:"unauthorizedOrigins"`
	StoreDegraded       uint64        `json:"storeDegraded"`
	StorePingLatency    time.Duration `json:"storePingLatencyNs"`
}

func New() *GatewayMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &GatewayMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered HTTP handler panics",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "go_version"}),
		blockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_requests_blocked_total",
			Help: "Total requests rejected by the sliding-window rate limiter",
		}),
		oversizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_requests_oversized_total",
			Help: "Total requests rejected for exceeding the body size limit",
		}),
		badContentTypeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_requests_bad_content_type_total",
			Help: "Total requests rejected for a disallowed content type",
		}),
		suspiciousClientTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_suspicious_clients_total",
			Help: "Total requests whose client agent matched the non-browser denylist (advisory)",
		}),
		unauthorizedOriginTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_unauthorized_origins_total",
			Help: "Total requests with an Origin header not on the allow-list",
		}),
		floodguardDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_floodguard_denied_total",
			Help: "Total requests rejected by the in-process per-IP flood guard",
		}),
		storeDegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_store_degraded_total",
			Help: "Total rate limit checks resolved by the fail-open/fail-closed policy",
		}, []string{"mode"}),
		storePingSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_store_ping_seconds",
			Help: "Latency of the most recent rate limit store health ping",
		}),
	}

	reg.MustRegister(
		m.inflight, m.reqTotal, m.reqDur, m.respBytes,
		m.httpPanicTotal, m.errorsTotal, m.buildInfo,
		m.blockedTotal, m.oversizedTotal, m.badContentTypeTotal,
		m.suspiciousClientTotal, m.unauthorizedOriginTotal,
		m.floodguardDeniedTotal, m.storeDegradedTotal, m.storePingSeconds,
	)

	m.reg = reg
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *GatewayMetrics) Handler() http.Handler { return m.handler }

func (m *GatewayMetrics) SetBuildInfo(vi version.Info) {
	m.buildInfo.WithLabelValues(vi.AppName, vi.Version, vi.Commit, vi.GoVersion).Set(1)
}

func (m *GatewayMetrics) IncHTTPPanic() { m.httpPanicTotal.Inc() }

func (m *GatewayMetrics) IncFloodguardDenied() { m.floodguardDeniedTotal.Inc() }

func (m *GatewayMetrics) SetStorePingLatency(d time.Duration) {
	m.storePingSeconds.Set(d.Seconds())
	m.snap.storePingMicros.Store(d.Microseconds())
}

// Record implements telemetry.Sink.
func (m *GatewayMetrics) Record(e telemetry.Event) {
	switch e.Kind {
	case telemetry.KindBlockedRequest:
		m.blockedTotal.Inc()
		m.snap.blocked.Add(1)
	case telemetry.KindLargeRequest:
		m.oversizedTotal.Inc()
		m.snap.oversized.Add(1)
	case telemetry.KindInvalidContentType:
		m.badContentTypeTotal.Inc()
		m.snap.badContentType.Add(1)
	case telemetry.KindSuspiciousClient:
		m.suspiciousClientTotal.Inc()
		m.snap.suspiciousClients.Add(1)
	case telemetry.KindUnauthorizedOrigin:
		m.unauthorizedOriginTotal.Inc()
		m.snap.unauthorizedOrigins.Add(1)
	case telemetry.KindStoreDegraded:
		m.storeDegradedTotal.WithLabelValues(e.Detail).Inc()
		m.snap.storeDegraded.Add(1)
	}
}

func (m *GatewayMetrics) CurrentSnapshot() Snapshot {
	return Snapshot{
		BlockedRequests:     m.snap.blocked.Load(),
		LargeRequests:       m.snap.oversized.Load(),
		InvalidContentTypes: m.snap.badContentType.Load(),
		SuspiciousRequests:  m.snap.suspiciousClients.Load(),
		UnauthorizedOrigins: m.snap.unauthorizedOrigins.Load(),
		StoreDegraded:       m.snap.storeDegraded.Load(),
		StorePingLatency:    time.Duration(m.snap.storePingMicros.Load()) * time.Microsecond,
	}
}
