package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quiltfin/gateway/internal/metrics"
)

// StorePinger reports round-trip latency to the rate-limit store.
// *ratelimit.Limiter satisfies it.
type StorePinger interface {
	Healthy(ctx context.Context) (time.Duration, bool)
}

type storeStatus struct {
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latencyMs"`
}

type statusBody struct {
	Store   storeStatus      `json:"store"`
	Metrics metrics.Snapshot `json:"metrics"`
}

// StatusHandler serves a JSON snapshot of store health and the gateway's
// admission counters.
func StatusHandler(pinger StorePinger, snap func() metrics.Snapshot) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body statusBody
		if pinger != nil {
			d, ok := pinger.Healthy(r.Context())
			body.Store = storeStatus{
				Healthy:   ok,
				LatencyMS: float64(d.Microseconds()) / 1000.0,
			}
		}
		if snap != nil {
			body.Metrics = snap()
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if body.Store.Healthy || pinger == nil {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	})
}
