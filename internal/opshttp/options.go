package opshttp

import (
	"net/http"

	"github.com/quiltfin/gateway/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	Status      http.Handler // JSON gateway status: store latency plus counter snapshot
}
