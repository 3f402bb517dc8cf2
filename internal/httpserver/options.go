package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quiltfin/gateway/internal/health"
	"github.com/quiltfin/gateway/internal/httpmw"
	"github.com/quiltfin/gateway/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	AdmissionMW  func(http.Handler) http.Handler
	FloodguardMW func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64 // hard cap on body reads; 0 disables
	Health       health.Probe
	Readiness    health.Probe
	APIRoutes    func(chi.Router) // business routes mounted behind the admission pipeline
}
