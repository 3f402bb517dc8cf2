package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/quiltfin/gateway/internal/admission"
	"github.com/quiltfin/gateway/internal/cfg"
	"github.com/quiltfin/gateway/internal/floodguard"
	"github.com/quiltfin/gateway/internal/health"
	"github.com/quiltfin/gateway/internal/httpserver"
	"github.com/quiltfin/gateway/internal/log"
	"github.com/quiltfin/gateway/internal/metrics"
	"github.com/quiltfin/gateway/internal/opshttp"
	"github.com/quiltfin/gateway/internal/otelx"
	"github.com/quiltfin/gateway/internal/prof"
	"github.com/quiltfin/gateway/internal/ratelimit"
	"github.com/quiltfin/gateway/internal/secgate"
	"github.com/quiltfin/gateway/internal/store"
	"github.com/quiltfin/gateway/internal/telemetry"
	v "github.com/quiltfin/gateway/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (commit=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix QUILT_ and validate
	cfg.FillFromEnv(flag.CommandLine, "QUILT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config; a bad deploy never serves traffic
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	policy, err := cfg.LoadPolicy(conf.PolicyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "policy error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         v.Version,
		Level:           lvl,
		StacktraceLevel: &stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "gateway")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing gateway",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"production", conf.Production,
		"policy_file", conf.PolicyFile,
		"redis_addr", conf.RedisAddr,
		"secure_mode", policy.SecureMode,
		"route_policies", len(policy.RouteRateLimits),
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "gateway",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	traceEnv := "development"
	if conf.Production {
		traceEnv = "production"
	}
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Service:     v.AppName,
		Version:     vi.Version,
		Environment: traceEnv,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Metrics registry plus the telemetry hub that feeds it
	m := metrics.New()
	m.SetBuildInfo(vi)

	hub := telemetry.NewHub(m, L.With("component", "telemetry"), 1024)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	// Shared rate-limit store
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	})
	defer rdb.Close()
	st := store.NewRedis(rdb)

	limiter := ratelimit.New(st,
		ratelimit.WithSecureMode(policy.SecureMode),
		ratelimit.WithTelemetry(hub),
	)

	// Security gate from the compiled policy
	gatePolicy, err := secgate.NewPolicy(secgate.Config{
		AllowedOrigins:      policy.AllowedOrigins,
		ExternalCSPDomains:  policy.ExternalCSPDomains,
		AllowedContentTypes: policy.AllowedContentTypes,
		MaxBodyBytes:        policy.MaxBodyBytes,
		Production:          conf.Production,
	}, L)
	if err != nil {
		L.Error(ctx, err, "invalid security policy")
		os.Exit(1)
	}
	gate := secgate.New(gatePolicy, hub, L)

	routePolicies := make([]admission.RoutePolicy, 0, len(policy.RouteRateLimits))
	for _, rl := range policy.RouteRateLimits {
		routePolicies = append(routePolicies, admission.RoutePolicy{
			Prefix: rl.Prefix,
			Limit: ratelimit.Config{
				Window:      rl.Window(),
				MaxRequests: rl.MaxRequests,
				Message:     rl.Message,
			},
		})
	}
	pipeline := admission.New(gate, limiter, routePolicies, L,
		admission.WithEmitter(hub),
		admission.WithOnPanic(m.IncHTTPPanic),
	)

	// Local per-IP flood guard in front of the distributed limiter
	guard := floodguard.New(ctx,
		floodguard.WithOnDenied(func(ip string) {
			m.IncFloodguardDenied()
		}),
		floodguard.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood guard triggered", "ip", ip)
		}),
	)

	// setup toggle for server shutdown
	var gateOff health.ShutdownGate

	// readiness: shutdown gate plus store reachability. Unreachable store
	// only fails readiness when the policy is fail-closed; fail-open
	// deployments keep serving without it.
	readiness := health.All(
		gateOff.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			d, ok := limiter.Healthy(ctx)
			m.SetStorePingLatency(d)
			if !ok && policy.SecureMode {
				return fmt.Errorf("rate limit store unreachable")
			}
			return nil
		}),
	)

	// start public http listener
	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHTTPPanic,
		MetricsMW:    m.Middleware,
		AdmissionMW:  pipeline.Middleware,
		FloodguardMW: guard.Middleware,
		MaxBodyBytes: gatePolicy.MaxBodyBytes(),
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    apiRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = httpStop(context.Background()) }()

	// start admin/ops listener for metrics, health checks, status and pprof
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Status:      opshttp.StatusHandler(limiter, m.CurrentSnapshot),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so load balancers stop sending new requests
	gateOff.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(15 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := httpStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	// stop the hub last so late events from in-flight requests still land
	hubCancel()
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
	}
	if n := hub.Dropped(); n > 0 {
		L.Warn(context.Background(), "telemetry events dropped during run", "count", n)
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// apiRoutes mounts the upstream application surface. The gateway is meant
// to sit in front of the finance API; until that service is attached these
// routes answer with a minimal liveness payload so deployments can verify
// the admission path end to end.
func apiRoutes(r chi.Router) {
	r.Get("/api/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"success":true,"service":%q,"version":%q}`, "quilt-gateway", v.Get().Version)
	})
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
