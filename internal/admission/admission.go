// Package admission is the gateway's front door. Every inbound request is
// inspected by the security gate, matched against the ordered route-prefix
// policy table, and checked against the sliding-window limiter before any
// business handler runs.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/quiltfin/gateway/internal/httpmw"
	"github.com/quiltfin/gateway/internal/log"
	"github.com/quiltfin/gateway/internal/ratelimit"
	"github.com/quiltfin/gateway/internal/secgate"
	"github.com/quiltfin/gateway/internal/telemetry"
	"github.com/quiltfin/gateway/internal/xerrors"
)

// RoutePolicy binds a path prefix to a rate-limit configuration. Policies
// are evaluated in declaration order and the first matching prefix wins,
// so more specific prefixes must be listed before broader ones.
type RoutePolicy struct {
	Prefix string
	Limit  ratelimit.Config
}

// Pipeline orders the admission decisions for one request. Construct with
// New; the zero value is not usable.
type Pipeline struct {
	gate     *secgate.Gate
	limiter  *ratelimit.Limiter
	policies []RoutePolicy
	emitter  secgate.Emitter
	logger   log.Logger
	onPanic  func()
}

type Option func(*Pipeline)

// WithOnPanic installs a hook fired after a recovered limiter panic is
// logged, typically to bump a counter.
func WithOnPanic(f func()) Option {
	return func(p *Pipeline) { p.onPanic = f }
}

// WithEmitter wires blocked-request events into the telemetry hub.
func WithEmitter(em secgate.Emitter) Option {
	return func(p *Pipeline) { p.emitter = em }
}

func New(gate *secgate.Gate, limiter *ratelimit.Limiter, policies []RoutePolicy, logger log.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	p := &Pipeline{
		gate:     gate,
		limiter:  limiter,
		policies: policies,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Middleware runs the full admission sequence in front of next: gate
// verdict, then the rate-limit check for matched routes. OPTIONS and HEAD
// never consume rate-limit quota.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier := p.identify(r)

		verdict := p.gate.Inspect(r, identifier)
		if verdict.Terminal {
			applyHeaders(w.Header(), verdict.Header)
			w.WriteHeader(verdict.Status)
			if len(verdict.Body) > 0 {
				w.Write(verdict.Body)
			}
			return
		}

		if r.Method == http.MethodOptions || r.Method == http.MethodHead {
			applyHeaders(w.Header(), verdict.Header)
			next.ServeHTTP(w, r)
			return
		}

		policy, matched := p.match(r.URL.Path)
		if !matched {
			applyHeaders(w.Header(), verdict.Header)
			next.ServeHTTP(w, r)
			return
		}

		decision, err := p.check(r.Context(), identifier, policy.Limit)
		if err != nil {
			p.logger.Error(r.Context(), err, "admission check failed",
				"identifier", identifier,
				"path", r.URL.Path,
			)
			if p.onPanic != nil {
				p.onPanic()
			}
			writeJSON(w, verdict, http.StatusInternalServerError, `{"success":false,"error":"rate limiting unavailable"}`)
			return
		}

		if !decision.Allowed {
			p.emit(telemetry.KindBlockedRequest, identifier, policy.Prefix)
			limitHeaders(w.Header(), policy.Limit, decision)
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			msg := policy.Limit.Message
			if msg == "" {
				msg = "Too many requests"
			}
			body := fmt.Sprintf(`{"success":false,"error":%q,"retryAfter":%d}`,
				msg, int(decision.RetryAfter.Seconds()))
			writeJSON(w, verdict, http.StatusTooManyRequests, body)
			return
		}

		applyHeaders(w.Header(), verdict.Header)
		limitHeaders(w.Header(), policy.Limit, decision)
		next.ServeHTTP(w, r)
	})
}

// check runs the limiter inside a panic boundary. The limiter is the one
// admission stage touching a remote store, so a bug there must degrade to
// a 500 for the single request rather than take the worker down.
func (p *Pipeline) check(ctx context.Context, identifier string, cfg ratelimit.Config) (d ratelimit.Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = xerrors.WithStack(e)
				return
			}
			err = xerrors.Newf("limiter panic: %v", rec)
		}
	}()
	return p.limiter.Check(ctx, identifier, cfg), nil
}

// identify resolves the rate-limit identifier: the resolved client IP,
// else the raw forwarded-for header, else a shared anonymous bucket.
func (p *Pipeline) identify(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	return "anonymous"
}

// match returns the first policy whose prefix matches path.
func (p *Pipeline) match(path string) (RoutePolicy, bool) {
	for _, pol := range p.policies {
		if strings.HasPrefix(path, pol.Prefix) {
			return pol, true
		}
	}
	return RoutePolicy{}, false
}

func (p *Pipeline) emit(kind telemetry.Kind, identifier, detail string) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(telemetry.Event{Kind: kind, Identifier: identifier, Detail: detail})
}

func applyHeaders(dst, src http.Header) {
	for name, vals := range src {
		dst[name] = append(dst[name][:0], vals...)
	}
}

// writeJSON emits an error response carrying only the security-critical
// subset of the gate's headers, so a 429 or 500 never duplicates the full
// pass-through baseline already written for the verdict.
func writeJSON(w http.ResponseWriter, verdict secgate.Verdict, status int, body string) {
	for name, vals := range verdict.SecurityHeaders() {
		if len(vals) > 0 {
			w.Header().Set(name, vals[0])
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func limitHeaders(h http.Header, cfg ratelimit.Config, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
}
