// Package floodguard is an in-process, per-IP token bucket that runs in
// front of the distributed sliding-window limiter.
//
// What it protects against: a single IP flooding this one replica and
// exhausting connections, goroutines, or round trips to the shared store.
// What it does not protect against: distributed floods across many IPs,
// or anything requiring cross-replica state — that is the shared
// limiter's job. Defense in depth, nothing more.
package floodguard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quiltfin/gateway/internal/httpmw"
)

// visitor tracks one IP's bucket and last activity.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial hook already fired;
	// resets when the entry is evicted and re-created
	logged bool
}

type Guard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	// OnFirstDenied fires once per visitor on their first denial,
	// used for single-log-entry-per-offender logging.
	OnFirstDenied func(ip string)

	// OnDenied fires on every denial, used for counters.
	OnDenied func(ip string)
}

type Option func(*Guard)

// WithRate sets the refill rate and bucket capacity.
func WithRate(perSecond float64, burst int) Option {
	return func(g *Guard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before eviction.
func WithTTL(d time.Duration) Option {
	return func(g *Guard) { g.ttl = d }
}

func WithOnFirstDenied(fn func(ip string)) Option {
	return func(g *Guard) { g.OnFirstDenied = fn }
}

func WithOnDenied(fn func(ip string)) Option {
	return func(g *Guard) { g.OnDenied = fn }
}

// New creates a Guard and starts the background eviction goroutine, which
// stops when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Guard {
	g := &Guard{
		visitors:  make(map[string]*visitor),
		perSecond: 25,
		burst:     50,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(g)
	}
	go g.evictLoop(ctx)
	return g
}

func (g *Guard) allow(ip string) bool {
	g.mu.Lock()
	v, exists := g.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(g.perSecond, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		// release before hooks; they may do slow work
		g.mu.Unlock()
		if g.OnFirstDenied != nil {
			g.OnFirstDenied(ip)
		}
		if g.OnDenied != nil {
			g.OnDenied(ip)
		}
		return false
	}
	g.mu.Unlock()

	if !allowed && g.OnDenied != nil {
		g.OnDenied(ip)
	}
	return allowed
}

func (g *Guard) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-IP budget with 429. OPTIONS and
// HEAD pass through, matching the admission pipeline's exemptions.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		ip := httpmw.ClientIPFromContext(r.Context())
		if ip == "" {
			ip = r.RemoteAddr
		}

		if !g.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// no limit detail on purpose; this is a local abuse guard,
			// not the policy limiter
			w.Write([]byte(`{"success":false,"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
