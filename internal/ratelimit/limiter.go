// Package ratelimit implements a distributed sliding-window rate limiter on
// top of a shared store, with an explicit degrade policy for store outages.
//
// The window is approximate by design: the check reads the current count
// and inserts the new entry in two steps, so two concurrent requests from
// the same identifier can both observe count < max and both insert. That
// brief one-request overshoot is accepted; serializing access per
// identifier would turn a hot caller into a bottleneck.
package ratelimit

import (
	"context"
	"time"

	"github.com/quiltfin/gateway/internal/store"
	"github.com/quiltfin/gateway/internal/telemetry"
)

const keyPrefix = "rate_limit:"

// Config is one route prefix's policy. Immutable after startup.
type Config struct {
	Window      time.Duration
	MaxRequests int
	Message     string
}

// Decision is the outcome of a single check. Computed fresh per call,
// never persisted.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration // meaningful only when denied
}

// RecordInfo describes the current window state for an identifier.
type RecordInfo struct {
	Count     int64
	ResetTime time.Time
}

type Limiter struct {
	store  store.Store
	secure bool
	hub    *telemetry.Hub
	now    func() time.Time
}

type Option func(*Limiter)

// WithSecureMode selects the degrade policy when the store is down:
// true fails closed (deny), false fails open (allow).
func WithSecureMode(secure bool) Option {
	return func(l *Limiter) { l.secure = secure }
}

// WithTelemetry wires degraded-mode events into the telemetry hub.
func WithTelemetry(hub *telemetry.Hub) Option {
	return func(l *Limiter) { l.hub = hub }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(s store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: s,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check decides whether one more request from identifier fits under cfg.
// Store failures never escape: they resolve into a decision through the
// fail-open/fail-closed policy.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) Decision {
	now := l.now()
	key := keyPrefix + identifier
	windowStart := now.Add(-cfg.Window)
	ttl := ceilSeconds(cfg.Window)

	count, err := l.store.PruneCountRefresh(ctx, key, windowStart, ttl)
	if err != nil {
		return l.degraded(identifier, cfg)
	}

	if count >= int64(cfg.MaxRequests) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  now.Add(cfg.Window),
			RetryAfter: ttl,
		}
	}

	// count < max here and under concurrency another worker may insert
	// before we do; see the package comment for why this is left alone
	if err := l.store.AddEntry(ctx, key, now, ttl); err != nil {
		return l.degraded(identifier, cfg)
	}

	return Decision{
		Allowed:   true,
		Remaining: cfg.MaxRequests - int(count) - 1,
		ResetTime: now.Add(cfg.Window),
	}
}

// degraded resolves a store outage into a decision per the configured
// policy and emits a degraded-mode event, fire and forget.
func (l *Limiter) degraded(identifier string, cfg Config) Decision {
	mode := "fail-open"
	if l.secure {
		mode = "fail-closed"
	}
	if l.hub != nil {
		l.hub.Emit(telemetry.Event{
			Kind:       telemetry.KindStoreDegraded,
			Identifier: identifier,
			Detail:     mode,
		})
	}

	now := l.now()
	if l.secure {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  now.Add(cfg.Window),
			RetryAfter: ceilSeconds(cfg.Window),
		}
	}
	return Decision{
		Allowed:   true,
		Remaining: cfg.MaxRequests,
		ResetTime: now.Add(cfg.Window),
	}
}

// Info returns the identifier's current window state, or nil when no
// record exists or it has fully expired.
func (l *Limiter) Info(ctx context.Context, identifier string) (*RecordInfo, error) {
	key := keyPrefix + identifier

	ttl, ok, err := l.store.TTL(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	count, err := l.store.Cardinality(ctx, key)
	if err != nil {
		return nil, err
	}
	return &RecordInfo{
		Count:     count,
		ResetTime: l.now().Add(ttl),
	}, nil
}

// Clear removes the identifier's record. Idempotent; used for resets and
// tests.
func (l *Limiter) Clear(ctx context.Context, identifier string) bool {
	existed, err := l.store.Delete(ctx, keyPrefix+identifier)
	if err != nil {
		return false
	}
	return existed
}

// Healthy pings the store and reports round-trip latency.
func (l *Limiter) Healthy(ctx context.Context) (time.Duration, bool) {
	lat, err := l.store.Ping(ctx)
	if err != nil {
		return 0, false
	}
	return lat, true
}

// ceilSeconds rounds d up to whole seconds, matching the TTL and
// Retry-After granularity of the store.
func ceilSeconds(d time.Duration) time.Duration {
	s := d / time.Second
	if d%time.Second != 0 {
		s++
	}
	return s * time.Second
}
