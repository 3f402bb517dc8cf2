package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quiltfin/gateway/internal/store"
	"github.com/quiltfin/gateway/internal/telemetry"
)

// downStore fails every operation, simulating an unreachable store.
type downStore struct{}

var errDown = errors.Join(store.ErrUnavailable, errors.New("connection refused"))

func (downStore) Ping(context.Context) (time.Duration, error) { return 0, errDown }
func (downStore) PruneCountRefresh(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errDown
}
func (downStore) AddEntry(context.Context, string, time.Time, time.Duration) error { return errDown }
func (downStore) Cardinality(context.Context, string) (int64, error)               { return 0, errDown }
func (downStore) TTL(context.Context, string) (time.Duration, bool, error)         { return 0, false, errDown }
func (downStore) Delete(context.Context, string) (bool, error)                     { return false, errDown }

func testClock() (func() time.Time, func(time.Duration)) {
	cur := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return cur }, func(d time.Duration) { cur = cur.Add(d) }
}

func newTestLimiter(opts ...Option) (*Limiter, func(time.Duration)) {
	now, advance := testClock()
	mem := store.NewMemory(store.WithClock(now))
	opts = append([]Option{WithClock(now)}, opts...)
	return New(mem, opts...), advance
}

var cfg = Config{Window: time.Minute, MaxRequests: 5}

func TestCheck_SequentialWindow(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	wantRemaining := []int{4, 3, 2, 1, 0}
	for i, want := range wantRemaining {
		dec := l.Check(ctx, "user-1", cfg)
		if !dec.Allowed {
			t.Fatalf("call %d denied", i+1)
		}
		if dec.Remaining != want {
			t.Fatalf("call %d remaining = %d, want %d", i+1, dec.Remaining, want)
		}
	}

	dec := l.Check(ctx, "user-1", cfg)
	if dec.Allowed {
		t.Fatal("sixth call allowed")
	}
	if dec.Remaining != 0 {
		t.Errorf("denied remaining = %d", dec.Remaining)
	}
	if dec.RetryAfter != 60*time.Second {
		t.Errorf("RetryAfter = %v, want 60s", dec.RetryAfter)
	}
}

func TestCheck_IdentifiersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, "user-1", cfg)
	}
	if dec := l.Check(ctx, "user-1", cfg); dec.Allowed {
		t.Fatal("user-1 not exhausted")
	}
	if dec := l.Check(ctx, "user-2", cfg); !dec.Allowed || dec.Remaining != 4 {
		t.Fatalf("user-2 decision = %+v, want fresh window", dec)
	}
}

func TestCheck_WindowSlides(t *testing.T) {
	l, advance := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, "user-1", cfg)
	}
	if dec := l.Check(ctx, "user-1", cfg); dec.Allowed {
		t.Fatal("window not exhausted")
	}

	advance(cfg.Window + time.Second)
	dec := l.Check(ctx, "user-1", cfg)
	if !dec.Allowed || dec.Remaining != 4 {
		t.Fatalf("decision after window lapse = %+v", dec)
	}
}

func TestInfo_NilAfterExpiry(t *testing.T) {
	l, advance := newTestLimiter()
	ctx := context.Background()

	l.Check(ctx, "user-1", cfg)
	info, err := l.Info(ctx, "user-1")
	if err != nil || info == nil || info.Count != 1 {
		t.Fatalf("Info = %+v, %v", info, err)
	}

	advance(cfg.Window + time.Second)
	info, err = l.Info(ctx, "user-1")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info != nil && info.Count != 0 {
		t.Fatalf("Info after expiry = %+v, want nil or count 0", info)
	}
}

func TestClear_ResetsWindow(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, "user-1", cfg)
	}
	if !l.Clear(ctx, "user-1") {
		t.Fatal("Clear on existing record returned false")
	}
	if l.Clear(ctx, "user-1") {
		t.Fatal("Clear is not idempotent")
	}

	dec := l.Check(ctx, "user-1", cfg)
	if !dec.Allowed || dec.Remaining != cfg.MaxRequests-1 {
		t.Fatalf("decision after Clear = %+v, want fresh window", dec)
	}
}

func TestCheck_FailClosed(t *testing.T) {
	l := New(downStore{}, WithSecureMode(true))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec := l.Check(ctx, "user-1", cfg)
		if dec.Allowed {
			t.Fatal("fail-closed allowed a request with the store down")
		}
		if dec.Remaining != 0 {
			t.Errorf("Remaining = %d, want 0", dec.Remaining)
		}
		if dec.RetryAfter != 60*time.Second {
			t.Errorf("RetryAfter = %v, want 60s", dec.RetryAfter)
		}
	}
}

func TestCheck_FailOpen(t *testing.T) {
	l := New(downStore{}, WithSecureMode(false))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec := l.Check(ctx, "user-1", cfg)
		if !dec.Allowed {
			t.Fatal("fail-open denied a request with the store down")
		}
		if dec.Remaining != cfg.MaxRequests {
			t.Errorf("Remaining = %d, want %d", dec.Remaining, cfg.MaxRequests)
		}
	}
}

func TestCheck_DegradedEmitsTelemetry(t *testing.T) {
	var got []telemetry.Event
	hub := telemetry.NewHub(telemetry.SinkFunc(func(e telemetry.Event) {
		got = append(got, e)
	}), nil, 8)
	l := New(downStore{}, WithSecureMode(true), WithTelemetry(hub))

	l.Check(context.Background(), "user-1", cfg)

	// drain synchronously: Run returns once cancelled and emptied
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Run(ctx)

	if len(got) != 1 {
		t.Fatalf("degraded events = %d, want 1", len(got))
	}
	if got[0].Kind != telemetry.KindStoreDegraded || got[0].Detail != "fail-closed" {
		t.Fatalf("event = %+v", got[0])
	}
}

func TestHealthy(t *testing.T) {
	l, _ := newTestLimiter()
	if _, ok := l.Healthy(context.Background()); !ok {
		t.Fatal("memory-backed limiter reported unhealthy")
	}

	down := New(downStore{})
	if _, ok := down.Healthy(context.Background()); ok {
		t.Fatal("down store reported healthy")
	}
}
