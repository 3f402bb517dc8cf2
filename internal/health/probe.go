package health

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/quiltfin/gateway/internal/xerrors"
)

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := xerrors.New(reason)
	return func(context.Context) error { return err }
}

// All runs every probe and joins the failures, so a readiness response
// during a store outage that coincides with a drain reports both reasons.
// Nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// ShutdownGate flips readiness off for the drain phase. The zero value is
// open; Set closes it with a reason, Clear reopens it.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

func (g *ShutdownGate) Set(reason string) { g.reason.Store(&reason) }

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		r := g.reason.Load()
		if r == nil {
			return nil
		}
		if *r == "" {
			return xerrors.New("draining")
		}
		return xerrors.New(*r)
	}
}
