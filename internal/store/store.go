// Package store abstracts the shared sorted-set store the sliding-window
// limiter keeps its per-identifier records in. Two implementations exist:
// Redis for multi-replica deployments and Memory for tests and
// single-instance setups. Which one runs is decided by constructor
// injection at wiring time, never by runtime environment sniffing.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned for timeouts and connectivity failures. A
// partial batch result is reported the same way; callers never see
// half-applied state as success.
var ErrUnavailable = errors.New("rate limit store unavailable")

// Store is the capability contract for per-identifier request records.
// Implementations must be safe for concurrent use and must bound every
// operation with a timeout.
type Store interface {
	// Ping checks liveness and reports round-trip latency.
	Ping(ctx context.Context) (time.Duration, error)

	// PruneCountRefresh removes entries scored before windowStart, returns
	// the remaining cardinality, and refreshes the key's TTL. The three
	// operations are issued together in one round trip; they are batched,
	// not atomic.
	PruneCountRefresh(ctx context.Context, key string, windowStart time.Time, ttl time.Duration) (int64, error)

	// AddEntry records one request at the given arrival time and refreshes
	// the TTL. Members carry a random suffix so two requests in the same
	// millisecond never collide.
	AddEntry(ctx context.Context, key string, at time.Time, ttl time.Duration) error

	// Cardinality returns the number of entries under key.
	Cardinality(ctx context.Context, key string) (int64, error)

	// TTL returns the key's remaining lifetime. ok is false when the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// Delete removes the key, reporting whether it existed. Idempotent.
	Delete(ctx context.Context, key string) (bool, error)
}

// IsUnavailable reports whether err represents a store outage.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// unavailable folds any backend error into ErrUnavailable while keeping the
// cause inspectable via errors.Is/As.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrUnavailable, err)
}
