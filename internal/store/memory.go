package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store with the same semantics as Redis: scored
// entries, lazy pruning, per-key TTL. State is local to the process, so it
// does not enforce a global limit across replicas; use it for tests and
// single-instance deployments.
type Memory struct {
	mu   sync.Mutex
	recs map[string]*memRecord
	now  func() time.Time
}

type memRecord struct {
	scores    []int64 // arrival times, unix millis, ascending
	expiresAt time.Time
}

type MemoryOption func(*Memory)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		recs: make(map[string]*memRecord),
		now:  time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Ping(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	return 0, nil
}

// live returns the record for key, dropping it first if its TTL lapsed.
// Caller must hold mu.
func (m *Memory) live(key string) *memRecord {
	rec, ok := m.recs[key]
	if !ok {
		return nil
	}
	if m.now().After(rec.expiresAt) {
		delete(m.recs, key)
		return nil
	}
	return rec
}

func (m *Memory) PruneCountRefresh(ctx context.Context, key string, windowStart time.Time, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.live(key)
	if rec == nil {
		return 0, nil
	}

	cutoff := windowStart.UnixMilli()
	keep := rec.scores[:0]
	for _, s := range rec.scores {
		if s >= cutoff {
			keep = append(keep, s)
		}
	}
	rec.scores = keep
	rec.expiresAt = m.now().Add(ttl)
	return int64(len(rec.scores)), nil
}

func (m *Memory) AddEntry(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.live(key)
	if rec == nil {
		rec = &memRecord{}
		m.recs[key] = rec
	}
	rec.scores = append(rec.scores, at.UnixMilli())
	rec.expiresAt = m.now().Add(ttl)
	return nil
}

func (m *Memory) Cardinality(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.live(key)
	if rec == nil {
		return 0, nil
	}
	return int64(len(rec.scores)), nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.live(key)
	if rec == nil {
		return 0, false, nil
	}
	return rec.expiresAt.Sub(m.now()), true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live(key) == nil {
		return false, nil
	}
	delete(m.recs, key)
	return true, nil
}
