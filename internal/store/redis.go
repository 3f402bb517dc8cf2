package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps records in sorted sets, one per identifier, scored by arrival
// time in milliseconds. The prune+count+refresh trio runs as a single
// pipelined round trip.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

type RedisOption func(*Redis)

// WithTimeout bounds every store operation. Defaults to 2s.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.timeout = d }
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		timeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return 0, unavailable(err)
	}
	return time.Since(start), nil
}

func (r *Redis) PruneCountRefresh(ctx context.Context, key string, windowStart time.Time, ttl time.Duration) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	maxScore := "(" + strconv.FormatInt(windowStart.UnixMilli(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", maxScore)
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}
	return card.Val(), nil
}

func (r *Redis) AddEntry(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	member := strconv.FormatInt(at.UnixMilli(), 10) + "-" + randomSuffix()

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	})
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Cardinality(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, unavailable(err)
	}
	// PTTL reports -2 for a missing key and -1 for no expiry
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to the wall clock; collision odds within one
		// millisecond are negligible
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
