package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Martin-Hayot/auction-engine/internal/clock"
	"github.com/redis/go-redis/v9"
)

// Redis shares window counters between every server process.
type Redis struct {
	client redis.Cmdable
	clock  clock.Clock
}

func NewRedis(client redis.Cmdable, clk clock.Clock) *Redis {
	return &Redis{client: client, clock: clk}
}

// CheckAndConsume increments the current window counter and refreshes its expiry in one
// MULTI/EXEC round trip.
func (r *Redis) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	k, reset, err := bucket(key, r.clock.Now(), window)
	if err != nil {
		return Result{}, err
	}

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	return result(incr.Val(), limit, reset), nil
}
