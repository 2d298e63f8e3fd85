package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// dispatchWindow is a bit longer than the minute bucket so a late INCR still expires.
const dispatchWindow = 70 * time.Second

// RateLimiter ограничивает число попыток назначения в минуту на каждый навык.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// DispatchKey is the per-skill counter for the minute that contains now.
func DispatchKey(skill models.Skill, now time.Time) string {
	return fmt.Sprintf("rl:dispatch:%s:%s", skill, now.UTC().Format("200601021504"))
}

// AllowDispatch counts one dispatch attempt for skill in the current minute.
// Returns (allowed, attempts so far in this minute).
func (rl *RateLimiter) AllowDispatch(ctx context.Context, skill models.Skill, limit int64, now time.Time) (bool, int64, error) {
	key := DispatchKey(skill, now)
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, dispatchWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
