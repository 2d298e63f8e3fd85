package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisCache keeps JSON snapshots of bookings under booking:<id>.
type RedisCache struct {
	c *redis.Client
}

func New(addr string) *RedisCache {
	return &RedisCache{
		c: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

func BookingKey(id string) string {
	return "booking:" + id
}

// GetBooking returns (nil, false, nil) on a miss. A snapshot that no longer
// decodes counts as a miss.
func (r *RedisCache) GetBooking(ctx context.Context, id string) (*models.Booking, bool, error) {
	raw, ok, err := r.Get(ctx, BookingKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var b models.Booking
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false, nil
	}
	return &b, true, nil
}

func (r *RedisCache) SetBooking(ctx context.Context, b *models.Booking, ttl time.Duration) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "marshal booking")
	}
	return r.Set(ctx, BookingKey(b.ID), raw, ttl)
}

func (r *RedisCache) DelBooking(ctx context.Context, id string) error {
	return r.Del(ctx, BookingKey(id))
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	if err := r.c.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.c.Close()
}
