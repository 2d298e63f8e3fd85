package rediscache

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultSequenceKey = "booking:sequence"

// Sequence is a booking number counter on top of INCR, which is atomic on the server.
type Sequence struct {
	c   *redis.Client
	key string

	// floor reads the highest number already handed out elsewhere.
	floor func(ctx context.Context) (int64, error)
}

func NewSequence(addr, key string) *Sequence {
	if key == "" {
		key = DefaultSequenceKey
	}
	return &Sequence{
		c:   redis.NewClient(&redis.Options{Addr: addr}),
		key: key,
	}
}

func (s *Sequence) IncrementSequence(ctx context.Context) (int64, error) {
	n, err := s.c.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis incr sequence")
	}
	return n, nil
}

// SeedAtLeast raises the counter to floor if it is lower, e.g. when switching
// over from the Postgres counter. Never lowers it.
func (s *Sequence) SeedAtLeast(ctx context.Context, floor int64) error {
	err := seedScript.Run(ctx, s.c, []string{s.key}, floor).Err()
	if err != nil && err != redis.Nil {
		return errors.Wrap(err, "redis seed sequence")
	}
	return nil
}

// WithFloor sets where Resync reads the lower bound from.
func (s *Sequence) WithFloor(floor func(ctx context.Context) (int64, error)) *Sequence {
	s.floor = floor
	return s
}

// Resync raises the counter to the floor. Called when a counter-issued number
// turns out to be taken, e.g. after Redis lost its data.
func (s *Sequence) Resync(ctx context.Context) error {
	if s.floor == nil {
		return nil
	}
	n, err := s.floor(ctx)
	if err != nil {
		return errors.Wrap(err, "read sequence floor")
	}
	return s.SeedAtLeast(ctx, n)
}

func (s *Sequence) Close() error {
	return s.c.Close()
}

var seedScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call("SET", KEYS[1], floor)
  return floor
end
return cur
`)
