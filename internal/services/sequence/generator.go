package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPrefix = "NMS"
	DefaultWidth  = 6

	fallbackDigits = 1_000_000
)

var ErrSequenceUnavailable = errors.New("sequence unavailable")

// Counter is an atomic increment-and-read over the persisted sequence.
type Counter interface {
	IncrementSequence(ctx context.Context) (int64, error)
}

// resyncer is implemented by counters that can fall behind the stored
// bookings (the Redis counter after a data loss).
type resyncer interface {
	Resync(ctx context.Context) error
}

type Number struct {
	Value    string
	Fallback bool
}

type Generator struct {
	counter Counter
	prefix  string
	width   int
	now     func() time.Time
}

func New(counter Counter, prefix string, width int) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if width <= 0 {
		width = DefaultWidth
	}
	return &Generator{counter: counter, prefix: prefix, width: width, now: time.Now}
}

func (g *Generator) WithClock(now func() time.Time) *Generator {
	if now != nil {
		g.now = now
	}
	return g
}

// Next never fails. When the counter is unreachable it returns a number built
// from the last six digits of the current epoch millis and marks it Fallback.
// Two fallbacks within the same millisecond collide; the reconciliation job
// renumbers fallback bookings later.
func (g *Generator) Next(ctx context.Context) Number {
	if g.counter != nil {
		n, err := g.counter.IncrementSequence(ctx)
		if err == nil {
			return Number{Value: g.Format(n)}
		}
		slog.Warn("booking number fallback", "error", fmt.Errorf("%w: %v", ErrSequenceUnavailable, err).Error())
	}
	ms := g.now().UnixMilli() % fallbackDigits
	return Number{Value: fmt.Sprintf("%s%06d", g.prefix, ms), Fallback: true}
}

// Resync lifts the counter above every number already handed out. No-op for
// counters that cannot drift.
func (g *Generator) Resync(ctx context.Context) error {
	r, ok := g.counter.(resyncer)
	if !ok {
		return nil
	}
	return r.Resync(ctx)
}

func (g *Generator) Format(n int64) string {
	return fmt.Sprintf("%s%0*d", g.prefix, g.width, n)
}
