package main

import (
	"context"
	"time"

	"github.com/BearBump/FixDispatch/config"
	"github.com/BearBump/FixDispatch/internal/cache/rediscache"
	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/BearBump/FixDispatch/internal/services/bookings"
	"github.com/BearBump/FixDispatch/internal/services/sequence"
	"github.com/BearBump/FixDispatch/internal/storage/pgbooking"
	"github.com/BearBump/FixDispatch/internal/wiring"
)

// backend is what the ctl commands need from storage and the coordinator.
type backend interface {
	UpsertAgent(ctx context.Context, a *models.Agent) error
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	MarkAvailable(ctx context.Context, agentID string) error

	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListHistory(ctx context.Context, id string) ([]*models.StatusHistoryEntry, error)
	CancelBooking(ctx context.Context, id, reason string) (*models.Booking, error)

	NextNumber(ctx context.Context) sequence.Number
}

type backendFactory func(ctx context.Context, configPath string) (backend, func(), error)

type ctlBackend struct {
	*pgbooking.Storage
	svc *bookings.Service
	gen *sequence.Generator
}

func (b *ctlBackend) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return b.svc.GetBooking(ctx, id)
}

func (b *ctlBackend) ListHistory(ctx context.Context, id string) ([]*models.StatusHistoryEntry, error) {
	return b.svc.ListHistory(ctx, id)
}

func (b *ctlBackend) CancelBooking(ctx context.Context, id, reason string) (*models.Booking, error) {
	return b.svc.CancelBooking(ctx, id, reason)
}

func (b *ctlBackend) NextNumber(ctx context.Context) sequence.Number {
	return b.gen.Next(ctx)
}

func defaultBackendFactory(ctx context.Context, configPath string) (backend, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	s := wiring.SettingsFrom(cfg)

	st, err := wiring.OpenStorage(cfg, 10*time.Second)
	if err != nil {
		return nil, nil, err
	}
	counter, closeCounter, err := wiring.NewCounter(ctx, s, cfg, st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	notifier, closeNotifier, err := wiring.NewNotifier(s, cfg)
	if err != nil {
		closeCounter()
		st.Close()
		return nil, nil, err
	}

	// тот же кэш, что у api: после cancel из ctl api не отдаст старый снимок
	rc := rediscache.New(cfg.Redis.Addr())
	svc := wiring.NewBookingService(s, st, counter, notifier, rc)
	b := &ctlBackend{
		Storage: st,
		svc:     svc,
		gen:     sequence.New(counter, s.NumberPrefix, s.NumberWidth),
	}
	return b, func() {
		_ = rc.Close()
		closeNotifier()
		closeCounter()
		st.Close()
	}, nil
}
