package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/FixDispatch/config"
	"github.com/BearBump/FixDispatch/internal/broker/messages"
	"github.com/BearBump/FixDispatch/internal/cache/rediscache"
	"github.com/BearBump/FixDispatch/internal/services/redispatch"
	"github.com/BearBump/FixDispatch/internal/wiring"
)

// пауза перед пересозданием consumer после ошибки
var consumerBackoff = 2 * time.Second

type workerFactories struct {
	// newBackend returns the retry queue and the coordinator that serves it.
	newBackend     func(ctx context.Context, cfg *config.Config, s wiring.Settings) (repo redispatch.Repository, d redispatch.Dispatcher, closeFn func(), err error)
	newRateLimiter func(cfg *config.Config) redispatch.RateLimiter
	newConsumer    func(cfg *config.Config, s wiring.Settings) (wiring.EventConsumer, error)
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newBackend: func(ctx context.Context, cfg *config.Config, s wiring.Settings) (redispatch.Repository, redispatch.Dispatcher, func(), error) {
			st, err := wiring.OpenStorage(cfg, 60*time.Second)
			if err != nil {
				return nil, nil, nil, err
			}
			counter, closeCounter, err := wiring.NewCounter(ctx, s, cfg, st)
			if err != nil {
				st.Close()
				return nil, nil, nil, err
			}
			notifier, closeNotifier, err := wiring.NewNotifier(s, cfg)
			if err != nil {
				closeCounter()
				st.Close()
				return nil, nil, nil, err
			}
			rc := rediscache.New(cfg.Redis.Addr())
			svc := wiring.NewBookingService(s, st, counter, notifier, rc)
			closeFn := func() {
				_ = rc.Close()
				closeNotifier()
				closeCounter()
				st.Close()
			}
			return st, svc, closeFn, nil
		},
		newRateLimiter: func(cfg *config.Config) redispatch.RateLimiter {
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
		newConsumer: func(cfg *config.Config, s wiring.Settings) (wiring.EventConsumer, error) {
			return wiring.NewEventConsumer(s, cfg)
		},
	}
}

func RunDispatchWorker(ctx context.Context, cfg *config.Config, swaggerPath string, f workerFactories) error {
	s := wiring.SettingsFrom(cfg)

	repo, dispatcher, closeFn, err := f.newBackend(ctx, cfg, s)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	w := redispatch.New(repo, dispatcher, f.newRateLimiter(cfg)).
		WithSettings(s.PollInterval, s.BatchSize, s.Concurrency, s.Lease, s.RateLimitPerMinute)

	if f.newConsumer != nil {
		go consumeBookingEvents(ctx, func() (wiring.EventConsumer, error) { return f.newConsumer(cfg, s) }, w, s)
	}

	if swaggerPath != "" {
		go func() {
			if err := runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    s.WorkerHTTPAddr,
				swaggerPath: swaggerPath,
				worker:      w,
				settings:    &s,
			}); err != nil && ctx.Err() == nil {
				slog.Error("worker http server", "error", err.Error())
			}
		}()
	} else {
		slog.Warn("swaggerPath is empty, worker ops http server disabled")
	}

	return w.Run(ctx)
}

// consumeBookingEvents feeds agent releases into the worker until ctx is done.
// После ошибки consumer закрывается и создаётся заново: kafka reader не
// перематывает незакоммиченное сообщение, новый читает с последнего коммита.
func consumeBookingEvents(ctx context.Context, open func() (wiring.EventConsumer, error), w *redispatch.Worker, s wiring.Settings) {
	slog.Info("booking event consumer started", "notifier", s.Notifier, "topic", s.Topic, "group", s.ConsumerGroup)
	for ctx.Err() == nil {
		c, err := open()
		if err != nil {
			slog.Error("open booking event consumer", "notifier", s.Notifier, "error", err.Error())
		} else {
			err = c.ConsumeEvents(ctx, func(ctx context.Context, ev messages.BookingEvent) error {
				return w.HandleBookingEvent(ctx, ev)
			})
			_ = c.Close()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Error("consume booking events", "error", err.Error())
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(consumerBackoff):
		}
	}
}
