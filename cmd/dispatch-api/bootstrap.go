package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/FixDispatch/config"
	"github.com/BearBump/FixDispatch/internal/cache/rediscache"
	"github.com/BearBump/FixDispatch/internal/wiring"
)

type dispatchAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    dispatchAPIOpts
	svc     bookingService
	closers []func()
}

func mustBootstrapDispatchAPI() *dispatchAPIApp {
	config.LoadDotEnv()

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	s := wiring.SettingsFrom(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app := &dispatchAPIApp{ctx: ctx, cancel: cancel}

	st, err := wiring.OpenStorage(cfg, 60*time.Second)
	if err != nil {
		app.Close()
		panic(err)
	}
	app.closers = append(app.closers, st.Close)

	counter, closeCounter, err := wiring.NewCounter(ctx, s, cfg, st)
	if err != nil {
		app.Close()
		panic(err)
	}
	app.closers = append(app.closers, closeCounter)

	notifier, closeNotifier, err := wiring.NewNotifier(s, cfg)
	if err != nil {
		app.Close()
		panic(err)
	}
	app.closers = append(app.closers, closeNotifier)

	rc := rediscache.New(cfg.Redis.Addr())
	app.closers = append(app.closers, func() { _ = rc.Close() })

	app.svc = wiring.NewBookingService(s, st, counter, notifier, rc)
	app.opts = dispatchAPIOpts{
		httpAddr:    s.HTTPAddr,
		swaggerPath: swaggerPath,
		ready:       st.Ping,
	}
	return app
}

func (a *dispatchAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *dispatchAPIApp) Run() error {
	return runDispatchAPI(a.ctx, a.opts, a.svc)
}
