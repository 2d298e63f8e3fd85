package redispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/FixDispatch/internal/broker/messages"
	"github.com/BearBump/FixDispatch/internal/models"
)

type Repository interface {
	ClaimDueRetries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.DispatchRetry, error)
	ExpediteRetries(ctx context.Context, skill models.Skill, now time.Time) (int64, error)
	AgentSkills(ctx context.Context, agentID string) ([]models.Skill, error)
}

// Dispatcher повторяет поиск агента для одной заявки.
type Dispatcher interface {
	RetryDispatch(ctx context.Context, bookingID string, attempt int) error
}

type RateLimiter interface {
	AllowDispatch(ctx context.Context, skill models.Skill, limit int64, now time.Time) (bool, int64, error)
}

type Worker struct {
	repo       Repository
	dispatcher Dispatcher
	rl         RateLimiter

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	totalThrottled      atomic.Int64
	totalExpedited      atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, dispatcher Dispatcher, rl RateLimiter) *Worker {
	return &Worker{
		repo: repo, dispatcher: dispatcher, rl: rl,
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              60 * time.Second,
		rateLimitPerMinute: 600,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Worker {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (w *Worker) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	TotalThrottled int64      `json:"totalThrottled"`
	TotalExpedited int64      `json:"totalExpedited"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		TotalThrottled: w.totalThrottled.Load(),
		TotalExpedited: w.totalExpedited.Load(),
		InFlight:       w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	items, err := w.repo.ClaimDueRetries(ctx, now, w.batchSize, w.lease)
	if err != nil {
		slog.Error("claim due retries", "error", err.Error())
		w.setLastError(err)
		return
	}
	w.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, r := range items {
		sem <- struct{}{}
		wg.Add(1)
		w.inFlight.Add(1)
		go func(r *models.DispatchRetry) {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.processOne(ctx, r); err != nil {
				w.totalErrors.Add(1)
				w.setLastError(err)
				slog.Error("retry dispatch", "booking_id", r.BookingID, "attempt", r.Attempt, "error", err.Error())
			}
			w.totalProcessed.Add(1)
		}(r)
	}
	wg.Wait()
}

func (w *Worker) processOne(ctx context.Context, r *models.DispatchRetry) error {
	if w.rl != nil && w.rateLimitPerMinute > 0 {
		allowed, n, err := w.rl.AllowDispatch(ctx, r.RequiredSkill, w.rateLimitPerMinute, time.Now().UTC())
		if err != nil {
			return err
		}
		if !allowed {
			// Запись остаётся под lease и вернётся в следующем окне.
			w.totalThrottled.Add(1)
			slog.Warn("dispatch rate limit exceeded", "skill", r.RequiredSkill, "count", n)
			return nil
		}
	}
	return w.dispatcher.RetryDispatch(ctx, r.BookingID, r.Attempt)
}

// HandleBookingEvent reacts to booking events. When a change returned an agent
// to the pool, retries waiting for any of that agent's skills become due now
// and a cycle is triggered.
func (w *Worker) HandleBookingEvent(ctx context.Context, ev messages.BookingEvent) error {
	switch ev.Event {
	case messages.EventBookingCancelled, messages.EventBookingCompleted:
	default:
		return nil
	}
	if !ev.ReleasesAgent() {
		return nil
	}
	agentID := *ev.ReleasedAgentID

	skills := []models.Skill{models.Skill(ev.RequiredSkill)}
	agentSkills, err := w.repo.AgentSkills(ctx, agentID)
	switch {
	case err == nil:
		skills = append(skills, agentSkills...)
	case errors.Is(err, models.ErrNotFound):
		// агента уже убрали из справочника, хватит навыка заявки
	default:
		return err
	}

	now := time.Now().UTC()
	seen := make(map[models.Skill]struct{}, len(skills))
	var total int64
	for _, sk := range skills {
		if sk == "" {
			continue
		}
		if _, ok := seen[sk]; ok {
			continue
		}
		seen[sk] = struct{}{}
		n, err := w.repo.ExpediteRetries(ctx, sk, now)
		if err != nil {
			return err
		}
		total += n
	}
	if total > 0 {
		w.totalExpedited.Add(total)
		slog.Info("agent released, retries expedited", "agent_id", agentID, "skills", len(seen), "count", total)
		w.Trigger()
	}
	return nil
}

func (w *Worker) setLastError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}
