package bookings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/FixDispatch/internal/broker/messages"
	"github.com/BearBump/FixDispatch/internal/cache"
	"github.com/BearBump/FixDispatch/internal/lifecycle"
	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/BearBump/FixDispatch/internal/services/dispatch"
	"github.com/BearBump/FixDispatch/internal/services/redispatch"
	"github.com/BearBump/FixDispatch/internal/services/sequence"
	"github.com/BearBump/FixDispatch/internal/storage/pgbooking"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrTransient is returned when a write kept losing to concurrent changes.
// Callers may retry the whole request.
var ErrTransient = errors.New("transient failure, retry later")

var errNotPending = errors.New("booking is no longer pending")

type Repository interface {
	CreateBooking(ctx context.Context, b *models.Booking, entry *models.StatusHistoryEntry) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListStatusHistory(ctx context.Context, bookingID string) ([]*models.StatusHistoryEntry, error)
	ApplyTransition(ctx context.Context, upd pgbooking.TransitionUpdate) error
	ScheduleRetry(ctx context.Context, bookingID string, attempt int, at time.Time) error
	DeleteRetry(ctx context.Context, bookingID string) error
}

// Fleet is the read side of the agent directory.
type Fleet interface {
	ListAvailableAgents(ctx context.Context, skill models.Skill) ([]*models.Agent, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev messages.BookingEvent) error
}

// Service координирует создание заявок и все переходы жизненного цикла.
// Единственное место, где в одной операции меняется больше одной сущности.
type Service struct {
	repo     Repository
	fleet    Fleet
	numbers  *sequence.Generator
	engine   *dispatch.Engine
	planner  *redispatch.Planner
	notifier Notifier

	cache    cache.BookingCache
	cacheTTL time.Duration

	now func() time.Time
}

func New(repo Repository, fleet Fleet, numbers *sequence.Generator, engine *dispatch.Engine, planner *redispatch.Planner) *Service {
	if engine == nil {
		engine = dispatch.New(dispatch.DefaultRatingWeight)
	}
	if planner == nil {
		planner = redispatch.DefaultPlanner()
	}
	return &Service{
		repo:    repo,
		fleet:   fleet,
		numbers: numbers,
		engine:  engine,
		planner: planner,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithCache(c cache.BookingCache, ttl time.Duration) *Service {
	s.cache = c
	s.cacheTTL = ttl
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateBooking stores a new pending booking and tries to dispatch it right
// away. Without a match the booking stays pending and a retry is queued.
func (s *Service) CreateBooking(ctx context.Context, in models.BookingCreateInput) (*models.Booking, error) {
	var b *models.Booking
	for attempt := 0; ; attempt++ {
		var entry *models.StatusHistoryEntry
		b, entry = s.newBooking(ctx, in)
		err := s.repo.CreateBooking(ctx, b, entry)
		if err == nil {
			break
		}
		if errors.Is(err, models.ErrDuplicateNumber) && attempt == 0 {
			// счётчик отстал от выданных номеров (например, Redis потерял данные)
			slog.Warn("booking number already taken, resyncing counter", "number", b.Number)
			if rerr := s.numbers.Resync(ctx); rerr != nil {
				slog.Error("resync booking counter", "error", rerr.Error())
			}
			continue
		}
		return nil, errors.Wrap(err, "create booking")
	}
	s.afterCommit(ctx, messages.EventBookingCreated, b, nil, nil)

	return s.dispatchNow(ctx, b)
}

func (s *Service) newBooking(ctx context.Context, in models.BookingCreateInput) (*models.Booking, *models.StatusHistoryEntry) {
	num := s.numbers.Next(ctx)
	return lifecycle.Init(&models.Booking{
		ID:             uuid.NewString(),
		Number:         num.Value,
		NumberFallback: num.Fallback,
		Priority:       in.Priority,
		RequiredSkill:  in.RequiredSkill,
		Location:       in.Location,
		CustomerID:     in.CustomerID,
		Address:        in.Address,
		Description:    in.Description,
		ScheduledAt:    in.ScheduledAt.UTC(),
	}, s.now())
}

// dispatchNow makes an immediate matching attempt for a freshly committed
// pending booking. Without a match a fresh retry budget is queued.
func (s *Service) dispatchNow(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	confirmed, err := s.mutate(ctx, b.ID, b, s.dispatchOp(ctx))
	if err == nil {
		s.afterCommit(ctx, messages.EventBookingConfirmed, confirmed, nil, nil)
		return confirmed, nil
	}
	if errors.Is(err, errNotPending) {
		// кто-то успел раньше нас, отдаём актуальное состояние
		return s.repo.GetBooking(ctx, b.ID)
	}
	if !errors.Is(err, dispatch.ErrNoAgentAvailable) {
		slog.Warn("immediate dispatch failed", "booking_id", b.ID, "error", err.Error())
	}
	s.scheduleNext(ctx, b, 0)
	return b, nil
}

// RetryDispatch makes one more matching attempt for a queued booking. It exits
// quietly and drops the queue entry when the booking is no longer pending.
func (s *Service) RetryDispatch(ctx context.Context, bookingID string, attempt int) error {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status != models.BookingStatusPending {
		return s.repo.DeleteRetry(ctx, bookingID)
	}

	confirmed, err := s.mutate(ctx, b.ID, b, s.dispatchOp(ctx))
	switch {
	case err == nil:
		s.afterCommit(ctx, messages.EventBookingConfirmed, confirmed, nil, nil)
		return nil
	case errors.Is(err, errNotPending):
		return s.repo.DeleteRetry(ctx, bookingID)
	case errors.Is(err, dispatch.ErrNoAgentAvailable), errors.Is(err, ErrTransient):
		s.scheduleNext(ctx, b, attempt)
		return nil
	default:
		return err
	}
}

func (s *Service) CancelBooking(ctx context.Context, id, reason string) (*models.Booking, error) {
	return s.finish(ctx, id, models.BookingStatusCancelled, reason, messages.EventBookingCancelled)
}

func (s *Service) CompleteBooking(ctx context.Context, id, note string) (*models.Booking, error) {
	return s.finish(ctx, id, models.BookingStatusCompleted, note, messages.EventBookingCompleted)
}

func (s *Service) StartBooking(ctx context.Context, id, note string) (*models.Booking, error) {
	next, err := s.mutate(ctx, id, nil, func(b *models.Booking) (*models.Booking, error) {
		n, entry, err := lifecycle.Transition(b, models.BookingStatusInProgress, note, s.now())
		if err != nil {
			return nil, err
		}
		if err := s.repo.ApplyTransition(ctx, pgbooking.TransitionUpdate{Booking: n, ExpectedVersion: b.Version, Entry: entry}); err != nil {
			return nil, err
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, messages.EventBookingStarted, next, nil, noteRef(note))
	return next, nil
}

func (s *Service) RescheduleBooking(ctx context.Context, id string, newTime time.Time, reason string) (*models.Booking, error) {
	next, err := s.mutate(ctx, id, nil, func(b *models.Booking) (*models.Booking, error) {
		n, entry, err := lifecycle.Reschedule(b, newTime.UTC(), reason, s.now())
		if err != nil {
			return nil, err
		}
		if err := s.repo.ApplyTransition(ctx, pgbooking.TransitionUpdate{Booking: n, ExpectedVersion: b.Version, Entry: entry}); err != nil {
			return nil, err
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, messages.EventBookingRescheduled, next, nil, noteRef(reason))

	// новое время = новая попытка назначения и новый бюджет повторов
	return s.dispatchNow(ctx, next)
}

// GetBooking reads through the cache. Cache faults fall back to storage.
func (s *Service) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	if s.cache != nil && s.cacheTTL > 0 {
		if b, ok, err := s.cache.GetBooking(ctx, id); err == nil && ok {
			return b, nil
		}
	}
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheBooking(ctx, b)
	return b, nil
}

func (s *Service) ListHistory(ctx context.Context, id string) ([]*models.StatusHistoryEntry, error) {
	entries, err := s.repo.ListStatusHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		// у существующей заявки всегда есть хотя бы запись о создании
		if _, err := s.repo.GetBooking(ctx, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// finish moves a booking into a terminal status, releasing its agent and
// dropping any queued retry in the same write.
func (s *Service) finish(ctx context.Context, id string, to models.BookingStatus, note, event string) (*models.Booking, error) {
	var released *string
	next, err := s.mutate(ctx, id, nil, func(b *models.Booking) (*models.Booking, error) {
		n, entry, err := lifecycle.Transition(b, to, note, s.now())
		if err != nil {
			return nil, err
		}
		upd := pgbooking.TransitionUpdate{
			Booking:         n,
			ExpectedVersion: b.Version,
			Entry:           entry,
			ReleaseAgentID:  b.AssignedAgentID,
			ClearRetry:      true,
		}
		if err := s.repo.ApplyTransition(ctx, upd); err != nil {
			return nil, err
		}
		released = b.AssignedAgentID
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, event, next, released, noteRef(note))
	return next, nil
}

// dispatchOp picks the best agent and confirms the booking together with the
// agent's busy mark.
func (s *Service) dispatchOp(ctx context.Context) func(*models.Booking) (*models.Booking, error) {
	return func(b *models.Booking) (*models.Booking, error) {
		if b.Status != models.BookingStatusPending {
			return nil, errNotPending
		}
		pool, err := s.candidatePool(ctx, b)
		if err != nil {
			return nil, err
		}
		agent, ok := s.engine.FindBestAgent(b, pool)
		if !ok {
			return nil, dispatch.ErrNoAgentAvailable
		}

		next, entry, err := lifecycle.Confirm(b, agent.ID, "auto-dispatch", s.now())
		if err != nil {
			return nil, err
		}
		agentID := agent.ID
		if err := s.repo.ApplyTransition(ctx, pgbooking.TransitionUpdate{
			Booking:         next,
			ExpectedVersion: b.Version,
			Entry:           entry,
			AssignAgentID:   &agentID,
			ClearRetry:      true,
		}); err != nil {
			return nil, err
		}
		return next, nil
	}
}

// candidatePool lists agents for the booking's skill. Emergency bookings also
// see everyone with the generic emergency skill.
func (s *Service) candidatePool(ctx context.Context, b *models.Booking) ([]*models.Agent, error) {
	pool, err := s.fleet.ListAvailableAgents(ctx, b.RequiredSkill)
	if err != nil {
		return nil, errors.Wrap(err, "list available agents")
	}
	if b.Priority != models.PriorityEmergency || b.RequiredSkill == models.SkillEmergency {
		return pool, nil
	}
	extra, err := s.fleet.ListAvailableAgents(ctx, models.SkillEmergency)
	if err != nil {
		return nil, errors.Wrap(err, "list emergency agents")
	}
	seen := make(map[string]struct{}, len(pool))
	for _, a := range pool {
		seen[a.ID] = struct{}{}
	}
	for _, a := range extra {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		pool = append(pool, a)
	}
	return pool, nil
}

// mutate applies op to the booking, reloading it and trying once more if the
// write lost to a concurrent change. b may be nil to load it first.
func (s *Service) mutate(ctx context.Context, id string, b *models.Booking, op func(*models.Booking) (*models.Booking, error)) (*models.Booking, error) {
	for attempt := 0; ; attempt++ {
		if b == nil {
			var err error
			if b, err = s.repo.GetBooking(ctx, id); err != nil {
				return nil, err
			}
		}
		next, err := op(b)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, models.ErrConcurrentModification) {
			return nil, err
		}
		if attempt >= 1 {
			return nil, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		b = nil
	}
}

// scheduleNext queues retry number done+1 or escalates when the budget is spent.
func (s *Service) scheduleNext(ctx context.Context, b *models.Booking, done int) {
	delay, ok := s.planner.Next(b.Priority, done)
	if !ok {
		if err := s.repo.DeleteRetry(ctx, b.ID); err != nil {
			slog.Error("drop exhausted retry", "booking_id", b.ID, "error", err.Error())
		}
		slog.Warn("dispatch retries exhausted, escalating", "booking_id", b.ID, "priority", b.Priority, "attempts", done)
		s.publish(ctx, messages.EventBookingEscalated, b, nil, noteRef(fmt.Sprintf("no agent after %d attempts", done)))
		return
	}
	if err := s.repo.ScheduleRetry(ctx, b.ID, done+1, s.now().Add(delay)); err != nil {
		slog.Error("schedule dispatch retry", "booking_id", b.ID, "error", err.Error())
	}
}

func (s *Service) afterCommit(ctx context.Context, event string, b *models.Booking, released, note *string) {
	s.cacheBooking(ctx, b)
	s.publish(ctx, event, b, released, note)
}

// publish runs after commit. Delivery failures are logged and never undo the change.
func (s *Service) publish(ctx context.Context, event string, b *models.Booking, released, note *string) {
	if s.notifier == nil {
		return
	}
	ev := messages.BookingEvent{
		EventID:         uuid.NewString(),
		Event:           event,
		BookingID:       b.ID,
		Number:          b.Number,
		Status:          string(b.Status),
		Priority:        string(b.Priority),
		RequiredSkill:   string(b.RequiredSkill),
		AssignedAgentID: b.AssignedAgentID,
		ReleasedAgentID: released,
		Note:            note,
		OccurredAt:      s.now(),
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		slog.Warn("publish booking event", "event", event, "booking_id", b.ID, "error", err.Error())
	}
}

func (s *Service) cacheBooking(ctx context.Context, b *models.Booking) {
	if s.cache == nil || s.cacheTTL <= 0 || b == nil {
		return
	}
	if err := s.cache.SetBooking(ctx, b, s.cacheTTL); err != nil {
		// устаревший снимок хуже промаха
		_ = s.cache.DelBooking(ctx, b.ID)
	}
}

func noteRef(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
