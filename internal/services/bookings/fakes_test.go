package bookings

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/FixDispatch/internal/broker/messages"
	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/BearBump/FixDispatch/internal/storage/pgbooking"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
)

// memStore keeps bookings, history, agents and retries in memory and applies
// every transition all-or-nothing, like the Postgres storage does.
type memStore struct {
	mu       sync.Mutex
	bookings map[string]*models.Booking
	history  map[string][]*models.StatusHistoryEntry
	agents   map[string]*models.Agent
	retries  map[string]models.DispatchRetry

	// conflicts makes the next N ApplyTransition calls lose the version race.
	conflicts int
	// staleFleet is returned once by ListAvailableAgents instead of the live view.
	staleFleet []*models.Agent
	listCalls  int
}

func newMemStore(agents ...*models.Agent) *memStore {
	st := &memStore{
		bookings: map[string]*models.Booking{},
		history:  map[string][]*models.StatusHistoryEntry{},
		agents:   map[string]*models.Agent{},
		retries:  map[string]models.DispatchRetry{},
	}
	for _, a := range agents {
		cp := *a
		st.agents[a.ID] = &cp
	}
	return st
}

func (m *memStore) CreateBooking(ctx context.Context, b *models.Booking, entry *models.StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return errors.New("duplicate booking")
	}
	if !b.NumberFallback {
		for _, other := range m.bookings {
			if !other.NumberFallback && other.Number == b.Number {
				return errors.Wrapf(models.ErrDuplicateNumber, "number %s", b.Number)
			}
		}
	}
	m.bookings[b.ID] = b.Clone()
	e := *entry
	m.history[b.ID] = append(m.history[b.ID], &e)
	return nil
}

func (m *memStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "booking %s", id)
	}
	return b.Clone(), nil
}

func (m *memStore) ListStatusHistory(ctx context.Context, bookingID string) ([]*models.StatusHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.StatusHistoryEntry, 0, len(m.history[bookingID]))
	for _, e := range m.history[bookingID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ApplyTransition(ctx context.Context, upd pgbooking.TransitionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return errors.Wrap(models.ErrConcurrentModification, "injected")
	}
	cur, ok := m.bookings[upd.Booking.ID]
	if !ok || cur.Version != upd.ExpectedVersion {
		return errors.Wrapf(models.ErrConcurrentModification, "booking %s", upd.Booking.ID)
	}
	if upd.AssignAgentID != nil {
		a, ok := m.agents[*upd.AssignAgentID]
		if !ok || a.AvailabilityStatus != models.AgentAvailable {
			return errors.Wrapf(models.ErrConcurrentModification, "agent %s", *upd.AssignAgentID)
		}
		a.AvailabilityStatus = models.AgentBusy
		id := upd.Booking.ID
		a.ActiveBookingID = &id
	}
	if upd.ReleaseAgentID != nil {
		if a, ok := m.agents[*upd.ReleaseAgentID]; ok && a.ActiveBookingID != nil && *a.ActiveBookingID == upd.Booking.ID {
			a.AvailabilityStatus = models.AgentAvailable
			a.ActiveBookingID = nil
		}
	}
	if upd.ClearRetry {
		delete(m.retries, upd.Booking.ID)
	}
	m.bookings[upd.Booking.ID] = upd.Booking.Clone()
	e := *upd.Entry
	m.history[upd.Booking.ID] = append(m.history[upd.Booking.ID], &e)
	return nil
}

func (m *memStore) ScheduleRetry(ctx context.Context, bookingID string, attempt int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[bookingID] = models.DispatchRetry{BookingID: bookingID, Attempt: attempt, NextAttemptAt: at}
	return nil
}

func (m *memStore) DeleteRetry(ctx context.Context, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, bookingID)
	return nil
}

func (m *memStore) ListAvailableAgents(ctx context.Context, skill models.Skill) ([]*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.staleFleet != nil {
		out := m.staleFleet
		m.staleFleet = nil
		return out, nil
	}
	var out []*models.Agent
	for _, a := range m.agents {
		if a.AvailabilityStatus == models.AgentAvailable && a.HasSkill(skill) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) agent(id string) models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.agents[id]
}

func (m *memStore) setAvailable(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id].AvailabilityStatus = models.AgentAvailable
	m.agents[id].ActiveBookingID = nil
}

func (m *memStore) retry(id string) (models.DispatchRetry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retries[id]
	return r, ok
}

func (m *memStore) lastEntry(id string) *models.StatusHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[id]
	return h[len(h)-1]
}

type notifierMock struct {
	mock.Mock
}

func (n *notifierMock) Notify(ctx context.Context, ev messages.BookingEvent) error {
	return n.Called(ev).Error(0)
}

func (n *notifierMock) events() []string {
	var out []string
	for _, c := range n.Calls {
		out = append(out, c.Arguments.Get(0).(messages.BookingEvent).Event)
	}
	return out
}

type counter struct {
	n       atomic.Int64
	err     error
	floor   int64
	resyncs int
}

func (c *counter) IncrementSequence(ctx context.Context) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	return c.n.Add(1), nil
}

func (c *counter) Resync(ctx context.Context) error {
	c.resyncs++
	if c.n.Load() < c.floor {
		c.n.Store(c.floor)
	}
	return nil
}
