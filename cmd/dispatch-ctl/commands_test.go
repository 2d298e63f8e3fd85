package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/BearBump/FixDispatch/internal/lifecycle"
	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/BearBump/FixDispatch/internal/services/sequence"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	agents    map[string]*models.Agent
	released  []string
	booking   *models.Booking
	cancelled []string
	number    sequence.Number
}

func (f *fakeBackend) UpsertAgent(ctx context.Context, a *models.Agent) error {
	f.agents[a.ID] = a
	return nil
}

func (f *fakeBackend) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	out := make([]*models.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeBackend) MarkAvailable(ctx context.Context, agentID string) error {
	a, ok := f.agents[agentID]
	if !ok {
		return models.ErrNotFound
	}
	if a.ActiveBookingID != nil {
		return fmt.Errorf("agent %s is on booking %s: %w", agentID, *a.ActiveBookingID, models.ErrAgentAssigned)
	}
	f.released = append(f.released, agentID)
	return nil
}

func (f *fakeBackend) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	if f.booking == nil || f.booking.ID != id {
		return nil, models.ErrNotFound
	}
	return f.booking, nil
}

func (f *fakeBackend) ListHistory(ctx context.Context, id string) ([]*models.StatusHistoryEntry, error) {
	return []*models.StatusHistoryEntry{{ID: "h-1", BookingID: id, Status: models.BookingStatusPending}}, nil
}

func (f *fakeBackend) CancelBooking(ctx context.Context, id, reason string) (*models.Booking, error) {
	if f.booking.Status == models.BookingStatusCancelled {
		return nil, &lifecycle.InvalidTransitionError{From: f.booking.Status, To: models.BookingStatusCancelled}
	}
	f.cancelled = append(f.cancelled, reason)
	f.booking.Status = models.BookingStatusCancelled
	return f.booking, nil
}

func (f *fakeBackend) NextNumber(ctx context.Context) sequence.Number {
	return f.number
}

func run(t *testing.T, f *fakeBackend, args ...string) (string, error) {
	t.Helper()
	closed := false
	root := newRootCmd(func(ctx context.Context, configPath string) (backend, func(), error) {
		require.Equal(t, "cfg.yaml", configPath)
		return f, func() { closed = true }, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", "cfg.yaml"}, args...))
	err := root.Execute()
	if err == nil {
		require.True(t, closed, "backend must be closed")
	}
	return out.String(), err
}

func newFake() *fakeBackend {
	return &fakeBackend{agents: map[string]*models.Agent{}}
}

func TestAgentsAddListRelease(t *testing.T) {
	f := newFake()

	out, err := run(t, f, "agents", "add", "a-1", "--name", "Ravi", "--skills", "electrical,emergency", "--lat", "8.17", "--lng", "77.43", "--rating", "4.6")
	require.NoError(t, err)
	require.Contains(t, out, `"id": "a-1"`)

	a := f.agents["a-1"]
	require.Equal(t, []models.Skill{models.SkillElectrical, models.SkillEmergency}, a.Skills)
	require.Equal(t, models.AgentAvailable, a.AvailabilityStatus)
	require.NotNil(t, a.CurrentLocation)
	require.InDelta(t, 4.6, a.Rating, 1e-9)

	out, err = run(t, f, "agents", "list")
	require.NoError(t, err)
	var listed []models.Agent
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)

	out, err = run(t, f, "agents", "release", "a-1")
	require.NoError(t, err)
	require.Contains(t, out, "agent a-1: available")
	require.Equal(t, []string{"a-1"}, f.released)
}

func TestAgentsRelease_RefusesAssignedAgent(t *testing.T) {
	f := newFake()
	bookingID := "b-9"
	f.agents["a-1"] = &models.Agent{ID: "a-1", AvailabilityStatus: models.AgentBusy, ActiveBookingID: &bookingID}

	_, err := run(t, f, "agents", "release", "a-1")
	require.ErrorIs(t, err, models.ErrAgentAssigned)
	require.ErrorContains(t, err, "b-9")
	require.ErrorContains(t, err, "bookings cancel")
	require.Empty(t, f.released)
}

func TestAgentsAdd_Validation(t *testing.T) {
	f := newFake()
	_, err := run(t, f, "agents", "add", "a-1", "--skills", "carpentry")
	require.Error(t, err)
	_, err = run(t, f, "agents", "add", "a-1", "--skills", "plumbing", "--rating", "7")
	require.Error(t, err)
	_, err = run(t, f, "agents", "add", "a-1", "--skills", "plumbing", "--status", "asleep")
	require.Error(t, err)
	require.Empty(t, f.agents)

	_, err = run(t, f, "agents", "add", "a-2", "--skills", "plumbing", "--no-location")
	require.NoError(t, err)
	require.Nil(t, f.agents["a-2"].CurrentLocation)
}

func TestBookingsCommands(t *testing.T) {
	f := newFake()
	f.booking = &models.Booking{ID: "b-1", Number: "NMS000042", Status: models.BookingStatusPending}

	out, err := run(t, f, "bookings", "show", "b-1")
	require.NoError(t, err)
	require.Contains(t, out, "NMS000042")

	_, err = run(t, f, "bookings", "show", "missing")
	require.ErrorIs(t, err, models.ErrNotFound)

	out, err = run(t, f, "bookings", "history", "b-1")
	require.NoError(t, err)
	require.Contains(t, out, `"status": "pending"`)

	_, err = run(t, f, "bookings", "cancel", "b-1", "--reason", "duplicate")
	require.NoError(t, err)
	require.Equal(t, []string{"duplicate"}, f.cancelled)

	_, err = run(t, f, "bookings", "cancel", "b-1")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestSequenceNext(t *testing.T) {
	f := newFake()
	f.number = sequence.Number{Value: "NMS000007"}
	out, err := run(t, f, "sequence", "next")
	require.NoError(t, err)
	require.Equal(t, "NMS000007\n", out)

	f.number = sequence.Number{Value: "NMS123456", Fallback: true}
	out, err = run(t, f, "sequence", "next")
	require.NoError(t, err)
	require.Contains(t, out, "(fallback)")
}

func TestSchemaInit(t *testing.T) {
	out, err := run(t, newFake(), "schema", "init")
	require.NoError(t, err)
	require.Contains(t, out, "schema: ok")
}

func TestMissingConfig(t *testing.T) {
	t.Setenv("configPath", "")
	root := newRootCmd(func(ctx context.Context, configPath string) (backend, func(), error) {
		t.Fatal("backend must not be opened without config")
		return nil, nil, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"schema", "init"})
	require.Error(t, root.Execute())
}
