package bookings_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/FixDispatch/internal/lifecycle"
	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/BearBump/FixDispatch/internal/services/bookings"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type serviceMock struct {
	mock.Mock
}

func (m *serviceMock) CreateBooking(ctx context.Context, in models.BookingCreateInput) (*models.Booking, error) {
	args := m.Called(in)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *serviceMock) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	args := m.Called(id)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *serviceMock) ListHistory(ctx context.Context, id string) ([]*models.StatusHistoryEntry, error) {
	args := m.Called(id)
	h, _ := args.Get(0).([]*models.StatusHistoryEntry)
	return h, args.Error(1)
}

func (m *serviceMock) CancelBooking(ctx context.Context, id, reason string) (*models.Booking, error) {
	args := m.Called(id, reason)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *serviceMock) StartBooking(ctx context.Context, id, note string) (*models.Booking, error) {
	args := m.Called(id, note)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *serviceMock) CompleteBooking(ctx context.Context, id, note string) (*models.Booking, error) {
	args := m.Called(id, note)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *serviceMock) RescheduleBooking(ctx context.Context, id string, newTime time.Time, reason string) (*models.Booking, error) {
	args := m.Called(id, newTime, reason)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func newServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	New(svc).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestCreateBooking(t *testing.T) {
	svc := &serviceMock{}
	srv := newServer(t, svc)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.On("CreateBooking", mock.MatchedBy(func(in models.BookingCreateInput) bool {
		return in.CustomerID == "c-1" && in.Priority == models.PriorityUrgent &&
			in.RequiredSkill == models.SkillPlumbing && in.Location != nil && in.ScheduledAt.Equal(at)
	})).Return(&models.Booking{ID: "b-1", Number: "NMS000001", Status: models.BookingStatusPending}, nil).Once()

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/bookings/",
		`{"customerId":"c-1","priority":"urgent","requiredSkill":"plumbing","location":{"lat":8.17,"lng":77.43},"scheduledAt":"2026-05-01T09:00:00Z"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "NMS000001", body["number"])
	require.Equal(t, "pending", body["status"])
	svc.AssertExpectations(t)
}

func TestCreateBooking_Validation(t *testing.T) {
	svc := &serviceMock{}
	srv := newServer(t, svc)

	for _, body := range []string{
		`{"priority":"urgent","requiredSkill":"plumbing"}`,
		`{"customerId":"c","priority":"asap","requiredSkill":"plumbing"}`,
		`{"customerId":"c","requiredSkill":"carpentry"}`,
		`{"customerId":"c","requiredSkill":"plumbing","extra":1}`,
		`not json`,
	} {
		resp, out := do(t, http.MethodPost, srv.URL+"/v1/bookings/", body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		require.NotEmpty(t, out["error"])
	}
	svc.AssertNotCalled(t, "CreateBooking", mock.Anything)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errors.Wrap(models.ErrNotFound, "booking x"), http.StatusNotFound},
		{&lifecycle.InvalidTransitionError{From: models.BookingStatusCancelled, To: models.BookingStatusCancelled}, http.StatusConflict},
		{fmt.Errorf("%w: %w", bookings.ErrTransient, models.ErrConcurrentModification), http.StatusServiceUnavailable},
		{errors.New("db exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &serviceMock{}
		srv := newServer(t, svc)
		svc.On("CancelBooking", "b-1", "changed plans").Return(nil, tc.err).Once()

		resp, out := do(t, http.MethodPost, srv.URL+"/v1/bookings/b-1/cancel", `{"reason":"changed plans"}`)
		require.Equal(t, tc.code, resp.StatusCode, tc.err.Error())
		if tc.code == http.StatusInternalServerError {
			require.Equal(t, "internal error", out["error"])
		}
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	svc := &serviceMock{}
	srv := newServer(t, svc)

	agent := "agent-1"
	svc.On("GetBooking", "b-1").Return(&models.Booking{ID: "b-1", Status: models.BookingStatusConfirmed, AssignedAgentID: &agent}, nil).Once()
	svc.On("StartBooking", "b-1", "").Return(&models.Booking{ID: "b-1", Status: models.BookingStatusInProgress}, nil).Once()
	svc.On("CompleteBooking", "b-1", "fixed").Return(&models.Booking{ID: "b-1", Status: models.BookingStatusCompleted}, nil).Once()
	svc.On("ListHistory", "b-1").Return([]*models.StatusHistoryEntry{{ID: "h1", BookingID: "b-1", Status: models.BookingStatusPending}}, nil).Once()

	resp, out := do(t, http.MethodGet, srv.URL+"/v1/bookings/b-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "agent-1", out["assignedAgentId"])

	resp, out = do(t, http.MethodPost, srv.URL+"/v1/bookings/b-1/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "in-progress", out["status"])

	resp, out = do(t, http.MethodPost, srv.URL+"/v1/bookings/b-1/complete", `{"note":"fixed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", out["status"])

	resp, out = do(t, http.MethodGet, srv.URL+"/v1/bookings/b-1/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out["entries"], 1)

	svc.AssertExpectations(t)
}

func TestRescheduleBooking(t *testing.T) {
	svc := &serviceMock{}
	srv := newServer(t, svc)

	at := time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC)
	svc.On("RescheduleBooking", "b-1", mock.MatchedBy(func(ts time.Time) bool { return ts.Equal(at) }), "away").
		Return(nil, &lifecycle.CannotRescheduleError{Status: models.BookingStatusConfirmed}).Once()

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/bookings/b-1/reschedule", `{"scheduledAt":"2026-06-02T12:00:00Z","reason":"away"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/bookings/b-1/reschedule", `{"reason":"no time"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	svc.AssertExpectations(t)
}
