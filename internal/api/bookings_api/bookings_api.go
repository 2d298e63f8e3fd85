package bookings_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/FixDispatch/internal/lifecycle"
	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/BearBump/FixDispatch/internal/services/bookings"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Service interface {
	CreateBooking(ctx context.Context, in models.BookingCreateInput) (*models.Booking, error)
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListHistory(ctx context.Context, id string) ([]*models.StatusHistoryEntry, error)
	CancelBooking(ctx context.Context, id, reason string) (*models.Booking, error)
	StartBooking(ctx context.Context, id, note string) (*models.Booking, error)
	CompleteBooking(ctx context.Context, id, note string) (*models.Booking, error)
	RescheduleBooking(ctx context.Context, id string, newTime time.Time, reason string) (*models.Booking, error)
}

var errBadRequest = errors.New("bad request")

type BookingsAPI struct {
	svc Service
}

func New(svc Service) *BookingsAPI {
	return &BookingsAPI{svc: svc}
}

// Routes mounts the booking endpoints under /v1.
func (a *BookingsAPI) Routes(r chi.Router) {
	r.Route("/v1/bookings", func(r chi.Router) {
		r.Post("/", a.createBooking)
		r.Get("/{id}", a.getBooking)
		r.Get("/{id}/history", a.listHistory)
		r.Post("/{id}/cancel", a.cancelBooking)
		r.Post("/{id}/start", a.startBooking)
		r.Post("/{id}/complete", a.completeBooking)
		r.Post("/{id}/reschedule", a.rescheduleBooking)
	})
}

type createBookingRequest struct {
	CustomerID    string           `json:"customerId"`
	Priority      models.Priority  `json:"priority"`
	RequiredSkill models.Skill     `json:"requiredSkill"`
	Location      *models.Location `json:"location,omitempty"`
	Address       string           `json:"address,omitempty"`
	Description   string           `json:"description,omitempty"`
	ScheduledAt   *time.Time       `json:"scheduledAt,omitempty"`
}

type noteRequest struct {
	Reason string `json:"reason,omitempty"`
	Note   string `json:"note,omitempty"`
}

func (n noteRequest) text() string {
	if n.Reason != "" {
		return n.Reason
	}
	return n.Note
}

type rescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduledAt"`
	Reason      string    `json:"reason,omitempty"`
}

type historyResponse struct {
	Entries []*models.StatusHistoryEntry `json:"entries"`
}

func (a *BookingsAPI) createBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := a.svc.CreateBooking(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *BookingsAPI) getBooking(w http.ResponseWriter, r *http.Request) {
	b, err := a.svc.GetBooking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *BookingsAPI) listHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := a.svc.ListHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Entries: entries})
}

func (a *BookingsAPI) cancelBooking(w http.ResponseWriter, r *http.Request) {
	a.withNote(w, r, a.svc.CancelBooking)
}

func (a *BookingsAPI) startBooking(w http.ResponseWriter, r *http.Request) {
	a.withNote(w, r, a.svc.StartBooking)
}

func (a *BookingsAPI) completeBooking(w http.ResponseWriter, r *http.Request) {
	a.withNote(w, r, a.svc.CompleteBooking)
}

func (a *BookingsAPI) withNote(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, note string) (*models.Booking, error)) {
	var req noteRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	b, err := op(r.Context(), chi.URLParam(r, "id"), req.text())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *BookingsAPI) rescheduleBooking(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ScheduledAt.IsZero() {
		writeError(w, errors.Wrap(errBadRequest, "scheduledAt is required"))
		return
	}
	b, err := a.svc.RescheduleBooking(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (req createBookingRequest) toInput() (models.BookingCreateInput, error) {
	if req.CustomerID == "" {
		return models.BookingCreateInput{}, errors.Wrap(errBadRequest, "customerId is required")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	switch req.Priority {
	case models.PriorityNormal, models.PriorityUrgent, models.PriorityEmergency:
	default:
		return models.BookingCreateInput{}, errors.Wrapf(errBadRequest, "unknown priority %q", req.Priority)
	}
	switch req.RequiredSkill {
	case models.SkillElectrical, models.SkillPlumbing, models.SkillEmergency:
	default:
		return models.BookingCreateInput{}, errors.Wrapf(errBadRequest, "unknown requiredSkill %q", req.RequiredSkill)
	}
	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}
	return models.BookingCreateInput{
		CustomerID:    req.CustomerID,
		Priority:      req.Priority,
		RequiredSkill: req.RequiredSkill,
		Location:      req.Location,
		Address:       req.Address,
		Description:   req.Description,
		ScheduledAt:   scheduledAt,
	}, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrCannotReschedule):
		return http.StatusConflict
	case errors.Is(err, bookings.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("bookings api", "error", msg)
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
