// Package lifecycle holds the booking state machine. Functions here never
// mutate their input; they return the next booking state together with the
// history entry that has to be persisted in the same transaction.
package lifecycle

import (
	"time"

	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/google/uuid"
)

var transitions = map[models.BookingStatus][]models.BookingStatus{
	models.BookingStatusPending:    {models.BookingStatusConfirmed, models.BookingStatusCancelled},
	models.BookingStatusConfirmed:  {models.BookingStatusInProgress, models.BookingStatusCancelled},
	models.BookingStatusInProgress: {models.BookingStatusCompleted},
	models.BookingStatusCompleted:  {},
	models.BookingStatusCancelled:  {},
}

func IsValidStatus(s models.BookingStatus) bool {
	_, ok := transitions[s]
	return ok
}

func CanTransition(from, to models.BookingStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s models.BookingStatus) bool {
	return len(transitions[s]) == 0
}

// Permissions derives the flags from status alone; they are never set independently.
func Permissions(s models.BookingStatus) (canCancel, canReschedule bool) {
	canCancel = s == models.BookingStatusPending || s == models.BookingStatusConfirmed
	canReschedule = s == models.BookingStatusPending
	return canCancel, canReschedule
}

// Init puts a freshly built booking into pending and returns its first history entry.
func Init(b *models.Booking, now time.Time) (*models.Booking, *models.StatusHistoryEntry) {
	next := b.Clone()
	next.Status = models.BookingStatusPending
	next.CanCancel, next.CanReschedule = Permissions(next.Status)
	next.AssignedAgentID = nil
	next.Version = 1
	next.CreatedAt = now
	next.UpdatedAt = now
	return next, newEntry(next.ID, next.Status, nil, "", now)
}

// Transition moves the booking to status to. On error the input booking is left as is.
func Transition(b *models.Booking, to models.BookingStatus, note string, now time.Time) (*models.Booking, *models.StatusHistoryEntry, error) {
	if !CanTransition(b.Status, to) {
		return nil, nil, &InvalidTransitionError{From: b.Status, To: to}
	}

	prev := b.Status
	next := b.Clone()
	next.Status = to
	next.CanCancel, next.CanReschedule = Permissions(to)
	if to == models.BookingStatusCancelled || to == models.BookingStatusCompleted {
		next.AssignedAgentID = nil
	}
	next.Version = b.Version + 1
	next.UpdatedAt = now

	return next, newEntry(next.ID, to, &prev, note, now), nil
}

// Confirm is Transition(confirmed) plus the agent assignment.
func Confirm(b *models.Booking, agentID string, note string, now time.Time) (*models.Booking, *models.StatusHistoryEntry, error) {
	next, entry, err := Transition(b, models.BookingStatusConfirmed, note, now)
	if err != nil {
		return nil, nil, err
	}
	next.AssignedAgentID = &agentID
	return next, entry, nil
}

// Reschedule changes the scheduled time of a pending booking. Status stays
// pending; a pending->pending history entry carries the reason.
func Reschedule(b *models.Booking, newTime time.Time, reason string, now time.Time) (*models.Booking, *models.StatusHistoryEntry, error) {
	if _, ok := Permissions(b.Status); !ok {
		return nil, nil, &CannotRescheduleError{Status: b.Status}
	}

	prev := b.Status
	next := b.Clone()
	next.ScheduledAt = newTime
	next.Version = b.Version + 1
	next.UpdatedAt = now

	return next, newEntry(next.ID, next.Status, &prev, reason, now), nil
}

func newEntry(bookingID string, status models.BookingStatus, prev *models.BookingStatus, note string, now time.Time) *models.StatusHistoryEntry {
	e := &models.StatusHistoryEntry{
		ID:             uuid.NewString(),
		BookingID:      bookingID,
		Status:         status,
		PreviousStatus: prev,
		CreatedAt:      now,
	}
	if note != "" {
		n := note
		e.Note = &n
	}
	return e
}
