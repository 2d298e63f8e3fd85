package lifecycle

import (
	"errors"
	"fmt"

	"github.com/BearBump/FixDispatch/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrCannotReschedule  = errors.New("cannot reschedule")
)

// InvalidTransitionError names the current and requested status; errors.Is(err, ErrInvalidTransition) holds.
type InvalidTransitionError struct {
	From models.BookingStatus
	To   models.BookingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CannotRescheduleError carries the status that blocked the reschedule.
type CannotRescheduleError struct {
	Status models.BookingStatus
}

func (e *CannotRescheduleError) Error() string {
	return fmt.Sprintf("cannot reschedule booking in status %s", e.Status)
}

func (e *CannotRescheduleError) Is(target error) bool {
	return target == ErrCannotReschedule
}
