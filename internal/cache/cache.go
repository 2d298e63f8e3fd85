package cache

import (
	"context"
	"time"

	"github.com/BearBump/FixDispatch/internal/models"
)

// BookingCache holds read snapshots of bookings. Storage stays the source of truth.
type BookingCache interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, bool, error)
	SetBooking(ctx context.Context, b *models.Booking, ttl time.Duration) error
	DelBooking(ctx context.Context, id string) error
}
