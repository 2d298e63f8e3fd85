package pgbooking

import (
	"context"

	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// TransitionUpdate is one atomic unit: the booking's next state, its history
// entry and the agent/retry side effects that must commit together with it.
type TransitionUpdate struct {
	Booking         *models.Booking
	ExpectedVersion int64
	Entry           *models.StatusHistoryEntry

	AssignAgentID  *string
	ReleaseAgentID *string
	ClearRetry     bool
}

const bookingColumns = `
  id, number, number_fallback, status, priority, required_skill,
  lat, lng, customer_id, address, description, scheduled_at,
  assigned_agent_id, can_cancel, can_reschedule, version,
  created_at, updated_at`

func (s *Storage) CreateBooking(ctx context.Context, b *models.Booking, entry *models.StatusHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lat, lng *float64
	if b.Location != nil {
		lat, lng = &b.Location.Lat, &b.Location.Lng
	}

	_, err = tx.Exec(ctx, `
INSERT INTO bookings (`+bookingColumns+`
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
`, b.ID, b.Number, b.NumberFallback, b.Status, b.Priority, b.RequiredSkill,
		lat, lng, b.CustomerID, b.Address, b.Description, b.ScheduledAt.UTC(),
		b.AssignedAgentID, b.CanCancel, b.CanReschedule, b.Version,
		b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "uq_bookings_number" {
			return errors.Wrapf(models.ErrDuplicateNumber, "number %s", b.Number)
		}
		return errors.Wrap(err, "insert booking")
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func (s *Storage) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select booking")
	}
	return b, nil
}

func (s *Storage) ListStatusHistory(ctx context.Context, bookingID string) ([]*models.StatusHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, booking_id, status, previous_status, note, created_at
FROM booking_status_history
WHERE booking_id = $1
ORDER BY seq ASC
`, bookingID)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []*models.StatusHistoryEntry
	for rows.Next() {
		var e models.StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.BookingID, &e.Status, &e.PreviousStatus, &e.Note, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ApplyTransition writes the booking row, its history entry and the agent
// change in one transaction. A version mismatch on the booking or a lost race
// for the agent rolls everything back with models.ErrConcurrentModification.
func (s *Storage) ApplyTransition(ctx context.Context, upd TransitionUpdate) error {
	b := upd.Booking
	if b == nil || upd.Entry == nil {
		return errors.New("booking and history entry are required")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE bookings
SET
  status = $3,
  assigned_agent_id = $4,
  can_cancel = $5,
  can_reschedule = $6,
  scheduled_at = $7,
  version = $8,
  updated_at = $9
WHERE id = $1 AND version = $2
`, b.ID, upd.ExpectedVersion, b.Status, b.AssignedAgentID, b.CanCancel, b.CanReschedule,
		b.ScheduledAt.UTC(), b.Version, b.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update booking")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrConcurrentModification, "booking %s", b.ID)
	}

	if err := insertHistory(ctx, tx, upd.Entry); err != nil {
		return err
	}

	if upd.AssignAgentID != nil {
		tag, err := tx.Exec(ctx, `
UPDATE agents
SET availability = $3, active_booking_id = $2, updated_at = now()
WHERE id = $1 AND availability = $4
`, *upd.AssignAgentID, b.ID, models.AgentBusy, models.AgentAvailable)
		if err != nil {
			return errors.Wrap(err, "mark agent busy")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(models.ErrConcurrentModification, "agent %s", *upd.AssignAgentID)
		}
	}

	if upd.ReleaseAgentID != nil {
		// Agent already detached by fleet ops is fine: nothing to release.
		_, err := tx.Exec(ctx, `
UPDATE agents
SET availability = $3, active_booking_id = NULL, updated_at = now()
WHERE id = $1 AND active_booking_id = $2
`, *upd.ReleaseAgentID, b.ID, models.AgentAvailable)
		if err != nil {
			return errors.Wrap(err, "mark agent available")
		}
	}

	if upd.ClearRetry {
		if _, err := tx.Exec(ctx, `DELETE FROM dispatch_retries WHERE booking_id = $1`, b.ID); err != nil {
			return errors.Wrap(err, "delete retry")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, e *models.StatusHistoryEntry) error {
	_, err := tx.Exec(ctx, `
INSERT INTO booking_status_history (id, booking_id, status, previous_status, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, e.ID, e.BookingID, e.Status, e.PreviousStatus, e.Note, e.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert history")
	}
	return nil
}

func scanBooking(row pgx.Row) (*models.Booking, error) {
	var b models.Booking
	var lat, lng *float64
	if err := row.Scan(
		&b.ID, &b.Number, &b.NumberFallback, &b.Status, &b.Priority, &b.RequiredSkill,
		&lat, &lng, &b.CustomerID, &b.Address, &b.Description, &b.ScheduledAt,
		&b.AssignedAgentID, &b.CanCancel, &b.CanReschedule, &b.Version,
		&b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		b.Location = &models.Location{Lat: *lat, Lng: *lng}
	}
	b.ScheduledAt = b.ScheduledAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}
