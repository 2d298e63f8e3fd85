package pgbooking

import (
	"context"
	"time"

	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ScheduleRetry upserts the pending re-dispatch attempt for a booking.
func (s *Storage) ScheduleRetry(ctx context.Context, bookingID string, attempt int, at time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO dispatch_retries (booking_id, attempt, next_attempt_at, created_at, updated_at)
VALUES ($1,$2,$3, now(), now())
ON CONFLICT (booking_id) DO UPDATE SET
  attempt = EXCLUDED.attempt,
  next_attempt_at = EXCLUDED.next_attempt_at,
  updated_at = now()
`, bookingID, attempt, at.UTC())
	return errors.Wrap(err, "schedule retry")
}

func (s *Storage) DeleteRetry(ctx context.Context, bookingID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM dispatch_retries WHERE booking_id = $1`, bookingID)
	return errors.Wrap(err, "delete retry")
}

// ClaimDueRetries выбирает пачку повторных попыток, срок которых наступил, и
// сдвигает их next_attempt_at на lease, чтобы параллельный воркер их не взял.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueRetries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.DispatchRetry, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT r.booking_id, r.attempt, r.next_attempt_at, b.required_skill, b.priority
FROM dispatch_retries r
JOIN bookings b ON b.id = r.booking_id
WHERE r.next_attempt_at <= $1
ORDER BY r.next_attempt_at ASC
LIMIT $2
FOR UPDATE OF r SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due retries")
	}
	defer rows.Close()

	var picked []*models.DispatchRetry
	for rows.Next() {
		var r models.DispatchRetry
		if err := rows.Scan(&r.BookingID, &r.Attempt, &r.NextAttemptAt, &r.RequiredSkill, &r.Priority); err != nil {
			return nil, errors.Wrap(err, "scan due retry")
		}
		picked = append(picked, &r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, r := range picked {
		_, err := tx.Exec(ctx, `UPDATE dispatch_retries SET next_attempt_at = $2, updated_at = now() WHERE booking_id = $1`, r.BookingID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease retry")
		}
		r.NextAttemptAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// ExpediteRetries makes waiting retries for pending bookings that could use an
// agent with the given skill due immediately. Returns how many were moved.
func (s *Storage) ExpediteRetries(ctx context.Context, skill models.Skill, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE dispatch_retries r
SET next_attempt_at = $2, updated_at = now()
FROM bookings b
WHERE b.id = r.booking_id
  AND b.status = $3
  AND (b.required_skill = $1 OR ($1 = $4 AND b.priority = $5))
  AND r.next_attempt_at > $2
`, string(skill), now.UTC(), models.BookingStatusPending, string(models.SkillEmergency), string(models.PriorityEmergency))
	if err != nil {
		return 0, errors.Wrap(err, "expedite retries")
	}
	return tag.RowsAffected(), nil
}
