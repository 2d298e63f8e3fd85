package pgbooking

import (
	"context"

	"github.com/pkg/errors"
)

// IncrementSequence bumps the single counter row. The UPDATE takes a row lock,
// so concurrent callers are serialized and each gets its own value.
func (s *Storage) IncrementSequence(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
UPDATE booking_sequence
SET last_number = last_number + 1
WHERE id = 1
RETURNING last_number
`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "increment sequence")
	}
	return n, nil
}

// SequenceFloor is the lowest safe value for an external counter: the stored
// counter or the highest counter-issued number with this prefix, whichever is larger.
func (s *Storage) SequenceFloor(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT GREATEST(
  (SELECT last_number FROM booking_sequence WHERE id = 1),
  COALESCE((
    SELECT MAX(substring(number FROM $2)::BIGINT)
    FROM bookings
    WHERE NOT number_fallback
      AND number LIKE $1
      AND substring(number FROM $2) ~ '^[0-9]+$'
  ), 0)
)
`, prefix+"%", len(prefix)+1).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "read sequence floor")
	}
	return n, nil
}
