package pgbooking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS bookings (
  id TEXT PRIMARY KEY,
  number TEXT NOT NULL,
  number_fallback BOOLEAN NOT NULL DEFAULT FALSE,
  status TEXT NOT NULL,
  priority TEXT NOT NULL,
  required_skill TEXT NOT NULL,
  lat DOUBLE PRECISION NULL,
  lng DOUBLE PRECISION NULL,
  customer_id TEXT NOT NULL DEFAULT '',
  address TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  scheduled_at TIMESTAMPTZ NOT NULL,
  assigned_agent_id TEXT NULL,
  can_cancel BOOLEAN NOT NULL,
  can_reschedule BOOLEAN NOT NULL,
  version BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT chk_bookings_agent_status CHECK (
    assigned_agent_id IS NULL OR status IN ('confirmed', 'in-progress')
  )
)`,
		// Fallback numbers may coincide within one millisecond; only counter-issued numbers are unique.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_bookings_number ON bookings(number) WHERE NOT number_fallback`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`
CREATE TABLE IF NOT EXISTS booking_status_history (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  booking_id TEXT NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  previous_status TEXT NULL,
  note TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_booking_status_history_booking_id ON booking_status_history(booking_id, seq)`,
		`
CREATE TABLE IF NOT EXISTS booking_sequence (
  id SMALLINT PRIMARY KEY CHECK (id = 1),
  last_number BIGINT NOT NULL
)`,
		`INSERT INTO booking_sequence (id, last_number) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
		`
CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  skills TEXT[] NOT NULL DEFAULT '{}',
  availability TEXT NOT NULL,
  lat DOUBLE PRECISION NULL,
  lng DOUBLE PRECISION NULL,
  rating DOUBLE PRECISION NOT NULL DEFAULT 0,
  active_booking_id TEXT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_availability ON agents(availability)`,
		`
CREATE TABLE IF NOT EXISTS dispatch_retries (
  booking_id TEXT PRIMARY KEY REFERENCES bookings(id) ON DELETE CASCADE,
  attempt INT NOT NULL,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_retries_next_attempt_at ON dispatch_retries(next_attempt_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
