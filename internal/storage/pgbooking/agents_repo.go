package pgbooking

import (
	"context"

	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const agentColumns = `id, name, skills, availability, lat, lng, rating, active_booking_id`

// ListAvailableAgents returns a fresh snapshot of available agents with the given skill.
func (s *Storage) ListAvailableAgents(ctx context.Context, skill models.Skill) ([]*models.Agent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+agentColumns+`
FROM agents
WHERE availability = $1 AND $2 = ANY(skills)
ORDER BY id
`, models.AgentAvailable, string(skill))
	if err != nil {
		return nil, errors.Wrap(err, "select available agents")
	}
	return collectAgents(rows)
}

func (s *Storage) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select agents")
	}
	return collectAgents(rows)
}

// UpsertAgent adds an agent or updates its profile. While the agent serves a
// booking its availability and active booking are left as they are.
func (s *Storage) UpsertAgent(ctx context.Context, a *models.Agent) error {
	skills := make([]string, 0, len(a.Skills))
	for _, sk := range a.Skills {
		skills = append(skills, string(sk))
	}
	var lat, lng *float64
	if a.CurrentLocation != nil {
		lat, lng = &a.CurrentLocation.Lat, &a.CurrentLocation.Lng
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO agents (id, name, skills, availability, lat, lng, rating, active_booking_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  skills = EXCLUDED.skills,
  availability = CASE WHEN agents.active_booking_id IS NULL THEN EXCLUDED.availability ELSE agents.availability END,
  lat = EXCLUDED.lat,
  lng = EXCLUDED.lng,
  rating = EXCLUDED.rating,
  active_booking_id = agents.active_booking_id,
  updated_at = now()
`, a.ID, a.Name, skills, a.AvailabilityStatus, lat, lng, a.Rating, a.ActiveBookingID)
	return errors.Wrap(err, "upsert agent")
}

// MarkBusy is the standalone fleet operation; dispatch itself marks agents
// busy inside ApplyTransition.
func (s *Storage) MarkBusy(ctx context.Context, agentID, bookingID string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE agents SET availability = $3, active_booking_id = $2, updated_at = now()
WHERE id = $1 AND availability = $4
`, agentID, bookingID, models.AgentBusy, models.AgentAvailable)
	if err != nil {
		return errors.Wrap(err, "mark agent busy")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrConcurrentModification, "agent %s", agentID)
	}
	return nil
}

// MarkAvailable frees an idle agent (e.g. back from off-duty). An agent that is
// still attached to a booking is refused with models.ErrAgentAssigned.
func (s *Storage) MarkAvailable(ctx context.Context, agentID string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE agents SET availability = $2, updated_at = now()
WHERE id = $1 AND active_booking_id IS NULL
`, agentID, models.AgentAvailable)
	if err != nil {
		return errors.Wrap(err, "mark agent available")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var bookingID *string
	err = s.db.QueryRow(ctx, `SELECT active_booking_id FROM agents WHERE id = $1`, agentID).Scan(&bookingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "select agent")
	}
	if bookingID != nil {
		return errors.Wrapf(models.ErrAgentAssigned, "agent %s is on booking %s", agentID, *bookingID)
	}
	// освободили между UPDATE и SELECT
	return s.MarkAvailable(ctx, agentID)
}

func (s *Storage) AgentSkills(ctx context.Context, agentID string) ([]models.Skill, error) {
	var skills []string
	err := s.db.QueryRow(ctx, `SELECT skills FROM agents WHERE id = $1`, agentID).Scan(&skills)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select agent skills")
	}
	out := make([]models.Skill, 0, len(skills))
	for _, sk := range skills {
		out = append(out, models.Skill(sk))
	}
	return out, nil
}

func collectAgents(rows pgx.Rows) ([]*models.Agent, error) {
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		var a models.Agent
		var skills []string
		var lat, lng *float64
		if err := rows.Scan(&a.ID, &a.Name, &skills, &a.AvailabilityStatus, &lat, &lng, &a.Rating, &a.ActiveBookingID); err != nil {
			return nil, errors.Wrap(err, "scan agent")
		}
		for _, sk := range skills {
			a.Skills = append(a.Skills, models.Skill(sk))
		}
		if lat != nil && lng != nil {
			a.CurrentLocation = &models.Location{Lat: *lat, Lng: *lng}
		}
		out = append(out, &a)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
