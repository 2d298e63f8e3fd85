package dispatch

import (
	"errors"
	"sort"

	"github.com/BearBump/FixDispatch/internal/models"
)

// DefaultRatingWeight is the multiplier of the rating in score = rating*weight - distanceKm.
const DefaultRatingWeight = 10.0

var ErrNoAgentAvailable = errors.New("no agent available")

type Candidate struct {
	Agent      *models.Agent
	DistanceKm float64
	Score      float64
}

// Engine selects agents for bookings. It only reads its inputs.
type Engine struct {
	ratingWeight float64
}

func New(ratingWeight float64) *Engine {
	if ratingWeight <= 0 {
		ratingWeight = DefaultRatingWeight
	}
	return &Engine{ratingWeight: ratingWeight}
}

// Eligible: available, skill-matching and with a known location. Emergency
// bookings also accept agents carrying the generic emergency skill.
func Eligible(b *models.Booking, a *models.Agent) bool {
	if a == nil || a.AvailabilityStatus != models.AgentAvailable || a.CurrentLocation == nil {
		return false
	}
	if a.HasSkill(b.RequiredSkill) {
		return true
	}
	return b.Priority == models.PriorityEmergency && a.HasSkill(models.SkillEmergency)
}

// Rank returns eligible candidates best first. The pool slice is not reordered.
func (e *Engine) Rank(b *models.Booking, pool []*models.Agent) []Candidate {
	out := make([]Candidate, 0, len(pool))
	for _, a := range pool {
		if !Eligible(b, a) {
			continue
		}
		var dist float64
		if b.Location != nil {
			dist = HaversineKm(*b.Location, *a.CurrentLocation)
		}
		out = append(out, Candidate{
			Agent:      a,
			DistanceKm: dist,
			Score:      a.Rating*e.ratingWeight - dist,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// FindBestAgent returns the top-ranked agent, or false when nobody qualifies.
func (e *Engine) FindBestAgent(b *models.Booking, pool []*models.Agent) (*models.Agent, bool) {
	ranked := e.Rank(b, pool)
	if len(ranked) == 0 {
		return nil, false
	}
	return ranked[0].Agent, true
}

// better orders by score desc, then distance asc, then agent id asc.
func better(x, y Candidate) bool {
	if x.Score != y.Score {
		return x.Score > y.Score
	}
	if x.DistanceKm != y.DistanceKm {
		return x.DistanceKm < y.DistanceKm
	}
	return x.Agent.ID < y.Agent.ID
}
