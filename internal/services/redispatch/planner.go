package redispatch

import (
	"time"

	"github.com/BearBump/FixDispatch/internal/models"
)

type PlannerConfig struct {
	UrgentInitialDelay time.Duration // default: 5 seconds
	UrgentMaxDelay     time.Duration // default: 2 minutes
	UrgentMaxAttempts  int           // default: 6

	NormalInterval    time.Duration // default: 10 minutes
	NormalMaxAttempts int           // default: 18
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		UrgentInitialDelay: 5 * time.Second,
		UrgentMaxDelay:     2 * time.Minute,
		UrgentMaxAttempts:  6,

		NormalInterval:    10 * time.Minute,
		NormalMaxAttempts: 18,
	}
}

// Planner решает, когда повторить поиск агента для ожидающей заявки.
// urgent/emergency: экспоненциальный backoff с потолком, normal: фиксированный интервал.
type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if cfg.UrgentInitialDelay <= 0 {
		cfg.UrgentInitialDelay = def.UrgentInitialDelay
	}
	if cfg.UrgentMaxDelay <= 0 {
		cfg.UrgentMaxDelay = def.UrgentMaxDelay
	}
	if cfg.UrgentMaxDelay < cfg.UrgentInitialDelay {
		cfg.UrgentMaxDelay = cfg.UrgentInitialDelay
	}
	if cfg.UrgentMaxAttempts <= 0 {
		cfg.UrgentMaxAttempts = def.UrgentMaxAttempts
	}
	if cfg.NormalInterval <= 0 {
		cfg.NormalInterval = def.NormalInterval
	}
	if cfg.NormalMaxAttempts <= 0 {
		cfg.NormalMaxAttempts = def.NormalMaxAttempts
	}
	return &Planner{cfg: cfg}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig())
}

// Config returns the effective settings, defaults included.
func (p *Planner) Config() PlannerConfig {
	return p.cfg
}

func (p *Planner) MaxAttempts(priority models.Priority) int {
	if isUrgent(priority) {
		return p.cfg.UrgentMaxAttempts
	}
	return p.cfg.NormalMaxAttempts
}

// Next returns the delay before retry number done+1, where done is how many
// retries have already failed (0 right after the booking was created).
// ok is false once the retry budget for the priority is spent.
func (p *Planner) Next(priority models.Priority, done int) (delay time.Duration, ok bool) {
	if done < 0 {
		done = 0
	}
	if done >= p.MaxAttempts(priority) {
		return 0, false
	}
	if !isUrgent(priority) {
		return p.cfg.NormalInterval, true
	}
	d := p.cfg.UrgentInitialDelay
	for i := 0; i < done; i++ {
		d *= 2
		if d >= p.cfg.UrgentMaxDelay {
			return p.cfg.UrgentMaxDelay, true
		}
	}
	return d, true
}

func isUrgent(p models.Priority) bool {
	return p == models.PriorityUrgent || p == models.PriorityEmergency
}
