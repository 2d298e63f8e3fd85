package models

import "time"

type BookingStatus string

const (
	BookingStatusPending    BookingStatus = "pending"
	BookingStatusConfirmed  BookingStatus = "confirmed"
	BookingStatusInProgress BookingStatus = "in-progress"
	BookingStatusCompleted  BookingStatus = "completed"
	BookingStatusCancelled  BookingStatus = "cancelled"
)

type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

type Skill string

const (
	SkillElectrical Skill = "electrical"
	SkillPlumbing   Skill = "plumbing"
	SkillEmergency  Skill = "emergency"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Booking struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	// NumberFallback помечает номер, выданный без счётчика (по времени); такие номера перенумеровывает внешняя сверка.
	NumberFallback bool `json:"numberFallback,omitempty"`

	Status        BookingStatus `json:"status"`
	Priority      Priority      `json:"priority"`
	RequiredSkill Skill         `json:"requiredSkill"`
	Location      *Location     `json:"location,omitempty"`

	CustomerID  string    `json:"customerId"`
	Address     string    `json:"address,omitempty"`
	Description string    `json:"description,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`

	AssignedAgentID *string `json:"assignedAgentId,omitempty"`

	CanCancel     bool `json:"canCancel"`
	CanReschedule bool `json:"canReschedule"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate the result without touching the original.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.Location != nil {
		loc := *b.Location
		c.Location = &loc
	}
	if b.AssignedAgentID != nil {
		id := *b.AssignedAgentID
		c.AssignedAgentID = &id
	}
	return &c
}

type StatusHistoryEntry struct {
	ID             string         `json:"id"`
	BookingID      string         `json:"bookingId"`
	Status         BookingStatus  `json:"status"`
	PreviousStatus *BookingStatus `json:"previousStatus,omitempty"`
	Note           *string        `json:"note,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type BookingCreateInput struct {
	CustomerID    string
	Priority      Priority
	RequiredSkill Skill
	Location      *Location
	Address       string
	Description   string
	ScheduledAt   time.Time
}

// DispatchRetry is a queued re-dispatch attempt for a booking that is still pending.
type DispatchRetry struct {
	BookingID     string
	Attempt       int
	NextAttemptAt time.Time

	// From the booking row, for per-skill rate limiting.
	RequiredSkill Skill
	Priority      Priority
}
