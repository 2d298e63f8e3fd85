package messages

import "time"

const (
	EventBookingCreated     = "booking.created"
	EventBookingConfirmed   = "booking.confirmed"
	EventBookingStarted     = "booking.started"
	EventBookingCompleted   = "booking.completed"
	EventBookingCancelled   = "booking.cancelled"
	EventBookingRescheduled = "booking.rescheduled"
	EventBookingEscalated   = "booking.escalated"
)

type BookingEvent struct {
	EventID   string `json:"event_id"`
	Event     string `json:"event"`
	BookingID string `json:"booking_id"`
	Number    string `json:"number"`

	Status        string `json:"status"`
	Priority      string `json:"priority"`
	RequiredSkill string `json:"required_skill"`

	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
	// ReleasedAgentID is set when the change returned an agent to the pool.
	ReleasedAgentID *string `json:"released_agent_id,omitempty"`

	Note       *string   `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReleasesAgent reports whether consumers may find a freshly available agent.
func (e BookingEvent) ReleasesAgent() bool {
	return e.ReleasedAgentID != nil && *e.ReleasedAgentID != ""
}
