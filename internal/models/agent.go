package models

type AvailabilityStatus string

const (
	AgentAvailable AvailabilityStatus = "available"
	AgentBusy      AvailabilityStatus = "busy"
	AgentOffDuty   AvailabilityStatus = "off-duty"
)

// Agent is a read-only snapshot of a technician taken from the fleet directory.
type Agent struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name,omitempty"`
	Skills             []Skill            `json:"skills"`
	AvailabilityStatus AvailabilityStatus `json:"availabilityStatus"`
	CurrentLocation    *Location          `json:"currentLocation,omitempty"`
	Rating             float64            `json:"rating"`
	ActiveBookingID    *string            `json:"activeBookingId,omitempty"`
}

func (a *Agent) HasSkill(s Skill) bool {
	for _, sk := range a.Skills {
		if sk == s {
			return true
		}
	}
	return false
}
