package model

// Read models loaded from the persistence layer when building a plan.

type Customer struct {
	ID       string       `json:"id"`
	OwnerID  string       `json:"ownerId"`
	Name     string       `json:"name"`
	Address  string       `json:"address,omitempty"`
	Location *Coordinates `json:"location,omitempty"`
	// ServiceMinutes overrides the default visit length when set.
	ServiceMinutes *uint `json:"serviceMinutes,omitempty"`
	Priority       uint  `json:"priority,omitempty"`
}

type Crew struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"ownerId"`
	Name               string    `json:"name"`
	WorkStart          TimeOfDay `json:"workStart"`
	WorkEnd            TimeOfDay `json:"workEnd"`
	BufferPercent      float64   `json:"arrivalBufferPercent"`
	BufferFixedMinutes uint      `json:"arrivalBufferFixedMinutes"`
}

type PlannerSettings struct {
	OwnerID               string       `json:"ownerId"`
	WorkStart             TimeOfDay    `json:"workStart"`
	WorkEnd               TimeOfDay    `json:"workEnd"`
	DefaultServiceMinutes uint         `json:"defaultServiceMinutes"`
	BufferPercent         float64      `json:"arrivalBufferPercent"`
	BufferFixedMinutes    uint         `json:"arrivalBufferFixedMinutes"`
	Break                 *BreakConfig `json:"break,omitempty"`
}

// DefaultSettings is used when an owner never saved planner settings.
func DefaultSettings(ownerID string) PlannerSettings {
	return PlannerSettings{
		OwnerID:               ownerID,
		WorkStart:             Clock(8, 0, 0),
		WorkEnd:               Clock(17, 0, 0),
		DefaultServiceMinutes: 60,
		BufferPercent:         10,
	}
}
