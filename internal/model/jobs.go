package model

import "time"

// RoutePlanRequest is what a dispatcher submits to plan one crew's day.
type RoutePlanRequest struct {
	Depot       Coordinates           `json:"depot"`
	CustomerIDs []string              `json:"customerIds" validate:"required,min=1,dive,required"`
	Date        string                `json:"date" validate:"required,datetime=2006-01-02"`
	CrewID      string                `json:"crewId,omitempty"`
	TimeWindows map[string]TimeWindow `json:"timeWindows,omitempty"`
	Algorithm   string                `json:"algorithm,omitempty" validate:"omitempty,oneof=auto optimizer heuristic"`
	CallbackURL string                `json:"callbackUrl,omitempty" validate:"omitempty,url"`
}

type RoutePlanJob struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"ownerId"`
	SubmittedAt time.Time        `json:"submittedAt"`
	Request     RoutePlanRequest `json:"request"`
}

type SubmitResponse struct {
	JobID                string `json:"jobId"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether a job may move from one state to the next.
// Queued and Processing may repeat (position and progress updates); terminal states are final.
func CanTransition(from, to JobState) bool {
	switch from {
	case "":
		return to == JobQueued
	case JobQueued:
		return to == JobQueued || to == JobProcessing || to == JobFailed || to == JobCancelled
	case JobProcessing:
		return to == JobProcessing || to == JobCompleted || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string { return e.Code + ": " + e.Message }

type JobStatus struct {
	JobID     string             `json:"jobId"`
	OwnerID   string             `json:"-"`
	State     JobState           `json:"state"`
	Position  int                `json:"position,omitempty"`
	Progress  int                `json:"progress,omitempty"`
	Message   string             `json:"message,omitempty"`
	Result    *RoutePlanResponse `json:"result,omitempty"`
	Error     *JobError          `json:"error,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// PlanStopDetail decorates a planned stop with the customer data a crew needs on site.
type PlanStopDetail struct {
	PlannedStop
	Name     string      `json:"name"`
	Address  string      `json:"address,omitempty"`
	Location Coordinates `json:"location"`
}

type RoutePlanResponse struct {
	JobID    string           `json:"jobId"`
	Date     string           `json:"date"`
	CrewID   string           `json:"crewId,omitempty"`
	Depot    Coordinates      `json:"depot"`
	Solution RouteSolution    `json:"solution"`
	Stops    []PlanStopDetail `json:"stops"`
	// Geometry is a [lng, lat] polyline of the full route including the return leg.
	Geometry     [][2]float64 `json:"geometry,omitempty"`
	MatrixSource string       `json:"matrixSource"`
}

type HistoryRecord struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Type        string     `json:"type"`
	Status      JobState   `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
	Summary     string     `json:"summary,omitempty"`
}
