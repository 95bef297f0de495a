package jobs

import (
	"context"

	"crewroute/internal/model"
)

// Queue persists submitted jobs until a worker takes them.
type Queue interface {
	// Enqueue returns the job's 1-based position among waiting jobs.
	Enqueue(ctx context.Context, job model.RoutePlanJob) (int, error)
	Depth(ctx context.Context) (int, error)
}

// Attempt describes which delivery of a job the worker is handling.
type Attempt struct {
	N   int
	Max int
}

func (a Attempt) Last() bool { return a.N >= a.Max }

// Processor handles one job delivery. A non-nil error asks the queue to deliver the job
// again; permanent failures are reported through the job status and return nil.
type Processor interface {
	Process(ctx context.Context, job model.RoutePlanJob, at Attempt) error
}
