package jobs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"crewroute/internal/model"
	"crewroute/internal/opt"
	"crewroute/internal/store"
)

var ErrJobNotFound = errors.New("job not found")

// InputError rejects a submission before it reaches the queue.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func inputErr(field, format string, args ...any) *InputError {
	return &InputError{Field: field, Message: fmt.Sprintf(format, args...)}
}

const (
	defaultMaxStops    = 200
	defaultJobEstimate = 30 * time.Second
	waitSampleSize     = 20
)

// Service is the submitter-facing side of the pipeline: submit, cancel, status, history.
type Service struct {
	Queue    Queue
	Registry *CancelRegistry
	Tracker  *Tracker
	History  *History
	Store    store.Planner
	Solvers  opt.Solvers
	// MaxStops caps customers per request. 0 uses the default.
	MaxStops int

	validate *validator.Validate
	newID    func() string
	now      func() time.Time
}

func NewService(q Queue, reg *CancelRegistry, tr *Tracker, h *History, st store.Planner, solvers opt.Solvers) *Service {
	return &Service{
		Queue: q, Registry: reg, Tracker: tr, History: h, Store: st, Solvers: solvers,
		validate: NewValidator(),
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}
}

// Submit validates req, queues it and publishes the Queued status.
func (s *Service) Submit(ctx context.Context, ownerID string, req model.RoutePlanRequest) (model.SubmitResponse, error) {
	if ownerID == "" {
		return model.SubmitResponse{}, inputErr("", "missing owner")
	}
	if err := s.checkRequest(ctx, ownerID, req); err != nil {
		return model.SubmitResponse{}, err
	}

	job := model.RoutePlanJob{ID: s.newID(), OwnerID: ownerID, SubmittedAt: s.now(), Request: req}
	s.Registry.Reserve(job.ID, ownerID)

	depth, _ := s.Queue.Depth(ctx)
	s.Tracker.Publish(model.JobStatus{JobID: job.ID, OwnerID: ownerID, State: model.JobQueued, Position: depth + 1})
	pos, err := s.Queue.Enqueue(ctx, job)
	if err != nil {
		s.Registry.Remove(job.ID)
		s.Tracker.Publish(model.JobStatus{JobID: job.ID, OwnerID: ownerID, State: model.JobFailed,
			Error: &model.JobError{Code: "QUEUE_UNAVAILABLE", Message: err.Error()}})
		return model.SubmitResponse{}, fmt.Errorf("submit route plan: %w", err)
	}
	// a worker may already have moved the job on; the tracker then ignores this
	s.Tracker.Publish(model.JobStatus{JobID: job.ID, OwnerID: ownerID, State: model.JobQueued, Position: pos})
	s.History.Upsert(model.HistoryRecord{ID: job.ID, OwnerID: ownerID, Type: TaskRoutePlan, Status: model.JobQueued, StartedAt: job.SubmittedAt})

	log.Info().Str("job_id", job.ID).Str("owner_id", ownerID).Int("position", pos).Int("customers", len(req.CustomerIDs)).Msg("route plan submitted")
	return model.SubmitResponse{JobID: job.ID, Position: pos, EstimatedWaitSeconds: s.estimateWait(pos)}, nil
}

func (s *Service) estimateWait(position int) int {
	mean := s.History.MeanDuration(waitSampleSize)
	if mean <= 0 {
		mean = defaultJobEstimate
	}
	return int((time.Duration(position) * mean).Seconds())
}

func (s *Service) checkRequest(ctx context.Context, ownerID string, req model.RoutePlanRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return inputErr(fe.Field(), "failed %s validation", fe.Tag())
		}
		return inputErr("", "%v", err)
	}
	if err := req.Depot.Validate(); err != nil {
		return inputErr("depot", "%v", err)
	}
	limit := s.MaxStops
	if limit <= 0 {
		limit = defaultMaxStops
	}
	if len(req.CustomerIDs) > limit {
		return inputErr("customerIds", "at most %d customers per plan, got %d", limit, len(req.CustomerIDs))
	}
	seen := make(map[string]struct{}, len(req.CustomerIDs))
	for _, id := range req.CustomerIDs {
		if _, dup := seen[id]; dup {
			return inputErr("customerIds", "duplicate customer %s", id)
		}
		seen[id] = struct{}{}
	}
	for id, tw := range req.TimeWindows {
		if _, ok := seen[id]; !ok {
			return inputErr("timeWindows", "window for customer %s which is not in the plan", id)
		}
		if err := tw.Validate(); err != nil {
			return inputErr("timeWindows."+id, "%v", err)
		}
	}
	if s.Solvers != nil && req.Algorithm != "" {
		if _, err := s.Solvers.Select(req.Algorithm, ""); err != nil {
			return inputErr("algorithm", "%v", err)
		}
	}
	if s.Store == nil {
		return nil
	}
	customers, err := s.Store.GetCustomers(ctx, ownerID, req.CustomerIDs)
	if err != nil {
		return fmt.Errorf("check customers: %w", err)
	}
	if err := checkCustomers(req.CustomerIDs, customers); err != nil {
		return inputErr("customerIds", "%v", err)
	}
	return nil
}

// Cancel flags the job. Queued jobs are reported cancelled at once; running jobs stop at
// their next checkpoint.
func (s *Service) Cancel(ctx context.Context, jobID, callerID string) (bool, error) {
	ok, err := s.Registry.Cancel(jobID, callerID)
	if err != nil {
		return false, err
	}
	cur, known := s.Tracker.Get(jobID)
	if !ok {
		if !known {
			return false, ErrJobNotFound
		}
		if cur.OwnerID != callerID {
			return false, ErrNotOwner
		}
		return false, nil
	}
	if known && cur.State == model.JobQueued {
		s.Tracker.Publish(model.JobStatus{JobID: jobID, OwnerID: callerID, State: model.JobCancelled, Message: "cancelled before processing"})
	}
	log.Info().Str("job_id", jobID).Str("owner_id", callerID).Msg("route plan cancel requested")
	return true, nil
}

func (s *Service) Status(ctx context.Context, jobID, callerID string) (model.JobStatus, error) {
	st, ok := s.Tracker.Get(jobID)
	if !ok {
		return model.JobStatus{}, ErrJobNotFound
	}
	if st.OwnerID != callerID {
		return model.JobStatus{}, ErrNotOwner
	}
	return st, nil
}

func (s *Service) ListHistory(ownerID string, limit int) []model.HistoryRecord {
	return s.History.List(ownerID, limit)
}

// NewValidator reports field errors under their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
