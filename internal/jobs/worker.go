package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"crewroute/internal/matrix"
	"crewroute/internal/metrics"
	"crewroute/internal/model"
	"crewroute/internal/opt"
	"crewroute/internal/store"
)

// Error codes carried by Failed statuses.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeCrewNotFound      = "CREW_NOT_FOUND"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeMatrixUnavailable = "MATRIX_UNAVAILABLE"
	CodeInvalidProblem    = "INVALID_PROBLEM"
	CodeSolverError       = "SOLVER_ERROR"
	CodeInternal          = "INTERNAL"
)

// Progress checkpoints published while a job runs.
const (
	progressCustomers = 10
	progressSettings  = 25
	progressMatrix    = 45
	progressSolve     = 60
	progressAssembly  = 90
)

// Notifier is told about every terminal status of a job that asked for a callback.
type Notifier interface {
	Notify(ctx context.Context, job model.RoutePlanJob, st model.JobStatus)
}

// Worker turns one queued job into a route plan: load inputs, fetch the matrix, solve,
// assemble the response. Cancellation is checked between stages.
type Worker struct {
	Store            store.Planner
	Matrix           *matrix.Resolver
	Solvers          opt.Solvers
	DefaultAlgorithm string
	Registry         *CancelRegistry
	Tracker          *Tracker
	History          *History
	Stats            *opt.StatsStore
	Notifier         Notifier // optional

	now func() time.Time
}

func (w *Worker) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

// stageError is a failure that ends the job with a code, or one worth retrying.
type stageError struct {
	code      string
	err       error
	retryable bool
}

func (e *stageError) Error() string { return e.code + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func failWith(code string, err error) *stageError { return &stageError{code: code, err: err} }

func storeFailure(op string, err error) *stageError {
	err = fmt.Errorf("%s: %w", op, err)
	if store.IsTransient(err) {
		return &stageError{code: CodeStoreUnavailable, err: err, retryable: true}
	}
	return failWith(CodeInternal, err)
}

var errCancelled = errors.New("job cancelled")

func (w *Worker) Process(ctx context.Context, job model.RoutePlanJob, at Attempt) error {
	guard := w.Registry.Register(job.ID, job.OwnerID)
	retry := false
	defer func() {
		if retry {
			// the entry, cancel flag included, must survive until redelivery
			guard.Keep()
		}
		guard.Release()
	}()

	logger := log.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Int("attempt", at.N).Logger()
	if guard.Cancelled() {
		logger.Info().Msg("job cancelled before pickup, skipping")
		w.finish(ctx, job, model.JobStatus{JobID: job.ID, OwnerID: job.OwnerID, State: model.JobCancelled, Message: "cancelled before processing"})
		return nil
	}
	if st, ok := w.Tracker.Get(job.ID); ok && st.State.Terminal() {
		logger.Info().Str("state", string(st.State)).Msg("job already finished, acknowledging")
		return nil
	}

	w.History.Upsert(model.HistoryRecord{
		ID: job.ID, OwnerID: job.OwnerID, Type: TaskRoutePlan, Status: model.JobProcessing, StartedAt: job.SubmittedAt,
	})

	resp, err := w.run(ctx, job, guard)
	switch {
	case err == nil:
		logger.Info().Int("stops", len(resp.Stops)).Int("score", resp.Solution.OptimizationScore).Msg("route plan completed")
		w.finish(ctx, job, model.JobStatus{JobID: job.ID, OwnerID: job.OwnerID, State: model.JobCompleted, Progress: 100, Result: resp})
		return nil
	case errors.Is(err, errCancelled):
		logger.Info().Msg("route plan cancelled")
		w.finish(ctx, job, model.JobStatus{JobID: job.ID, OwnerID: job.OwnerID, State: model.JobCancelled, Message: "cancelled by owner"})
		return nil
	}

	var se *stageError
	if !errors.As(err, &se) {
		se = failWith(CodeInternal, err)
	}
	if ctx.Err() != nil {
		se.retryable = true
	}
	if guard.Cancelled() {
		logger.Info().Err(err).Msg("route plan cancelled during failed attempt")
		w.finish(ctx, job, model.JobStatus{JobID: job.ID, OwnerID: job.OwnerID, State: model.JobCancelled, Message: "cancelled by owner"})
		return nil
	}
	if se.retryable && !at.Last() {
		logger.Warn().Err(err).Msg("route plan attempt failed, will retry")
		retry = true
		return err
	}
	logger.Error().Err(err).Str("code", se.code).Msg("route plan failed")
	w.finish(ctx, job, model.JobStatus{
		JobID: job.ID, OwnerID: job.OwnerID, State: model.JobFailed,
		Error: &model.JobError{Code: se.code, Message: se.err.Error()},
	})
	return nil
}

func (w *Worker) progress(job model.RoutePlanJob, pct int, msg string) {
	w.Tracker.Publish(model.JobStatus{JobID: job.ID, OwnerID: job.OwnerID, State: model.JobProcessing, Progress: pct, Message: msg})
}

func (w *Worker) run(ctx context.Context, job model.RoutePlanJob, guard *Guard) (*model.RoutePlanResponse, error) {
	req := job.Request

	w.progress(job, progressCustomers, "loading customers")
	customers, err := w.Store.GetCustomers(ctx, job.OwnerID, req.CustomerIDs)
	if err != nil {
		return nil, storeFailure("load customers", err)
	}
	if err := checkCustomers(req.CustomerIDs, customers); err != nil {
		return nil, failWith(CodeInvalidInput, err)
	}
	windows, err := w.resolveWindows(ctx, job)
	if err != nil {
		return nil, err
	}

	w.progress(job, progressSettings, "loading planner settings")
	settings, err := w.Store.GetSettings(ctx, job.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		settings, err = model.DefaultSettings(job.OwnerID), nil
	}
	if err != nil {
		return nil, storeFailure("load settings", err)
	}
	var crew *model.Crew
	if req.CrewID != "" {
		c, err := w.Store.GetCrew(ctx, job.OwnerID, req.CrewID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, failWith(CodeCrewNotFound, fmt.Errorf("crew %q not found", req.CrewID))
		}
		if err != nil {
			return nil, storeFailure("load crew", err)
		}
		crew = &c
	}
	problem := BuildProblem(req.Depot, customers, windows, settings, crew)

	w.progress(job, progressMatrix, "fetching travel times")
	mres, err := w.Matrix.Matrices(ctx, problem.Locations())
	if err != nil {
		if ctx.Err() != nil {
			return nil, &stageError{code: CodeMatrixUnavailable, err: err, retryable: true}
		}
		return nil, failWith(CodeMatrixUnavailable, err)
	}

	if guard.Cancelled() {
		return nil, errCancelled
	}
	solver, err := w.Solvers.Select(req.Algorithm, w.DefaultAlgorithm)
	if err != nil {
		return nil, failWith(CodeInvalidInput, err)
	}
	w.progress(job, progressSolve, "optimizing route ("+solver.Name()+")")
	solveStarted := w.clock()
	sol, err := solver.Solve(ctx, problem, mres.Matrix)
	metrics.SolveDuration.WithLabelValues(solver.Name()).Observe(w.clock().Sub(solveStarted).Seconds())
	if err != nil {
		if errors.Is(err, model.ErrInvalidProblem) {
			return nil, failWith(CodeInvalidProblem, err)
		}
		if ctx.Err() != nil {
			return nil, &stageError{code: CodeSolverError, err: err, retryable: true}
		}
		return nil, failWith(CodeSolverError, err)
	}
	if mres.Fallback {
		sol.Warnings = append([]model.Warning{{
			Code:    model.WarnRoutingFallback,
			Message: fmt.Sprintf("travel times estimated from straight-line distance (%v)", mres.Err),
		}}, sol.Warnings...)
		sol.OptimizationScore = model.Score(sol.Warnings)
	}

	if guard.Cancelled() {
		return nil, errCancelled
	}
	w.progress(job, progressAssembly, "assembling plan")
	resp := assemble(job, problem, customers, sol, mres.Source)
	resp.Geometry = w.Matrix.Geometry(ctx, routeLocations(problem, sol))

	if guard.Cancelled() {
		return nil, errCancelled
	}
	if w.Stats != nil {
		w.Stats.RecordSolution(job.OwnerID, req.Date, len(problem.Stops), sol)
	}
	return resp, nil
}

func checkCustomers(ids []string, found []model.Customer) error {
	byID := make(map[string]model.Customer, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return fmt.Errorf("customer %s not found", id)
		}
		if c.Location == nil {
			return fmt.Errorf("customer %s has no coordinates", id)
		}
		if err := c.Location.Validate(); err != nil {
			return fmt.Errorf("customer %s: %w", id, err)
		}
	}
	return nil
}

// resolveWindows applies request overrides, then scheduled visits, then legacy visits.
func (w *Worker) resolveWindows(ctx context.Context, job model.RoutePlanJob) (map[string]model.TimeWindow, error) {
	req := job.Request
	out := make(map[string]model.TimeWindow, len(req.CustomerIDs))
	var missing []string
	for _, id := range req.CustomerIDs {
		if tw, ok := req.TimeWindows[id]; ok {
			out[id] = tw
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	scheduled, err := w.Store.ScheduledWindows(ctx, job.OwnerID, req.Date, missing)
	if err != nil {
		return nil, storeFailure("load scheduled visits", err)
	}
	var legacyIDs []string
	for _, id := range missing {
		if tw, ok := scheduled[id]; ok {
			out[id] = tw
			continue
		}
		legacyIDs = append(legacyIDs, id)
	}
	if len(legacyIDs) == 0 {
		return out, nil
	}
	legacy, err := w.Store.LegacyWindows(ctx, job.OwnerID, req.Date, legacyIDs)
	if err != nil {
		return nil, storeFailure("load legacy visits", err)
	}
	for _, id := range legacyIDs {
		if tw, ok := legacy[id]; ok {
			out[id] = tw
		}
	}
	return out, nil
}

// BuildProblem assembles one crew's day. Crew hours and buffer override the owner's settings.
func BuildProblem(depot model.Coordinates, customers []model.Customer, windows map[string]model.TimeWindow, s model.PlannerSettings, crew *model.Crew) model.RoutingProblem {
	p := model.RoutingProblem{
		Depot:      depot,
		ShiftStart: s.WorkStart,
		ShiftEnd:   s.WorkEnd,
		Break:      s.Break,
		Buffer:     model.ArrivalBuffer{Percent: s.BufferPercent, FixedMinutes: s.BufferFixedMinutes},
	}
	if crew != nil {
		p.ShiftStart, p.ShiftEnd = crew.WorkStart, crew.WorkEnd
		p.Buffer = model.ArrivalBuffer{Percent: crew.BufferPercent, FixedMinutes: crew.BufferFixedMinutes}
	}
	def := s.DefaultServiceMinutes
	if def == 0 {
		def = model.DefaultSettings(s.OwnerID).DefaultServiceMinutes
	}
	p.Stops = make([]model.Stop, 0, len(customers))
	for _, c := range customers {
		st := model.Stop{
			ID:         c.ID,
			CustomerID: c.ID,
			Name:       c.Name,
			Priority:   c.Priority,
		}
		if c.Location != nil {
			st.Location = *c.Location
		}
		if tw, ok := windows[c.ID]; ok {
			st.Window = &tw
		}
		st.ServiceMinutes = opt.ResolveServiceMinutes(c.ServiceMinutes, st.Window, def)
		p.Stops = append(p.Stops, st)
	}
	return p
}

func assemble(job model.RoutePlanJob, p model.RoutingProblem, customers []model.Customer, sol model.RouteSolution, source string) *model.RoutePlanResponse {
	byID := make(map[string]model.Customer, len(customers))
	for _, c := range customers {
		byID[c.ID] = c
	}
	stops := make([]model.PlanStopDetail, 0, len(sol.Stops))
	for _, ps := range sol.Stops {
		c := byID[ps.CustomerID]
		d := model.PlanStopDetail{PlannedStop: ps, Name: c.Name, Address: c.Address}
		if c.Location != nil {
			d.Location = *c.Location
		}
		stops = append(stops, d)
	}
	return &model.RoutePlanResponse{
		JobID:        job.ID,
		Date:         job.Request.Date,
		CrewID:       job.Request.CrewID,
		Depot:        job.Request.Depot,
		Solution:     sol,
		Stops:        stops,
		MatrixSource: source,
	}
}

// routeLocations is the depot, each planned stop in order, and the depot again.
func routeLocations(p model.RoutingProblem, sol model.RouteSolution) []model.Coordinates {
	loc := make(map[string]model.Coordinates, len(p.Stops))
	for _, s := range p.Stops {
		loc[s.ID] = s.Location
	}
	out := make([]model.Coordinates, 0, len(sol.Stops)+2)
	out = append(out, p.Depot)
	for _, ps := range sol.Stops {
		out = append(out, loc[ps.StopID])
	}
	return append(out, p.Depot)
}

// finish publishes a terminal status, records it in history and fires the callback.
func (w *Worker) finish(ctx context.Context, job model.RoutePlanJob, st model.JobStatus) {
	if !w.Tracker.Publish(st) {
		cur, ok := w.Tracker.Get(job.ID)
		if !ok || cur.State != st.State {
			return
		}
		// already announced when a queued job was cancelled; still record it
		st = cur
	}
	completed := w.clock()
	rec := model.HistoryRecord{
		ID: job.ID, OwnerID: job.OwnerID, Type: TaskRoutePlan, Status: st.State,
		StartedAt: job.SubmittedAt, CompletedAt: &completed,
		DurationMs: completed.Sub(job.SubmittedAt).Milliseconds(),
	}
	switch {
	case st.Error != nil:
		rec.Error = st.Error.Error()
	case st.Result != nil:
		sol := st.Result.Solution
		rec.Summary = fmt.Sprintf("%d stops, %d unassigned, score %d, %s", len(sol.Stops), len(sol.Unassigned), sol.OptimizationScore, sol.Algorithm)
	default:
		rec.Summary = st.Message
	}
	w.History.Upsert(rec)
	metrics.JobsFinished.WithLabelValues(string(st.State)).Inc()
	metrics.JobDuration.Observe(completed.Sub(job.SubmittedAt).Seconds())
	if w.Notifier != nil && job.Request.CallbackURL != "" {
		w.Notifier.Notify(ctx, job, st)
	}
}
