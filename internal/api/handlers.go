package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"crewroute/internal/buildinfo"
	"crewroute/internal/events"
	"crewroute/internal/jobs"
	"crewroute/internal/matrix"
	"crewroute/internal/model"
	"crewroute/internal/opt"
	"crewroute/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	sseHeartbeat        = 15 * time.Second
)

// writeJobError maps pipeline and store errors to problem responses.
func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	var ie *jobs.InputError
	var fe *fieldError
	switch {
	case errors.As(err, &ie):
		writeFieldProblem(w, http.StatusBadRequest, "Invalid request", ie.Message, r.URL.Path, ie.Field)
	case errors.As(err, &fe):
		writeFieldProblem(w, http.StatusBadRequest, "Invalid request", fe.Err.Error(), r.URL.Path, fe.Field)
	case errors.Is(err, jobs.ErrJobNotFound):
		writeProblem(w, http.StatusNotFound, "Job not found", "", r.URL.Path)
	case errors.Is(err, jobs.ErrNotOwner):
		writeProblem(w, http.StatusForbidden, "Forbidden", "job belongs to another owner", r.URL.Path)
	case errors.Is(err, model.ErrInvalidProblem):
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid problem", err.Error(), r.URL.Path)
	case store.IsTransient(err):
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusServiceUnavailable, "Request failed", err.Error(), r.URL.Path)
	}
}

func requirePlanner(w http.ResponseWriter, r *http.Request) bool {
	if !principal(r).CanPlan() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return false
	}
	return true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !principal(r).IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return false
	}
	return true
}

// SubmitRoutePlanHandler handles POST /v1/route-plans
func (s *Server) SubmitRoutePlanHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePlanner(w, r) {
		return
	}
	var req model.RoutePlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	resp, err := s.Jobs.Submit(r.Context(), principal(r).OwnerID, req)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/route-plans/"+resp.JobID)
	writeJSON(w, http.StatusAccepted, resp)
}

// RoutePlanStatusHandler handles GET /v1/route-plans/{id}
func (s *Server) RoutePlanStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.Jobs.Status(r.Context(), r.PathValue("id"), principal(r).OwnerID)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CancelRoutePlanHandler handles POST /v1/route-plans/{id}/cancel
func (s *Server) CancelRoutePlanHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePlanner(w, r) {
		return
	}
	ok, err := s.Jobs.Cancel(r.Context(), r.PathValue("id"), principal(r).OwnerID)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

// RoutePlanEventsHandler streams a job's statuses as server-sent events until it finishes.
func (s *Server) RoutePlanEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner := principal(r).OwnerID
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	// subscribe before reading the snapshot so no transition falls in between
	topic := events.JobTopic(id)
	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)

	cur, err := s.Jobs.Status(r.Context(), id, owner)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(st model.JobStatus) {
		b, _ := json.Marshal(st)
		fmt.Fprintf(w, "event: status\n")
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	send(cur)
	if cur.State.Terminal() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			send(st)
			if st.State.Terminal() {
				return
			}
		case <-heartbeat.C:
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"jobId\":%q,\"ts\":%q}\n\n", id, time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// RoutePlanGeometryHandler returns a completed plan as GeoJSON.
func (s *Server) RoutePlanGeometryHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.Jobs.Status(r.Context(), r.PathValue("id"), principal(r).OwnerID)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	if st.State != model.JobCompleted || st.Result == nil {
		writeProblem(w, http.StatusConflict, "Plan not ready", "job is "+string(st.State), r.URL.Path)
		return
	}
	res := st.Result
	fc := matrix.FeatureCollection(res.Geometry, res.Depot, res.Stops)
	b, err := fc.MarshalJSON()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Encode failed", err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &fieldError{Field: key, Err: fmt.Errorf("must be a non-negative integer")}
	}
	return n, nil
}

// JobHistoryHandler handles GET /v1/jobs/history
func (s *Server) JobHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	if limit == 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Jobs.ListHistory(principal(r).OwnerID, limit)})
}

// matrixFor resolves travel times for the synchronous tools; it never fails outright
// because the resolver falls back to straight-line estimates.
func (s *Server) matrixFor(ctx context.Context, locs []model.Coordinates) (matrix.Result, error) {
	return s.Matrix.Matrices(ctx, locs)
}

// PreviewRouteHandler solves a problem inline, heuristic by default.
func (s *Server) PreviewRouteHandler(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := req.Validate(); err != nil {
		writeJobError(w, r, err)
		return
	}
	solver, err := s.Solvers.Select(req.Algorithm, opt.AlgorithmHeuristic)
	if err != nil {
		writeJobError(w, r, &fieldError{Field: "algorithm", Err: err})
		return
	}
	mres, err := s.matrixFor(r.Context(), req.Locations())
	if err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Matrix unavailable", err.Error(), r.URL.Path)
		return
	}
	sol, err := solver.Solve(r.Context(), req.RoutingProblem, mres.Matrix)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	if mres.Fallback {
		sol.Warnings = append([]model.Warning{{Code: model.WarnRoutingFallback, Message: "travel times estimated from straight-line distance"}}, sol.Warnings...)
		sol.OptimizationScore = model.Score(sol.Warnings)
	}
	writeJSON(w, http.StatusOK, map[string]any{"solution": sol, "matrixSource": mres.Source})
}

// InsertionsHandler handles POST /v1/routes/insertions
func (s *Server) InsertionsHandler(w http.ResponseWriter, r *http.Request) {
	var req InsertionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := req.Validate(); err != nil {
		writeJobError(w, r, err)
		return
	}
	in := opt.NewInsertionInput(req.Depot, req.Route, req.Candidate, req.ShiftStart, req.ShiftEnd)
	mres, err := s.matrixFor(r.Context(), in.Locations())
	if err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Matrix unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"insertions":   opt.EvaluateInsertions(in, mres.Matrix),
		"matrixSource": mres.Source,
	})
}

// SlotsHandler handles POST /v1/routes/slots
func (s *Server) SlotsHandler(w http.ResponseWriter, r *http.Request) {
	var req SlotsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := req.Validate(); err != nil {
		writeJobError(w, r, err)
		return
	}
	in := opt.NewInsertionInput(req.Depot, req.Route, req.Candidate, req.ShiftStart, req.ShiftEnd)
	mres, err := s.matrixFor(r.Context(), in.Locations())
	if err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Matrix unavailable", err.Error(), r.URL.Path)
		return
	}
	slots := opt.SuggestSlots(opt.SlotRequest{Insertion: in, Preferred: req.Preferred, Limit: req.Limit}, mres.Matrix)
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots, "matrixSource": mres.Source})
}

// RecomputeHandler re-times a manually ordered route.
func (s *Server) RecomputeHandler(w http.ResponseWriter, r *http.Request) {
	var req RecomputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := req.Validate(); err != nil {
		writeJobError(w, r, err)
		return
	}
	locs := make([]model.Coordinates, 0, len(req.Stops)+1)
	locs = append(locs, req.Depot)
	stops := make([]opt.ScheduleStop, len(req.Stops))
	for i, st := range req.Stops {
		locs = append(locs, st.Location)
		stops[i] = opt.ScheduleStop{
			StopID:         st.StopID,
			CustomerID:     st.CustomerID,
			Node:           i + 1,
			Window:         st.Window,
			ServiceMinutes: st.ServiceMinutes,
		}
	}
	mres, err := s.matrixFor(r.Context(), locs)
	if err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Matrix unavailable", err.Error(), r.URL.Path)
		return
	}
	def := req.DefaultServiceMinutes
	if def == 0 {
		def = model.DefaultSettings("").DefaultServiceMinutes
	}
	sched := opt.RecomputeSchedule(opt.ScheduleInput{
		Stops:                 stops,
		DepotNode:             0,
		ShiftStart:            req.ShiftStart,
		DefaultServiceMinutes: def,
		Break:                 req.Break,
	}, mres.Matrix)
	writeJSON(w, http.StatusOK, map[string]any{
		"stops":                sched.Stops,
		"serviceMinutes":       sched.ServiceMinutes,
		"break":                sched.Break,
		"returnTime":           sched.ReturnTime,
		"totalDistanceMeters":  sched.TotalDistanceMeters,
		"totalDurationSeconds": sched.TotalDurationSeconds(req.ShiftStart),
		"warnings":             sched.Warnings,
		"matrixSource":         mres.Source,
	})
}

// SolverStatsHandler handles GET /v1/admin/solver-stats
func (s *Server) SolverStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	planDate := r.URL.Query().Get("planDate")
	if planDate != "" {
		if _, err := time.Parse("2006-01-02", planDate); err != nil {
			writeFieldProblem(w, http.StatusBadRequest, "Invalid request", "expected YYYY-MM-DD", r.URL.Path, "planDate")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Stats.ForOwner(principal(r).OwnerID, planDate)})
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	items, err := s.Store.ListWebhookDeliveries(r.Context(), principal(r).OwnerID, r.URL.Query().Get("status"), limit)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Get()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
