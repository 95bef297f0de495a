package opt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crewroute/internal/model"
)

// Solver turns a routing problem and its matrix into an ordered, timed route.
type Solver interface {
	Name() string
	Solve(ctx context.Context, p model.RoutingProblem, m model.Matrix) (model.RouteSolution, error)
}

var ErrUnknownAlgorithm = errors.New("unknown algorithm")

const (
	AlgorithmAuto      = "auto"
	AlgorithmOptimizer = "optimizer"
	AlgorithmHeuristic = "heuristic"
)

// OptimizerSolver buffers the windows, runs the ALNS engine on the buffered problem, re-times the
// chosen order and checks it against the windows the customers agreed to.
type OptimizerSolver struct {
	Config EngineConfig
}

func (o OptimizerSolver) Name() string { return AlgorithmOptimizer }

func (o OptimizerSolver) Solve(ctx context.Context, p model.RoutingProblem, m model.Matrix) (model.RouteSolution, error) {
	started := time.Now()
	if err := p.Validate(); err != nil {
		return model.RouteSolution{}, fmt.Errorf("optimizer solve: %w", err)
	}
	if err := m.Validate(len(p.Stops) + 1); err != nil {
		return model.RouteSolution{}, fmt.Errorf("optimizer solve: %w", err)
	}
	bp := ApplyArrivalBuffer(p, m)
	res := RunALNS(ctx, bp.Problem, m, o.Config)

	sched := RecomputeSchedule(ScheduleInput{
		Stops:      StopsInProblemOrder(bp.Problem, res.Order),
		ShiftStart: p.ShiftStart,
		Break:      p.Break,
	}, m)
	sol := solutionFromSchedule(p, sched, o.Name())

	warnings := append([]model.Warning(nil), sched.Warnings...)
	warnings = append(warnings, ValidateArrivals(p, sol)...)
	if sched.ReturnTime > p.ShiftEnd {
		warnings = append(warnings, model.Warning{
			Code:    model.WarnExceedsWorkHours,
			Minutes: p.ShiftEnd.MinutesUntil(sched.ReturnTime),
			Message: fmt.Sprintf("return to depot at %s is after shift end %s", sched.ReturnTime, p.ShiftEnd),
		})
	}
	for _, u := range res.Unassigned {
		id := p.Stops[u.Index].ID
		sol.Unassigned = append(sol.Unassigned, id)
		warnings = append(warnings, model.Warning{
			Code:    model.WarnUnassigned,
			StopID:  id,
			Message: DescribeUnassigned(u.Reason),
		})
	}
	sol.Warnings = warnings
	sol.OptimizationScore = model.Score(warnings)
	sol.Search = res.Metrics.Stats()
	sol.SolveTime = time.Since(started)
	return sol, nil
}

// AutoSolver prefers the optimizer and falls back to the heuristic for large stop sets or
// when the optimizer fails.
type AutoSolver struct {
	Optimizer Solver
	Fallback  Solver
	// MaxOptimizerStops routes larger problems straight to the fallback. 0 means no limit.
	MaxOptimizerStops int
}

func (a AutoSolver) Name() string { return AlgorithmAuto }

func (a AutoSolver) Solve(ctx context.Context, p model.RoutingProblem, m model.Matrix) (model.RouteSolution, error) {
	if a.MaxOptimizerStops > 0 && len(p.Stops) > a.MaxOptimizerStops {
		return a.Fallback.Solve(ctx, p, m)
	}
	sol, err := a.Optimizer.Solve(ctx, p, m)
	if err == nil {
		return sol, nil
	}
	if errors.Is(err, model.ErrInvalidProblem) || ctx.Err() != nil {
		return model.RouteSolution{}, err
	}
	return a.Fallback.Solve(ctx, p, m)
}

// Solvers holds one solver per algorithm name.
type Solvers map[string]Solver

// NewSolvers wires the three algorithms from one engine configuration.
func NewSolvers(cfg EngineConfig, maxOptimizerStops int) Solvers {
	h := HeuristicSolver{}
	o := OptimizerSolver{Config: cfg}
	return Solvers{
		AlgorithmHeuristic: h,
		AlgorithmOptimizer: o,
		AlgorithmAuto:      AutoSolver{Optimizer: o, Fallback: h, MaxOptimizerStops: maxOptimizerStops},
	}
}

// Select returns the solver for name; an empty name selects def.
func (s Solvers) Select(name, def string) (Solver, error) {
	if name == "" {
		name = def
	}
	if sv, ok := s[name]; ok {
		return sv, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}
