package opt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crewroute/internal/model"
)

const (
	// DefaultTwoOptPasses bounds the improvement phase.
	DefaultTwoOptPasses = 100
	twoOptEpsilon       = 0.01
)

// HeuristicSolver builds a route without the optimizer: windowed stops first, nearest
// neighbour for the rest, then 2-opt. It always assigns every stop.
type HeuristicSolver struct {
	MaxPasses int
}

func (h HeuristicSolver) Name() string { return "heuristic" }

func (h HeuristicSolver) Solve(ctx context.Context, p model.RoutingProblem, m model.Matrix) (model.RouteSolution, error) {
	started := time.Now()
	if err := p.Validate(); err != nil {
		return model.RouteSolution{}, fmt.Errorf("heuristic solve: %w", err)
	}
	if err := m.Validate(len(p.Stops) + 1); err != nil {
		return model.RouteSolution{}, fmt.Errorf("heuristic solve: %w", err)
	}
	passes := h.MaxPasses
	if passes <= 0 {
		passes = DefaultTwoOptPasses
	}
	order := ConstructOrder(p, m)
	order = ImproveOrder2Opt(ctx, p, m, order, passes)

	sched := RecomputeSchedule(ScheduleInput{
		Stops:      StopsInProblemOrder(p, order),
		ShiftStart: p.ShiftStart,
		Break:      p.Break,
	}, m)

	warnings := append([]model.Warning(nil), sched.Warnings...)
	for k, ps := range sched.Stops {
		w := p.Stops[order[k]].Window
		if w != nil && ps.Arrival > w.End {
			warnings = append(warnings, model.Warning{
				Code:    model.WarnTimeWindowMissed,
				StopID:  ps.StopID,
				Minutes: w.End.MinutesUntil(ps.Arrival),
				Message: fmt.Sprintf("arrival %s misses window %s-%s", ps.Arrival, w.Start, w.End),
			})
		}
	}
	if sched.ReturnTime > p.ShiftEnd {
		warnings = append(warnings, model.Warning{
			Code:    model.WarnExceedsWorkHours,
			Minutes: p.ShiftEnd.MinutesUntil(sched.ReturnTime),
			Message: fmt.Sprintf("return to depot at %s is after shift end %s", sched.ReturnTime, p.ShiftEnd),
		})
	}

	sol := solutionFromSchedule(p, sched, h.Name())
	sol.Warnings = warnings
	sol.OptimizationScore = model.Score(warnings)
	sol.SolveTime = time.Since(started)
	return sol, nil
}

// ConstructOrder returns stop indices: hard-windowed stops by window start, then the rest
// by repeated nearest neighbour on matrix distance from the current tail.
func ConstructOrder(p model.RoutingProblem, m model.Matrix) []int {
	var windowed, free []int
	for i, s := range p.Stops {
		if s.Window != nil && s.Window.Hard {
			windowed = append(windowed, i)
		} else {
			free = append(free, i)
		}
	}
	sort.SliceStable(windowed, func(a, b int) bool {
		return p.Stops[windowed[a]].Window.Start < p.Stops[windowed[b]].Window.Start
	})

	order := make([]int, 0, len(p.Stops))
	order = append(order, windowed...)
	tail := 0
	if len(order) > 0 {
		tail = order[len(order)-1] + 1
	}
	used := make([]bool, len(free))
	for range free {
		best, bestDist := -1, 0
		for k, idx := range free {
			if used[k] {
				continue
			}
			d := m.Distance(tail, idx+1)
			if d < 0 {
				continue
			}
			if best == -1 || d < bestDist {
				best, bestDist = k, d
			}
		}
		if best == -1 {
			// only unreachable stops remain; keep their input order
			for k := range free {
				if !used[k] {
					best = k
					break
				}
			}
		}
		used[best] = true
		order = append(order, free[best])
		tail = free[best] + 1
	}
	return order
}

// ImproveOrder2Opt applies 2-opt over the closed tour depot -> order -> depot. A reversal is
// kept only when it shortens the tour by more than the epsilon and does not add missed windows.
func ImproveOrder2Opt(ctx context.Context, p model.RoutingProblem, m model.Matrix, order []int, passes int) []int {
	if passes <= 0 {
		passes = 1
	}
	best := append([]int(nil), order...)
	bestDist := routeDistance(m, best)
	bestMissed := missedWindows(p, m, best)
	n := len(best)
	for it := 0; it < passes; it++ {
		if ctx.Err() != nil {
			break
		}
		improved := false
		// edge i joins tour positions i and i+1, where position 0 and n+1 are the depot
		for i := 0; i <= n-2; i++ {
			for j := i + 2; j <= n; j++ {
				cand := twoOptSwap(best, i, j-1)
				d := routeDistance(m, cand)
				if float64(bestDist-d) <= twoOptEpsilon {
					continue
				}
				missed := missedWindows(p, m, cand)
				if missed > bestMissed {
					continue
				}
				best, bestDist, bestMissed = cand, d, missed
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	// reverse i..k
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

// routeDistance is the closed-tour distance for stop indices in order.
func routeDistance(m model.Matrix, order []int) int {
	if len(order) == 0 {
		return 0
	}
	total := 0
	prev := 0
	for _, idx := range order {
		total += max(m.Distance(prev, idx+1), 0)
		prev = idx + 1
	}
	return total + max(m.Distance(prev, 0), 0)
}

func missedWindows(p model.RoutingProblem, m model.Matrix, order []int) int {
	sched := RecomputeSchedule(ScheduleInput{
		Stops:      StopsInProblemOrder(p, order),
		ShiftStart: p.ShiftStart,
		Break:      p.Break,
	}, m)
	missed := 0
	for k, ps := range sched.Stops {
		if w := p.Stops[order[k]].Window; w != nil && ps.Arrival > w.End {
			missed++
		}
	}
	return missed
}

func solutionFromSchedule(p model.RoutingProblem, sched Schedule, algorithm string) model.RouteSolution {
	return model.RouteSolution{
		Stops:                sched.Stops,
		Break:                sched.Break,
		ReturnTime:           sched.ReturnTime,
		TotalDistanceMeters:  sched.TotalDistanceMeters,
		TotalDurationSeconds: sched.TotalDurationSeconds(p.ShiftStart),
		Unassigned:           []string{},
		Algorithm:            algorithm,
	}
}
