package opt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewroute/internal/model"
)

func testEngine() EngineConfig {
	return EngineConfig{MaxSolveTime: 500 * time.Millisecond, MaxIterations: 150, Seed: 1}
}

func TestOptimizerHonoursWindows(t *testing.T) {
	morning := model.Interval(tod("09:00"), tod("10:00"), true)
	appt := model.Point(tod("13:00"))
	p := dayProblem(
		model.Stop{ID: "appt", Location: model.Coordinates{Lat: 50.05, Lng: 14.05}, ServiceMinutes: 30, Window: &appt},
		model.Stop{ID: "free", Location: model.Coordinates{Lat: 50.02, Lng: 14.02}, ServiceMinutes: 20},
		model.Stop{ID: "morning", Location: model.Coordinates{Lat: 50.08, Lng: 14.01}, ServiceMinutes: 45, Window: &morning},
	)
	p.Buffer = model.ArrivalBuffer{Percent: 10, FixedMinutes: 5}

	sol, err := OptimizerSolver{Config: testEngine()}.Solve(context.Background(), p, lineMatrix(p.Locations()))
	require.NoError(t, err)
	require.Len(t, sol.Stops, 3)
	assert.Empty(t, sol.Unassigned)
	assert.Equal(t, "optimizer", sol.Algorithm)
	require.NotNil(t, sol.Search)

	byID := map[string]model.PlannedStop{}
	for _, ps := range sol.Stops {
		byID[ps.StopID] = ps
	}
	assert.Equal(t, tod("13:00"), byID["appt"].Arrival, "point window must be met exactly")
	assert.LessOrEqual(t, byID["morning"].Arrival, tod("10:00"))
	// the buffer lets the crew arrive before the agreed start
	assert.Less(t, byID["morning"].Arrival, tod("09:00"))
	for _, w := range sol.Warnings {
		assert.NotEqual(t, model.WarnLateArrival, w.Code)
		assert.NotEqual(t, model.WarnInsufficientBuffer, w.Code)
	}
	assert.Equal(t, 100, sol.OptimizationScore)
}

func TestOptimizerReportsUnassigned(t *testing.T) {
	p := dayProblem(
		model.Stop{ID: "ok", Location: model.Coordinates{Lat: 50.02, Lng: 14.02}, ServiceMinutes: 20},
		model.Stop{ID: "island", Location: model.Coordinates{Lat: 50.03, Lng: 14.03}, ServiceMinutes: 20},
	)
	m := lineMatrix(p.Locations())
	for i := 0; i < m.Size(); i++ {
		if i != 2 {
			m.Durations[i][2], m.Distances[i][2] = -1, -1
			m.Durations[2][i], m.Distances[2][i] = -1, -1
		}
	}
	sol, err := OptimizerSolver{Config: testEngine()}.Solve(context.Background(), p, m)
	require.NoError(t, err)
	require.Len(t, sol.Stops, 1)
	assert.Equal(t, "ok", sol.Stops[0].StopID)
	assert.Equal(t, []string{"island"}, sol.Unassigned)

	var found bool
	for _, w := range sol.Warnings {
		if w.Code == model.WarnUnassigned && w.StopID == "island" {
			found = true
			assert.Equal(t, DescribeUnassigned(ReasonLocationUnreachable), w.Message)
		}
	}
	assert.True(t, found, "missing UNASSIGNED warning: %+v", sol.Warnings)
	assert.Equal(t, 95, sol.OptimizationScore)
}

func TestEngineUnplacedReasons(t *testing.T) {
	missed := model.Interval(tod("08:00"), tod("08:01"), true)
	p := dayProblem(
		model.Stop{ID: "too-early", Location: model.Coordinates{Lat: 50.3, Lng: 14.3}, ServiceMinutes: 10, Window: &missed},
		model.Stop{ID: "too-long", Location: model.Coordinates{Lat: 50.01, Lng: 14.01}, ServiceMinutes: 600},
	)
	res := RunALNS(context.Background(), p, lineMatrix(p.Locations()), testEngine())
	require.Len(t, res.Unassigned, 2)
	reasons := map[int]string{}
	for _, u := range res.Unassigned {
		reasons[u.Index] = u.Reason
	}
	assert.Equal(t, ReasonTimeWindowViolated, reasons[0])
	assert.Equal(t, ReasonShiftTimeExceeded, reasons[1])
}

func TestEngineRespectsContext(t *testing.T) {
	rng := newTestRand()
	p := randomProblem(rng, 12)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	started := time.Now()
	res := RunALNS(ctx, p, lineMatrix(p.Locations()), EngineConfig{MaxSolveTime: time.Minute})
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Zero(t, res.Metrics.Iterations)
	assert.Equal(t, len(p.Stops), len(res.Order)+len(res.Unassigned))
}

func TestOptimizerKeepsTimeBudgetOnLargePlans(t *testing.T) {
	rng := newTestRand()
	stops := make([]model.Stop, 200)
	for i := range stops {
		stops[i] = model.Stop{
			ID:             fmt.Sprintf("s%d", i),
			Location:       model.Coordinates{Lat: 50 + rng.Float64()*0.2, Lng: 14 + rng.Float64()*0.2},
			ServiceMinutes: 2,
		}
	}
	p := dayProblem(stops...)
	m := lineMatrix(p.Locations())

	budget := 300 * time.Millisecond
	started := time.Now()
	sol, err := OptimizerSolver{Config: EngineConfig{MaxSolveTime: budget, Seed: 3}}.Solve(context.Background(), p, m)
	elapsed := time.Since(started)
	require.NoError(t, err)
	assert.Less(t, elapsed, budget+time.Second, "solve took %s", elapsed)
	assert.Equal(t, len(stops), len(sol.Stops)+len(sol.Unassigned))
}

func TestEngineIterationCap(t *testing.T) {
	p := randomProblem(newTestRand(), 6)
	res := RunALNS(context.Background(), p, lineMatrix(p.Locations()), EngineConfig{MaxSolveTime: time.Minute, MaxIterations: 25, Seed: 9})
	assert.Equal(t, 25, res.Metrics.Iterations)
	assert.Equal(t, len(p.Stops), len(res.Order)+len(res.Unassigned))

	st := res.Metrics.Stats()
	assert.Equal(t, 25, st.RemovalSelects[0]+st.RemovalSelects[1])
	assert.Equal(t, 25, st.InsertionSelects[0]+st.InsertionSelects[1])
	for _, w := range append(st.FinalWeights.Removal[:], st.FinalWeights.Insertion[:]...) {
		assert.Greater(t, w, 0.0)
	}
	assert.Empty(t, st.WeightHistory, "samples are taken every 50 iterations")
}

func TestEngineWeightHistory(t *testing.T) {
	p := randomProblem(newTestRand(), 6)
	res := RunALNS(context.Background(), p, lineMatrix(p.Locations()), EngineConfig{MaxSolveTime: time.Minute, MaxIterations: 120, Seed: 9})
	st := res.Metrics.Stats()
	require.Len(t, st.WeightHistory, 2)
	assert.Equal(t, 50, st.WeightHistory[0].Iteration)
	assert.Equal(t, 100, st.WeightHistory[1].Iteration)
	assert.Equal(t, res.Metrics.BestCost, st.BestCost)
}

type spySolver struct {
	name  string
	err   error
	calls int
}

func (s *spySolver) Name() string { return s.name }

func (s *spySolver) Solve(context.Context, model.RoutingProblem, model.Matrix) (model.RouteSolution, error) {
	s.calls++
	if s.err != nil {
		return model.RouteSolution{}, s.err
	}
	return model.RouteSolution{Algorithm: s.name}, nil
}

func TestAutoSolver(t *testing.T) {
	p := dayProblem(model.Stop{ID: "a"}, model.Stop{ID: "b"}, model.Stop{ID: "c"})

	opt, heur := &spySolver{name: "optimizer"}, &spySolver{name: "heuristic"}
	sol, err := AutoSolver{Optimizer: opt, Fallback: heur, MaxOptimizerStops: 2}.Solve(context.Background(), p, model.Matrix{})
	require.NoError(t, err)
	assert.Equal(t, "heuristic", sol.Algorithm)
	assert.Zero(t, opt.calls)

	opt, heur = &spySolver{name: "optimizer", err: errors.New("engine crashed")}, &spySolver{name: "heuristic"}
	sol, err = AutoSolver{Optimizer: opt, Fallback: heur}.Solve(context.Background(), p, model.Matrix{})
	require.NoError(t, err)
	assert.Equal(t, "heuristic", sol.Algorithm)

	opt, heur = &spySolver{name: "optimizer", err: model.ErrInvalidProblem}, &spySolver{name: "heuristic"}
	_, err = AutoSolver{Optimizer: opt, Fallback: heur}.Solve(context.Background(), p, model.Matrix{})
	assert.ErrorIs(t, err, model.ErrInvalidProblem)
	assert.Zero(t, heur.calls)
}

func TestSolversSelect(t *testing.T) {
	s := NewSolvers(testEngine(), 40)
	sv, err := s.Select("", AlgorithmAuto)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmAuto, sv.Name())
	sv, err = s.Select(AlgorithmHeuristic, AlgorithmAuto)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmHeuristic, sv.Name())
	_, err = s.Select("genetic", AlgorithmAuto)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestStatsStore(t *testing.T) {
	s := NewStatsStore()
	s.RecordSolution("t1", "2026-03-02", 4, model.RouteSolution{Algorithm: "optimizer", OptimizationScore: 90, Unassigned: []string{"x"}})
	s.Record(RunStats{OwnerID: "t1", PlanDate: "2026-03-03", Algorithm: "heuristic", RecordedAt: time.Now().Add(time.Minute)})
	s.Record(RunStats{OwnerID: "t2", PlanDate: "2026-03-02", Algorithm: "heuristic"})

	all := s.ForOwner("t1", "")
	require.Len(t, all, 2)
	assert.Equal(t, "2026-03-03", all[0].PlanDate)

	day := s.ForOwner("t1", "2026-03-02")
	require.Len(t, day, 1)
	assert.Equal(t, 1, day[0].Unassigned)
	assert.Equal(t, 4, day[0].Stops)
}
