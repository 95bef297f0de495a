package opt

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"crewroute/internal/model"
)

// EngineConfig bounds and tunes a single ALNS run.
type EngineConfig struct {
	MaxSolveTime            time.Duration
	MaxIterations           int // generation cap, 0 means time-bounded only
	Seed                    int64
	Objectives              map[string]float64 // weights: driveTime, distance, lateness, unassigned
	InitialTemp             float64            // initial temperature for SA
	Cooling                 float64            // cooling factor per iteration
	InitialRemovalWeights   []float64          // [random, shaw]
	InitialInsertionWeights []float64          // [greedy, regret2]
}

const (
	DefaultMaxSolveTime  = 2 * time.Second
	DefaultMaxIterations = 2000

	maxTwoOptPasses = 3
)

type Metrics struct {
	RemovalSelects [2]int // random, shaw
	InsertSelects  [2]int // greedy, regret2
	Iterations     int
	Improvements   int
	AcceptedWorse  int
	BestCost       float64
	FinalWeights   model.OperatorWeights
	Snapshots      []model.WeightSample
}

// Stats is the run summary attached to an optimizer solution.
func (m Metrics) Stats() *model.SearchStats {
	return &model.SearchStats{
		Iterations:       m.Iterations,
		Improvements:     m.Improvements,
		AcceptedWorse:    m.AcceptedWorse,
		BestCost:         m.BestCost,
		RemovalSelects:   m.RemovalSelects,
		InsertionSelects: m.InsertSelects,
		FinalWeights:     m.FinalWeights,
		WeightHistory:    m.Snapshots,
	}
}

// Unplaced is a stop the engine could not fit, with the reason code it was rejected for.
type Unplaced struct {
	Index  int
	Reason string
}

type EngineResult struct {
	Order      []int // stop indices in visiting order
	Unassigned []Unplaced
	Metrics    Metrics
}

type tour struct {
	order      []int
	unassigned []int
	cost       float64
}

func (t tour) clone() tour {
	return tour{
		order:      append([]int(nil), t.order...),
		unassigned: append([]int(nil), t.unassigned...),
		cost:       t.cost,
	}
}

type engine struct {
	p        model.RoutingProblem
	m        model.Matrix
	cfg      EngineConfig
	ctx      context.Context
	deadline time.Time
}

// expired reports whether the run is out of time. Every construction and local-search loop
// checks it so the time budget holds for large stop sets, not only between iterations.
func (e *engine) expired() bool {
	return e.ctx.Err() != nil || !time.Now().Before(e.deadline)
}

// timing is the outcome of walking an order from shift start.
type timing struct {
	feasible bool
	reason   string
	drive    float64
	dist     float64
	late     float64
}

// RunALNS searches for a visiting order on one crew under the problem's windows and shift.
// It stops at MaxSolveTime, MaxIterations or ctx cancellation and returns the best order found.
func RunALNS(ctx context.Context, p model.RoutingProblem, m model.Matrix, cfg EngineConfig) EngineResult {
	if cfg.MaxSolveTime <= 0 {
		cfg.MaxSolveTime = DefaultMaxSolveTime
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	e := &engine{p: p, m: m, cfg: cfg, ctx: ctx, deadline: time.Now().Add(cfg.MaxSolveTime)}

	curr := e.seed()
	best := curr.clone()
	remW := []float64{1, 1} // random, shaw
	insW := []float64{1, 1} // greedy, regret2
	if len(cfg.InitialRemovalWeights) == 2 {
		remW = []float64{cfg.InitialRemovalWeights[0], cfg.InitialRemovalWeights[1]}
	}
	if len(cfg.InitialInsertionWeights) == 2 {
		insW = []float64{cfg.InitialInsertionWeights[0], cfg.InitialInsertionWeights[1]}
	}
	temp := 1.0
	if cfg.InitialTemp > 0 {
		temp = cfg.InitialTemp
	}
	cool := 0.995
	if cfg.Cooling > 0 && cfg.Cooling < 1 {
		cool = cfg.Cooling
	}
	met := Metrics{BestCost: best.cost}
	snapshotEvery := 50

	for len(p.Stops) > 1 && !e.expired() {
		if cfg.MaxIterations > 0 && met.Iterations >= cfg.MaxIterations {
			break
		}
		met.Iterations++
		k := 1 + rng.Intn(min(3, len(p.Stops)))
		op := selectOp(remW, rng)
		met.RemovalSelects[op]++
		ip := selectOp(insW, rng)
		met.InsertSelects[ip]++

		cand := curr.clone()
		var removed []int
		switch op {
		case 0:
			removed = pickRandomStops(cand.order, k, rng)
		case 1:
			removed = e.shawRemoval(cand.order, k, rng)
		}
		cand.order = removeStops(cand.order, removed)
		// stops left out last time get another chance every iteration
		pending := append(removed, cand.unassigned...)
		cand.unassigned = nil
		switch ip {
		case 0:
			cand = e.greedyInsert(cand, pending)
		case 1:
			cand = e.regretInsert(cand, pending)
		}
		cand.order = e.twoOptFeasible(cand.order)
		cand.cost = e.cost(cand)

		delta := cand.cost - curr.cost
		if delta < 0 || rng.Float64() < math.Exp(-delta/(temp+1e-9)) {
			curr = cand
			if cand.cost < best.cost {
				best = cand.clone()
				remW[op] += 0.1
				insW[ip] += 0.1
				met.Improvements++
				met.BestCost = best.cost
			} else {
				remW[op] += 0.01
				insW[ip] += 0.01
				met.AcceptedWorse++
			}
		} else {
			remW[op] = math.Max(0.01, remW[op]*0.999)
			insW[ip] = math.Max(0.01, insW[ip]*0.999)
		}
		temp *= cool
		if met.Iterations%snapshotEvery == 0 {
			met.Snapshots = append(met.Snapshots, model.WeightSample{Iteration: met.Iterations, OperatorWeights: weightsOf(remW, insW)})
		}
	}
	met.BestCost = best.cost
	met.FinalWeights = weightsOf(remW, insW)

	res := EngineResult{Order: best.order, Metrics: met}
	sort.Ints(best.unassigned)
	for _, idx := range best.unassigned {
		res.Unassigned = append(res.Unassigned, Unplaced{Index: idx, Reason: e.unplacedReason(idx)})
	}
	return res
}

// seed inserts stops one at a time at their cheapest feasible position, earliest window
// first so tight appointments claim their slot. Out of time, the rest are appended.
func (e *engine) seed() tour {
	idx := make([]int, len(e.p.Stops))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return windowKey(e.p.Stops[idx[a]]) < windowKey(e.p.Stops[idx[b]])
	})
	var t tour
	for i, stop := range idx {
		if e.expired() {
			t = e.appendRest(t, idx[i:])
			break
		}
		pos, _, _ := e.bestPositions(t.order, stop)
		if pos < 0 {
			t.unassigned = append(t.unassigned, stop)
			continue
		}
		t.order = insertAt(t.order, stop, pos)
	}
	t.cost = e.cost(t)
	return t
}

// appendRest puts each stop at the end of the route when that stays feasible.
func (e *engine) appendRest(t tour, rest []int) tour {
	for _, stop := range rest {
		next := append(append([]int(nil), t.order...), stop)
		if e.simulate(next).feasible {
			t.order = next
		} else {
			t.unassigned = append(t.unassigned, stop)
		}
	}
	return t
}

func windowKey(s model.Stop) model.TimeOfDay {
	if s.Window == nil {
		return math.MaxInt32
	}
	return s.Window.End
}

// simulate walks order from shift start with the same per-leg rounding and break rule the
// schedule recomputation uses, so a feasible order here stays feasible once re-timed.
func (e *engine) simulate(order []int) timing {
	p, m := e.p, e.m
	t := timing{feasible: true}
	cursor := p.ShiftStart
	prev := 0
	breakTaken := p.Break == nil
	takeBreak := func(legSec int) {
		if breakTaken {
			return
		}
		b := p.Break
		if cursor < b.EarliestStart && cursor+model.Minutes(travelMinutes(legSec)) <= b.LatestStart {
			return
		}
		start := max(cursor, b.EarliestStart)
		if start > b.LatestStart && t.feasible {
			t.feasible, t.reason = false, ReasonBreakConflict
		}
		cursor = start + model.Minutes(int(b.DurationMinutes))
		breakTaken = true
	}
	for _, idx := range order {
		node := idx + 1
		if !m.Reachable(prev, node) {
			return timing{reason: ReasonLocationUnreachable}
		}
		legSec := m.Duration(prev, node)
		takeBreak(legSec)
		arrival := cursor + model.Minutes(travelMinutes(legSec))
		s := p.Stops[idx]
		if w := s.Window; w != nil {
			switch {
			case w.IsPoint():
				if arrival > w.Start {
					return timing{reason: ReasonTimeWindowViolated}
				}
			case w.Hard:
				if arrival > w.End {
					return timing{reason: ReasonTimeWindowViolated}
				}
			default:
				if arrival > w.End {
					t.late += float64(arrival - w.End)
				}
			}
			arrival = max(arrival, w.Start)
		}
		t.drive += float64(legSec)
		t.dist += float64(m.Distance(prev, node))
		cursor = arrival + model.Minutes(int(s.ServiceMinutes))
		prev = node
	}
	if len(order) > 0 {
		if !m.Reachable(prev, 0) {
			return timing{reason: ReasonLocationUnreachable}
		}
		legSec := m.Duration(prev, 0)
		takeBreak(legSec)
		cursor += model.Minutes(travelMinutes(legSec))
		t.drive += float64(legSec)
		t.dist += float64(m.Distance(prev, 0))
		if cursor > p.ShiftEnd {
			return timing{reason: ReasonShiftTimeExceeded}
		}
	}
	if !t.feasible {
		return timing{reason: t.reason}
	}
	return t
}

func (e *engine) weight(name string, def float64) float64 {
	if w, ok := e.cfg.Objectives[name]; ok {
		return w
	}
	return def
}

func (e *engine) cost(t tour) float64 {
	tm := e.simulate(t.order)
	if !tm.feasible {
		return math.Inf(1)
	}
	total := e.weight("driveTime", 1)*tm.drive + e.weight("distance", 0)*tm.dist + e.weight("lateness", 10)*tm.late
	failed := 0.0
	for _, idx := range t.unassigned {
		failed += 1 + float64(e.p.Stops[idx].Priority)
	}
	return total + e.weight("unassigned", 10)*failed*3600
}

func (e *engine) pathCost(order []int) float64 {
	tm := e.simulate(order)
	if !tm.feasible {
		return math.Inf(1)
	}
	return e.weight("driveTime", 1)*tm.drive + e.weight("distance", 0)*tm.dist + e.weight("lateness", 10)*tm.late
}

func insertAt(order []int, idx, pos int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, idx)
	return append(out, order[pos:]...)
}

// bestPositions returns the cheapest and second cheapest feasible insertion cost of idx.
func (e *engine) bestPositions(order []int, idx int) (pos int, best, second float64) {
	pos, best, second = -1, math.Inf(1), math.Inf(1)
	base := e.pathCost(order)
	for at := 0; at <= len(order); at++ {
		c := e.pathCost(insertAt(order, idx, at))
		if math.IsInf(c, 1) {
			continue
		}
		c -= base
		if c < best {
			second = best
			best, pos = c, at
		} else if c < second {
			second = c
		}
	}
	return pos, best, second
}

// greedyInsert places stops by cheapest feasible insertion; stops with no feasible slot stay unassigned.
func (e *engine) greedyInsert(t tour, pending []int) tour {
	nodes := append([]int(nil), pending...)
	for len(nodes) > 0 && !e.expired() {
		bestNode, bestPos := -1, -1
		bestCost := math.Inf(1)
		for ni, idx := range nodes {
			if e.expired() {
				break
			}
			pos, c, _ := e.bestPositions(t.order, idx)
			if pos >= 0 && c < bestCost {
				bestNode, bestPos, bestCost = ni, pos, c
			}
		}
		if bestNode == -1 {
			break
		}
		t.order = insertAt(t.order, nodes[bestNode], bestPos)
		nodes = append(nodes[:bestNode], nodes[bestNode+1:]...)
	}
	t.unassigned = append(t.unassigned, nodes...)
	return t
}

// regretInsert places first the stop whose second-best slot is much worse than its best.
func (e *engine) regretInsert(t tour, pending []int) tour {
	nodes := append([]int(nil), pending...)
	for len(nodes) > 0 && !e.expired() {
		bestNode, bestPos := -1, -1
		bestRegret := math.Inf(-1)
		for ni, idx := range nodes {
			if e.expired() {
				break
			}
			pos, c1, c2 := e.bestPositions(t.order, idx)
			if pos < 0 {
				continue
			}
			regret := c2 - c1
			if math.IsInf(c2, 1) {
				// only one slot left: take it before it disappears
				regret = math.MaxFloat64
			}
			if regret > bestRegret {
				bestNode, bestPos, bestRegret = ni, pos, regret
			}
		}
		if bestNode == -1 {
			break
		}
		t.order = insertAt(t.order, nodes[bestNode], bestPos)
		nodes = append(nodes[:bestNode], nodes[bestNode+1:]...)
	}
	t.unassigned = append(t.unassigned, nodes...)
	return t
}

// twoOptFeasible reverses segments while the tour gets cheaper and stays feasible, for at
// most maxTwoOptPasses passes.
func (e *engine) twoOptFeasible(order []int) []int {
	n := len(order)
	best := append([]int(nil), order...)
	bestCost := e.pathCost(best)
	improved := true
	for pass := 0; improved && pass < maxTwoOptPasses; pass++ {
		improved = false
		for i := 0; i < n-1 && !e.expired(); i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				c := e.pathCost(cand)
				if c+1e-6 < bestCost {
					best, bestCost = cand, c
					improved = true
				}
			}
		}
	}
	return best
}

func pickRandomStops(order []int, k int, rng *rand.Rand) []int {
	all := append([]int(nil), order...)
	var removed []int
	for i := 0; i < k && len(all) > 0; i++ {
		j := rng.Intn(len(all))
		removed = append(removed, all[j])
		all = append(all[:j], all[j+1:]...)
	}
	return removed
}

func removeStops(order []int, removed []int) []int {
	if len(removed) == 0 {
		return order
	}
	rm := make(map[int]bool, len(removed))
	for _, i := range removed {
		rm[i] = true
	}
	out := make([]int, 0, len(order))
	for _, idx := range order {
		if !rm[idx] {
			out = append(out, idx)
		}
	}
	return out
}

// shawRemoval selects k stops related to a random seed by travel time and window overlap.
func (e *engine) shawRemoval(order []int, k int, rng *rand.Rand) []int {
	if len(order) == 0 {
		return nil
	}
	seedIdx := order[rng.Intn(len(order))]
	type pair struct {
		idx   int
		score float64
	}
	var rel []pair
	sS := e.p.Stops[seedIdx]
	for _, idx := range order {
		if idx == seedIdx {
			continue
		}
		geo := float64(max(e.m.Duration(seedIdx+1, idx+1), 0))
		tw := 0.0
		if w := e.p.Stops[idx].Window; sS.Window != nil && w != nil {
			tw = twOverlap(*sS.Window, *w)
		}
		rel = append(rel, pair{idx: idx, score: geo - tw/10})
	}
	sort.Slice(rel, func(a, b int) bool { return rel[a].score < rel[b].score })
	removed := []int{seedIdx}
	for i := 0; i < len(rel) && len(removed) < k; i++ {
		removed = append(removed, rel[i].idx)
	}
	return removed
}

// twOverlap is the overlap of two windows in seconds.
func twOverlap(a, b model.TimeWindow) float64 {
	start := max(a.Start, b.Start)
	end := min(a.End, b.End)
	if end < start {
		return 0
	}
	return float64(end - start)
}

func weightsOf(rem, ins []float64) model.OperatorWeights {
	return model.OperatorWeights{Removal: [2]float64{rem[0], rem[1]}, Insertion: [2]float64{ins[0], ins[1]}}
}

func selectOp(weights []float64, rng *rand.Rand) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return 0
	}
	r := rng.Float64() * sum
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(weights) - 1
}

// unplacedReason explains why a stop is left out. A stop that fits on an empty route was
// crowded out by the others, reported against its own window when it has one.
func (e *engine) unplacedReason(idx int) string {
	if !e.m.Reachable(0, idx+1) || !e.m.Reachable(idx+1, 0) {
		return ReasonLocationUnreachable
	}
	if tm := e.simulate([]int{idx}); !tm.feasible {
		return tm.reason
	}
	if e.p.Stops[idx].Window != nil {
		return ReasonTimeWindowViolated
	}
	return ReasonShiftTimeExceeded
}
