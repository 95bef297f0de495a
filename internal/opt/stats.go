package opt

import (
	"sort"
	"sync"
	"time"

	"crewroute/internal/model"
)

// RunStats describes one finished solve for the admin view.
type RunStats struct {
	OwnerID    string             `json:"ownerId"`
	PlanDate   string             `json:"planDate"`
	Algorithm  string             `json:"algorithm"`
	Stops      int                `json:"stops"`
	Unassigned int                `json:"unassigned"`
	Score      int                `json:"score"`
	SolveTime  time.Duration      `json:"solveTimeNs"`
	Search     *model.SearchStats `json:"search,omitempty"`
	RecordedAt time.Time          `json:"recordedAt"`
}

type statsKey struct {
	Owner    string
	PlanDate string
	Algo     string
}

// StatsStore keeps the latest run per owner, plan date and algorithm.
type StatsStore struct {
	mu   sync.Mutex
	runs map[statsKey]RunStats
}

func NewStatsStore() *StatsStore {
	return &StatsStore{runs: map[statsKey]RunStats{}}
}

func (s *StatsStore) Record(st RunStats) {
	if st.RecordedAt.IsZero() {
		st.RecordedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.runs[statsKey{Owner: st.OwnerID, PlanDate: st.PlanDate, Algo: st.Algorithm}] = st
	s.mu.Unlock()
}

// RecordSolution is Record for a solution straight from a Solver.
func (s *StatsStore) RecordSolution(owner, planDate string, stops int, sol model.RouteSolution) {
	s.Record(RunStats{
		OwnerID:    owner,
		PlanDate:   planDate,
		Algorithm:  sol.Algorithm,
		Stops:      stops,
		Unassigned: len(sol.Unassigned),
		Score:      sol.OptimizationScore,
		SolveTime:  sol.SolveTime,
		Search:     sol.Search,
	})
}

// ForOwner lists the owner's runs, newest first. An empty planDate matches every date.
func (s *StatsStore) ForOwner(owner, planDate string) []RunStats {
	s.mu.Lock()
	out := make([]RunStats, 0)
	for k, v := range s.runs {
		if k.Owner == owner && (planDate == "" || k.PlanDate == planDate) {
			out = append(out, v)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out
}
