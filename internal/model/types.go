package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Core routing types shared by the planner, the job pipeline and the API.

var ErrInvalidProblem = errors.New("invalid routing problem")

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (c Coordinates) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return fmt.Errorf("coordinates must be finite: %v,%v", c.Lat, c.Lng)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", c.Lng)
	}
	return nil
}

// WindowKind discriminates interval windows from fixed appointment instants.
type WindowKind string

const (
	WindowInterval WindowKind = "interval"
	WindowPoint    WindowKind = "point"
)

// TimeWindow is either an interval [Start, End] or a point where Start == End and the
// crew must be on site at exactly that instant. Point windows are always hard and are
// never widened by the arrival buffer.
type TimeWindow struct {
	Kind  WindowKind `json:"kind"`
	Start TimeOfDay  `json:"start"`
	End   TimeOfDay  `json:"end"`
	Hard  bool       `json:"hard"`
}

func Interval(start, end TimeOfDay, hard bool) TimeWindow {
	return TimeWindow{Kind: WindowInterval, Start: start, End: end, Hard: hard}
}

func Point(at TimeOfDay) TimeWindow {
	return TimeWindow{Kind: WindowPoint, Start: at, End: at, Hard: true}
}

func (w TimeWindow) IsPoint() bool { return w.Kind == WindowPoint }

// IsHardInterval reports whether the window is a regular hard range, the only kind the
// arrival buffer adjusts.
func (w TimeWindow) IsHardInterval() bool { return w.Kind != WindowPoint && w.Hard }

func (w TimeWindow) Length() TimeOfDay { return w.End - w.Start }

func (w TimeWindow) Validate() error {
	switch w.Kind {
	case WindowPoint:
		if w.Start != w.End {
			return fmt.Errorf("point window must have start == end, got %s-%s", w.Start, w.End)
		}
	case WindowInterval:
		if w.End < w.Start {
			return fmt.Errorf("time window end %s before start %s", w.End, w.Start)
		}
	default:
		return fmt.Errorf("unknown time window kind %q", w.Kind)
	}
	return nil
}

func (w *TimeWindow) UnmarshalJSON(b []byte) error {
	type raw struct {
		Kind  WindowKind `json:"kind"`
		Start TimeOfDay  `json:"start"`
		End   TimeOfDay  `json:"end"`
		At    *TimeOfDay `json:"at,omitempty"`
		Hard  *bool      `json:"hard,omitempty"`
	}
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if r.At != nil {
		r.Kind, r.Start, r.End = WindowPoint, *r.At, *r.At
	}
	if r.Kind == "" {
		// Older records carry no kind; an empty range there always meant a fixed appointment.
		if r.Start == r.End {
			r.Kind = WindowPoint
		} else {
			r.Kind = WindowInterval
		}
	}
	hard := true
	if r.Hard != nil {
		hard = *r.Hard
	}
	if r.Kind == WindowPoint {
		if r.End != 0 && r.End != r.Start {
			return fmt.Errorf("point window must have start == end, got %s-%s", r.Start, r.End)
		}
		*w = Point(r.Start)
		return nil
	}
	*w = Interval(r.Start, r.End, hard)
	return w.Validate()
}

type BreakConfig struct {
	EarliestStart   TimeOfDay `json:"earliestStart"`
	LatestStart     TimeOfDay `json:"latestStart"`
	DurationMinutes uint      `json:"durationMinutes"`
}

func (b BreakConfig) Validate() error {
	if b.LatestStart < b.EarliestStart {
		return fmt.Errorf("break latest start %s before earliest start %s", b.LatestStart, b.EarliestStart)
	}
	if b.DurationMinutes == 0 {
		return errors.New("break duration must be > 0")
	}
	return nil
}

type Stop struct {
	ID             string      `json:"id"`
	CustomerID     string      `json:"customerId"`
	Name           string      `json:"name,omitempty"`
	Location       Coordinates `json:"location"`
	ServiceMinutes uint        `json:"serviceMinutes"`
	Window         *TimeWindow `json:"timeWindow,omitempty"`
	Priority       uint        `json:"priority,omitempty"`
}

// ArrivalBuffer is the crew's arrive-early margin: a share of the average incoming travel
// time plus a fixed number of minutes.
type ArrivalBuffer struct {
	Percent      float64 `json:"percent"`
	FixedMinutes uint    `json:"fixedMinutes"`
}

// RoutingProblem is one crew's day. Matrix index 0 is the depot and stop i sits at index i+1.
type RoutingProblem struct {
	Depot      Coordinates   `json:"depot"`
	Stops      []Stop        `json:"stops"`
	ShiftStart TimeOfDay     `json:"shiftStart"`
	ShiftEnd   TimeOfDay     `json:"shiftEnd"`
	Break      *BreakConfig  `json:"break,omitempty"`
	Buffer     ArrivalBuffer `json:"arrivalBuffer"`
}

func (p RoutingProblem) Validate() error {
	if err := p.Depot.Validate(); err != nil {
		return fmt.Errorf("%w: depot: %v", ErrInvalidProblem, err)
	}
	if p.ShiftEnd <= p.ShiftStart {
		return fmt.Errorf("%w: shift end %s must be after shift start %s", ErrInvalidProblem, p.ShiftEnd, p.ShiftStart)
	}
	if p.Break != nil {
		if err := p.Break.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProblem, err)
		}
	}
	if p.Buffer.Percent < 0 || math.IsNaN(p.Buffer.Percent) {
		return fmt.Errorf("%w: arrival buffer percent must be >= 0", ErrInvalidProblem)
	}
	seen := make(map[string]struct{}, len(p.Stops))
	for _, s := range p.Stops {
		if s.ID == "" {
			return fmt.Errorf("%w: stop without id", ErrInvalidProblem)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate stop id %q", ErrInvalidProblem, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.ServiceMinutes == 0 {
			return fmt.Errorf("%w: stop %s: service duration must be > 0", ErrInvalidProblem, s.ID)
		}
		if err := s.Location.Validate(); err != nil {
			return fmt.Errorf("%w: stop %s: %v", ErrInvalidProblem, s.ID, err)
		}
		if s.Window != nil {
			if err := s.Window.Validate(); err != nil {
				return fmt.Errorf("%w: stop %s: %v", ErrInvalidProblem, s.ID, err)
			}
		}
	}
	return nil
}

// Locations returns the depot followed by every stop, the order matrices are built in.
func (p RoutingProblem) Locations() []Coordinates {
	out := make([]Coordinates, 0, len(p.Stops)+1)
	out = append(out, p.Depot)
	for _, s := range p.Stops {
		out = append(out, s.Location)
	}
	return out
}

// Matrix holds travel distance (meters) and duration (seconds) between locations.
// A negative entry means the pair is unreachable.
type Matrix struct {
	Distances [][]int `json:"distances"`
	Durations [][]int `json:"durations"`
}

func NewMatrix(n int) Matrix {
	m := Matrix{Distances: make([][]int, n), Durations: make([][]int, n)}
	for i := 0; i < n; i++ {
		m.Distances[i] = make([]int, n)
		m.Durations[i] = make([]int, n)
	}
	return m
}

func (m Matrix) Size() int { return len(m.Durations) }

func (m Matrix) Distance(i, j int) int { return m.Distances[i][j] }
func (m Matrix) Duration(i, j int) int { return m.Durations[i][j] }

func (m Matrix) Reachable(i, j int) bool {
	return m.Distances[i][j] >= 0 && m.Durations[i][j] >= 0
}

func (m Matrix) Validate(n int) error {
	if len(m.Distances) != n || len(m.Durations) != n {
		return fmt.Errorf("%w: matrix size %dx%d, want %d", ErrInvalidProblem, len(m.Distances), len(m.Durations), n)
	}
	for i := 0; i < n; i++ {
		if len(m.Distances[i]) != n || len(m.Durations[i]) != n {
			return fmt.Errorf("%w: matrix row %d is not length %d", ErrInvalidProblem, i, n)
		}
		if m.Distances[i][i] != 0 || m.Durations[i][i] != 0 {
			return fmt.Errorf("%w: matrix diagonal at %d is not zero", ErrInvalidProblem, i)
		}
	}
	return nil
}

type PlannedStop struct {
	StopID         string    `json:"stopId"`
	CustomerID     string    `json:"customerId"`
	Order          int       `json:"order"`
	Arrival        TimeOfDay `json:"arrivalTime"`
	Departure      TimeOfDay `json:"departureTime"`
	WaitingMinutes int       `json:"waitingMinutes"`
	DistanceMeters int       `json:"legDistanceMeters"`
	DurationSec    int       `json:"legDurationSeconds"`
}

type PlannedBreak struct {
	Start       TimeOfDay `json:"start"`
	End         TimeOfDay `json:"end"`
	AfterStopID string    `json:"afterStopId,omitempty"`
}

type WarningCode string

const (
	WarnLateArrival        WarningCode = "LATE_ARRIVAL"
	WarnInsufficientBuffer WarningCode = "INSUFFICIENT_BUFFER"
	WarnTimeWindowMissed   WarningCode = "TIME_WINDOW_MISSED"
	WarnExceedsWorkHours   WarningCode = "EXCEEDS_WORKING_HOURS"
	WarnRoutingFallback    WarningCode = "ROUTING_FALLBACK"
	WarnUnassigned         WarningCode = "UNASSIGNED"
	WarnBreakLate          WarningCode = "BREAK_LATE"
)

type Warning struct {
	Code    WarningCode `json:"code"`
	StopID  string      `json:"stopId,omitempty"`
	Minutes int         `json:"minutes,omitempty"`
	Message string      `json:"message"`
}

// SearchStats summarises an optimizer run. Heuristic solutions carry none.
type SearchStats struct {
	Iterations    int     `json:"iterations"`
	Improvements  int     `json:"improvements"`
	AcceptedWorse int     `json:"acceptedWorse"`
	BestCost      float64 `json:"bestCost"`
	// operator order is [random, shaw] for removal and [greedy, regret2] for insertion
	RemovalSelects   [2]int          `json:"removalSelects"`
	InsertionSelects [2]int          `json:"insertionSelects"`
	FinalWeights     OperatorWeights `json:"finalWeights"`
	WeightHistory    []WeightSample  `json:"weightHistory,omitempty"`
}

type OperatorWeights struct {
	Removal   [2]float64 `json:"removal"`
	Insertion [2]float64 `json:"insertion"`
}

// WeightSample is the adaptive operator weights after a given iteration.
type WeightSample struct {
	Iteration int `json:"iteration"`
	OperatorWeights
}

type RouteSolution struct {
	Stops                []PlannedStop `json:"stops"`
	Break                *PlannedBreak `json:"break,omitempty"`
	ReturnTime           TimeOfDay     `json:"returnTime"`
	TotalDistanceMeters  int           `json:"totalDistanceMeters"`
	TotalDurationSeconds int           `json:"totalDurationSeconds"`
	OptimizationScore    int           `json:"optimizationScore"`
	Warnings             []Warning     `json:"warnings"`
	Unassigned           []string      `json:"unassigned"`
	Algorithm            string        `json:"algorithm"`
	SolveTime            time.Duration `json:"solveTimeNs"`
	Search               *SearchStats  `json:"search,omitempty"`
}

// Score starts at 100 and subtracts per violation: 20 for a missed or late window,
// 15 for running over working hours, 5 for anything else. Never below 0.
func Score(warnings []Warning) int {
	score := 100
	for _, w := range warnings {
		switch w.Code {
		case WarnTimeWindowMissed, WarnLateArrival:
			score -= 20
		case WarnExceedsWorkHours:
			score -= 15
		default:
			score -= 5
		}
	}
	if score < 0 {
		return 0
	}
	return score
}
