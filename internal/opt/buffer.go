package opt

import (
	"fmt"

	"crewroute/internal/model"
)

type BufferConfig = model.ArrivalBuffer

// AverageIncoming is the mean travel time in seconds from every other location to i.
func AverageIncoming(m model.Matrix, i int) float64 {
	n := m.Size()
	if n < 2 {
		return 0
	}
	total, count := 0.0, 0
	for j := 0; j < n; j++ {
		if j == i || m.Durations[j][i] < 0 {
			continue
		}
		total += float64(m.Durations[j][i])
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// AdaptWindow moves the start of a hard interval window earlier by the buffer. The end is
// never touched. Point and soft windows come back unchanged.
func AdaptWindow(w model.TimeWindow, avgIncomingSeconds float64, cfg BufferConfig) model.TimeWindow {
	if !w.IsHardInterval() {
		return w
	}
	pct := max(cfg.Percent, 0)
	buf := avgIncomingSeconds*pct/100 + float64(cfg.FixedMinutes)*60
	start := w.Start - model.TimeOfDay(buf)
	if start < 0 {
		start = 0
	}
	w.Start = start
	return w
}

// BufferedProblem pairs the solver-facing problem with the windows the customer agreed to.
type BufferedProblem struct {
	Problem  model.RoutingProblem
	Original []*model.TimeWindow
}

// ApplyArrivalBuffer returns a copy of p whose hard interval windows start earlier by the
// problem's buffer. Stop i is expected at matrix index i+1.
func ApplyArrivalBuffer(p model.RoutingProblem, m model.Matrix) BufferedProblem {
	cfg := p.Buffer
	out := p
	out.Stops = make([]model.Stop, len(p.Stops))
	orig := make([]*model.TimeWindow, len(p.Stops))
	for i, s := range p.Stops {
		orig[i] = s.Window
		if s.Window != nil {
			adapted := AdaptWindow(*s.Window, AverageIncoming(m, i+1), cfg)
			s.Window = &adapted
		}
		out.Stops[i] = s
	}
	return BufferedProblem{Problem: out, Original: orig}
}

// ValidateArrivals checks planned arrivals against the original hard windows.
// A buffer that absorbed the travel error leaves arrival at or before window start.
func ValidateArrivals(original model.RoutingProblem, sol model.RouteSolution) []model.Warning {
	byID := make(map[string]*model.TimeWindow, len(original.Stops))
	for i := range original.Stops {
		byID[original.Stops[i].ID] = original.Stops[i].Window
	}
	var out []model.Warning
	for _, ps := range sol.Stops {
		w := byID[ps.StopID]
		if w == nil || !w.Hard {
			continue
		}
		switch {
		case ps.Arrival > w.End:
			out = append(out, model.Warning{
				Code:    model.WarnLateArrival,
				StopID:  ps.StopID,
				Minutes: w.End.MinutesUntil(ps.Arrival),
				Message: fmt.Sprintf("arrival %s is after window end %s", ps.Arrival, w.End),
			})
		case ps.Arrival > w.Start:
			late := w.Start.MinutesUntil(ps.Arrival)
			out = append(out, model.Warning{
				Code:    model.WarnInsufficientBuffer,
				StopID:  ps.StopID,
				Minutes: late,
				Message: fmt.Sprintf("arrival %s is %d min after window start %s; buffer was not enough", ps.Arrival, late, w.Start),
			})
		}
	}
	return out
}

// Reason codes reported for stops the optimizer could not place.
const (
	ReasonCapacityExceeded    = "CAPACITY_EXCEEDED"
	ReasonTimeWindowViolated  = "TIME_WINDOW_VIOLATED"
	ReasonShiftTimeExceeded   = "SHIFT_TIME_EXCEEDED"
	ReasonLocationUnreachable = "LOCATION_UNREACHABLE"
	ReasonBreakConflict       = "BREAK_CONFLICT"
	ReasonNoVehicle           = "NO_VEHICLE"
)

var unassignedText = map[string]string{
	ReasonCapacityExceeded:    "crew capacity exceeded",
	ReasonTimeWindowViolated:  "time window cannot be met",
	ReasonShiftTimeExceeded:   "visit does not fit within working hours",
	ReasonLocationUnreachable: "location is unreachable by road",
	ReasonBreakConflict:       "visit conflicts with the required break",
	ReasonNoVehicle:           "no crew available",
}

// DescribeUnassigned maps a solver reason code to display text. Unknown codes are returned as is.
func DescribeUnassigned(code string) string {
	if s, ok := unassignedText[code]; ok {
		return s
	}
	return code
}
