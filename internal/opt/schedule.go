package opt

import (
	"fmt"

	"crewroute/internal/model"
)

// ScheduleStop is one visit of an already ordered route.
type ScheduleStop struct {
	StopID     string
	CustomerID string
	// Node is the stop's index in the matrix passed to RecomputeSchedule.
	Node int
	// Window, when set, gives the scheduled start; the crew never starts service earlier.
	Window *model.TimeWindow
	// ServiceMinutes overrides every other source of the visit length.
	ServiceMinutes *uint
}

type ScheduleInput struct {
	Stops                 []ScheduleStop
	DepotNode             int
	ShiftStart            model.TimeOfDay
	DefaultServiceMinutes uint
	Break                 *model.BreakConfig
}

type Schedule struct {
	Stops               []model.PlannedStop
	ServiceMinutes      []uint
	Break               *model.PlannedBreak
	ReturnTime          model.TimeOfDay
	TotalDistanceMeters int
	TravelSeconds       int
	ServiceSeconds      int
	Warnings            []model.Warning
}

// TotalDurationSeconds is the span from shift start until the crew is back at the depot.
func (s Schedule) TotalDurationSeconds(shiftStart model.TimeOfDay) int {
	return int(s.ReturnTime - shiftStart)
}

// ResolveServiceMinutes picks the visit length: explicit override, then the length of an
// interval window, then the configured default.
func ResolveServiceMinutes(override *uint, w *model.TimeWindow, def uint) uint {
	if override != nil && *override > 0 {
		return *override
	}
	if w != nil && !w.IsPoint() && w.Length() > 0 {
		return uint(w.Length() / model.Minute)
	}
	return def
}

func travelMinutes(sec int) int {
	if sec <= 0 {
		return 0
	}
	return (sec + 59) / 60
}

// RecomputeSchedule re-times an ordered route without reordering it. The result depends
// only on its inputs so it can be re-run after every manual edit.
func RecomputeSchedule(in ScheduleInput, m model.Matrix) Schedule {
	out := Schedule{
		Stops:          make([]model.PlannedStop, 0, len(in.Stops)),
		ServiceMinutes: make([]uint, 0, len(in.Stops)),
	}
	cursor := in.ShiftStart
	prev := in.DepotNode
	breakTaken := in.Break == nil
	prevStopID := ""

	takeBreak := func(legSec int) {
		if breakTaken {
			return
		}
		b := in.Break
		if cursor < b.EarliestStart && cursor+model.Minutes(travelMinutes(legSec)) <= b.LatestStart {
			return
		}
		start := cursor
		if start < b.EarliestStart {
			start = b.EarliestStart
		}
		end := start + model.Minutes(int(b.DurationMinutes))
		out.Break = &model.PlannedBreak{Start: start, End: end, AfterStopID: prevStopID}
		if start > b.LatestStart {
			out.Warnings = append(out.Warnings, model.Warning{
				Code:    model.WarnBreakLate,
				StopID:  prevStopID,
				Minutes: b.LatestStart.MinutesUntil(start),
				Message: fmt.Sprintf("break starts at %s, after latest start %s", start, b.LatestStart),
			})
		}
		cursor = end
		breakTaken = true
	}

	for i, st := range in.Stops {
		legSec := m.Duration(prev, st.Node)
		takeBreak(legSec)
		legDist := m.Distance(prev, st.Node)
		if legDist < 0 {
			legDist = 0
		}
		earliest := cursor + model.Minutes(travelMinutes(legSec))
		arrival := earliest
		if st.Window != nil && st.Window.Start > arrival {
			arrival = st.Window.Start
		}
		service := ResolveServiceMinutes(st.ServiceMinutes, st.Window, in.DefaultServiceMinutes)
		departure := arrival + model.Minutes(int(service))

		out.Stops = append(out.Stops, model.PlannedStop{
			StopID:         st.StopID,
			CustomerID:     st.CustomerID,
			Order:          i + 1,
			Arrival:        arrival,
			Departure:      departure,
			WaitingMinutes: earliest.MinutesUntil(arrival),
			DistanceMeters: legDist,
			DurationSec:    max(legSec, 0),
		})
		out.ServiceMinutes = append(out.ServiceMinutes, service)
		out.TotalDistanceMeters += legDist
		out.TravelSeconds += max(legSec, 0)
		out.ServiceSeconds += int(service) * 60

		cursor = departure
		prev = st.Node
		prevStopID = st.StopID
	}

	if len(in.Stops) > 0 {
		legSec := m.Duration(prev, in.DepotNode)
		takeBreak(legSec)
		if d := m.Distance(prev, in.DepotNode); d > 0 {
			out.TotalDistanceMeters += d
		}
		out.TravelSeconds += max(legSec, 0)
		cursor += model.Minutes(travelMinutes(legSec))
	}
	out.ReturnTime = cursor
	return out
}

// StopsInProblemOrder builds schedule stops for the problem's stops visited in the given
// order of stop indices (not matrix indices).
func StopsInProblemOrder(p model.RoutingProblem, order []int) []ScheduleStop {
	out := make([]ScheduleStop, 0, len(order))
	for _, idx := range order {
		s := p.Stops[idx]
		svc := s.ServiceMinutes
		out = append(out, ScheduleStop{
			StopID:         s.ID,
			CustomerID:     s.CustomerID,
			Node:           idx + 1,
			Window:         s.Window,
			ServiceMinutes: &svc,
		})
	}
	return out
}
