package opt

import (
	"fmt"
	"sort"

	"crewroute/internal/model"
)

const slotStep = 15 * model.Minute

type InsertionStatus string

const (
	InsertionOK       InsertionStatus = "ok"
	InsertionTight    InsertionStatus = "tight"
	InsertionConflict InsertionStatus = "conflict"
)

// RouteStop is a visit already on the route. Arrival and Departure are optional.
type RouteStop struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Location       model.Coordinates `json:"location"`
	Node           int               `json:"-"`
	Arrival        *model.TimeOfDay  `json:"arrivalTime,omitempty"`
	Departure      *model.TimeOfDay  `json:"departureTime,omitempty"`
	Window         *model.TimeWindow `json:"timeWindow,omitempty"`
	ServiceMinutes uint              `json:"serviceMinutes"`
}

type Candidate struct {
	Location       model.Coordinates `json:"location"`
	ServiceMinutes uint              `json:"serviceMinutes"`
	Node           int               `json:"-"`
}

type InsertionInput struct {
	Depot      model.Coordinates
	Route      []RouteStop
	Candidate  Candidate
	ShiftStart model.TimeOfDay
	ShiftEnd   model.TimeOfDay
}

// NewInsertionInput numbers matrix nodes as depot 0, route stops 1..n, candidate n+1,
// the order Locations returns.
func NewInsertionInput(depot model.Coordinates, route []RouteStop, cand Candidate, shiftStart, shiftEnd model.TimeOfDay) InsertionInput {
	r := append([]RouteStop(nil), route...)
	for i := range r {
		r[i].Node = i + 1
	}
	cand.Node = len(r) + 1
	return InsertionInput{Depot: depot, Route: r, Candidate: cand, ShiftStart: shiftStart, ShiftEnd: shiftEnd}
}

func (in InsertionInput) Locations() []model.Coordinates {
	out := make([]model.Coordinates, 0, len(in.Route)+2)
	out = append(out, in.Depot)
	for _, s := range in.Route {
		out = append(out, s.Location)
	}
	return append(out, in.Candidate.Location)
}

type InsertionResult struct {
	Position             int             `json:"position"`
	InsertAfter          string          `json:"insertAfter"`
	InsertBefore         string          `json:"insertBefore"`
	DeltaDistanceMeters  int             `json:"deltaDistanceMeters"`
	DeltaDurationSeconds int             `json:"deltaDurationSeconds"`
	DetourSeconds        int             `json:"detourSeconds"`
	EstimatedArrival     model.TimeOfDay `json:"estimatedArrival"`
	EstimatedDeparture   model.TimeOfDay `json:"estimatedDeparture"`
	LatestStart          model.TimeOfDay `json:"latestStart"`
	Status               InsertionStatus `json:"status"`
	ConflictReason       string          `json:"conflictReason,omitempty"`
}

const (
	labelDepot    = "depot"
	labelRouteEnd = "end of route"
)

// EvaluateInsertions scores every position for one extra stop: n existing stops give n+1
// results, cheapest deltaDuration first.
func EvaluateInsertions(in InsertionInput, m model.Matrix) []InsertionResult {
	n := len(in.Route)
	cand := in.Candidate
	service := model.Minutes(int(cand.ServiceMinutes))
	out := make([]InsertionResult, 0, n+1)

	for pos := 0; pos <= n; pos++ {
		prevNode, nextNode := 0, 0
		after, before := labelDepot, labelRouteEnd
		if pos > 0 {
			prevNode = in.Route[pos-1].Node
			after = in.Route[pos-1].Name
		}
		if pos < n {
			nextNode = in.Route[pos].Node
			before = in.Route[pos].Name
		}

		toCand := max(m.Duration(prevNode, cand.Node), 0)
		fromCand := max(m.Duration(cand.Node, nextNode), 0)
		replaced := 0
		replacedDist := 0
		if n > 0 {
			replaced = max(m.Duration(prevNode, nextNode), 0)
			replacedDist = max(m.Distance(prevNode, nextNode), 0)
		}
		detour := toCand + fromCand - replaced
		deltaDist := max(m.Distance(prevNode, cand.Node), 0) + max(m.Distance(cand.Node, nextNode), 0) - replacedDist

		prevDeparture := in.ShiftStart
		if pos > 0 {
			prevDeparture = knownDeparture(in.Route[pos-1], in.ShiftStart)
		}
		earliest := (prevDeparture + model.TimeOfDay(toCand)).CeilTo(slotStep)

		var latest model.TimeOfDay
		reason := ""
		if pos == n {
			latest = in.ShiftEnd - service
			reason = "visit would end after shift end"
		} else {
			next := in.Route[pos]
			deadline := in.ShiftEnd
			switch {
			case next.Arrival != nil:
				deadline = *next.Arrival
			case next.Window != nil:
				deadline = next.Window.End
			}
			latest = deadline - service - model.TimeOfDay(fromCand)
			reason = fmt.Sprintf("%s would be reached after %s", next.Name, deadline)
		}

		res := InsertionResult{
			Position:             pos,
			InsertAfter:          after,
			InsertBefore:         before,
			DeltaDistanceMeters:  deltaDist,
			DeltaDurationSeconds: detour + int(service),
			DetourSeconds:        detour,
			EstimatedArrival:     earliest,
			EstimatedDeparture:   earliest + service,
			LatestStart:          latest,
			Status:               InsertionOK,
		}
		switch {
		case latest < earliest:
			res.Status = InsertionConflict
			res.ConflictReason = reason
		case latest-earliest < slotStep:
			res.Status = InsertionTight
		}
		out = append(out, res)
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].DeltaDurationSeconds < out[b].DeltaDurationSeconds
	})
	return out
}

// knownDeparture prefers the recorded departure, then arrival or window start plus service.
func knownDeparture(s RouteStop, fallback model.TimeOfDay) model.TimeOfDay {
	service := model.Minutes(int(s.ServiceMinutes))
	switch {
	case s.Departure != nil:
		return *s.Departure
	case s.Arrival != nil:
		return *s.Arrival + service
	case s.Window != nil:
		return s.Window.Start + service
	}
	return fallback + service
}
