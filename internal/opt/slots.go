package opt

import (
	"fmt"
	"sort"

	"crewroute/internal/model"
)

const DefaultSlotLimit = 5

type SlotRequest struct {
	Insertion InsertionInput
	// Preferred is the customer's wished-for window; nil scores every slot on detour and slack only.
	Preferred *model.TimeWindow
	Limit     int
}

type SlotSuggestion struct {
	Position      int             `json:"position"`
	InsertAfter   string          `json:"insertAfter"`
	InsertBefore  string          `json:"insertBefore"`
	Start         model.TimeOfDay `json:"start"`
	End           model.TimeOfDay `json:"end"`
	DetourMinutes int             `json:"detourMinutes"`
	SlackMinutes  int             `json:"slackMinutes"`
	Score         int             `json:"score"`
	Status        InsertionStatus `json:"status"`
	// ConflictReason names the visit a conflict slot would make late.
	ConflictReason string `json:"conflictReason,omitempty"`
	Reason         string `json:"reason"`
}

// SuggestSlots ranks insertion positions for a new appointment, best first.
// Positions that start before the shift or end after it are dropped. A position that would
// make the next visit late is still ranked and keeps its conflict status and reason.
func SuggestSlots(req SlotRequest, m model.Matrix) []SlotSuggestion {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSlotLimit
	}
	in := req.Insertion
	var out []SlotSuggestion
	for _, r := range EvaluateInsertions(in, m) {
		if r.EstimatedArrival < in.ShiftStart || r.EstimatedDeparture > in.ShiftEnd {
			continue
		}
		detourMin := max(r.DetourSeconds, 0) / 60
		slack := r.EstimatedDeparture.MinutesUntil(in.ShiftEnd)
		out = append(out, SlotSuggestion{
			Position:      r.Position,
			InsertAfter:   r.InsertAfter,
			InsertBefore:  r.InsertBefore,
			Start:         r.EstimatedArrival,
			End:           r.EstimatedDeparture,
			DetourMinutes: detourMin,
			SlackMinutes:  slack,
			Score:         scoreSlot(r.EstimatedArrival, r.EstimatedDeparture, detourMin, slack, req.Preferred),
			Status:         r.Status,
			ConflictReason: r.ConflictReason,
			Reason:         slotReason(r, detourMin),
		})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func scoreSlot(start, end model.TimeOfDay, detourMin, slackMin int, preferred *model.TimeWindow) int {
	score := 100 - min(60, detourMin/10*10)
	if preferred != nil {
		switch {
		case start >= preferred.Start && end <= preferred.End:
			score += 25
		case start < preferred.End && end > preferred.Start:
			score += 10
		}
	}
	switch {
	case slackMin > 120:
		score += 15
	case slackMin > 60:
		score += 10
	case slackMin > 30:
		score += 5
	}
	return max(0, min(100, score))
}

func slotReason(r InsertionResult, detourMin int) string {
	var where string
	switch {
	case r.InsertAfter == labelDepot && r.InsertBefore == labelRouteEnd:
		where = "only visit of the day"
	case r.InsertAfter == labelDepot:
		where = "first visit, before " + r.InsertBefore
	case r.InsertBefore == labelRouteEnd:
		where = "last visit, after " + r.InsertAfter
	default:
		where = fmt.Sprintf("between %s and %s", r.InsertAfter, r.InsertBefore)
	}
	var reason string
	switch {
	case detourMin <= 0:
		reason = where + ", no extra driving"
	case detourMin < 10:
		reason = fmt.Sprintf("%s, small detour of %d min", where, detourMin)
	default:
		reason = fmt.Sprintf("%s, %d min detour", where, detourMin)
	}
	if r.Status == InsertionConflict {
		reason += "; " + r.ConflictReason
	}
	return reason
}
