package opt

import (
	"strings"
	"testing"

	"crewroute/internal/model"
)

func TestScoreSlot(t *testing.T) {
	pref := model.Interval(tod("10:00"), tod("12:00"), false)
	cases := []struct {
		name          string
		start, end    model.TimeOfDay
		detour, slack int
		preferred     *model.TimeWindow
		want          int
	}{
		{"no detour lots of slack", tod("10:00"), tod("10:30"), 0, 200, nil, 100},
		{"detour rounds down to tens", tod("08:00"), tod("08:30"), 27, 45, nil, 85},
		{"detour penalty capped", tod("08:00"), tod("08:30"), 300, 10, nil, 40},
		{"inside preferred", tod("10:00"), tod("11:00"), 50, 20, &pref, 75},
		{"overlapping preferred", tod("11:30"), tod("12:30"), 50, 20, &pref, 60},
		{"outside preferred", tod("13:00"), tod("13:30"), 50, 61, &pref, 60},
	}
	for _, tc := range cases {
		got := scoreSlot(tc.start, tc.end, tc.detour, tc.slack, tc.preferred)
		if got != tc.want {
			t.Errorf("%s: score %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestSuggestSlotsRejectsOutsideShift(t *testing.T) {
	// 10:30 shift end leaves no room after A, and 30 min before A only fits tightly
	in, m := oneStopRoute(30, tod("10:30"))
	got := SuggestSlots(SlotRequest{Insertion: in}, m)
	if len(got) != 1 || got[0].Position != 0 {
		t.Fatalf("suggestions = %+v", got)
	}
	if got[0].Start != tod("08:15") || got[0].End != tod("08:45") || got[0].Status != InsertionTight {
		t.Fatalf("slot = %+v", got[0])
	}
	if !strings.Contains(got[0].Reason, "before A") {
		t.Fatalf("reason = %q", got[0].Reason)
	}
}

func TestSuggestSlotsKeepsConflictsInsideShift(t *testing.T) {
	// A is already booked at 08:20, so an hour-long visit before it runs into A
	route := []RouteStop{{ID: "a", Name: "A", Arrival: ptr(tod("08:20")), Departure: ptr(tod("08:50")), ServiceMinutes: 30}}
	in := NewInsertionInput(model.Coordinates{}, route, Candidate{ServiceMinutes: 60}, tod("08:00"), tod("17:00"))
	m := uniformMatrix(3, 600, 1000)

	got := SuggestSlots(SlotRequest{Insertion: in}, m)
	if len(got) != 2 {
		t.Fatalf("suggestions = %+v", got)
	}
	byPos := map[int]SlotSuggestion{}
	for _, s := range got {
		byPos[s.Position] = s
	}
	before := byPos[0]
	if before.Status != InsertionConflict || before.Start != tod("08:15") || before.End != tod("09:15") {
		t.Fatalf("before A = %+v", before)
	}
	if !strings.Contains(before.ConflictReason, "A would be reached after") || !strings.Contains(before.Reason, before.ConflictReason) {
		t.Fatalf("conflict reason = %q, reason = %q", before.ConflictReason, before.Reason)
	}
	if after := byPos[1]; after.Status != InsertionOK || after.ConflictReason != "" {
		t.Fatalf("after A = %+v", after)
	}
}

func TestSuggestSlotsPreferredWindowWins(t *testing.T) {
	w := model.Interval(tod("11:00"), tod("11:30"), true)
	route := []RouteStop{{ID: "a", Name: "A", Arrival: ptr(tod("11:00")), Departure: ptr(tod("11:30")), Window: &w, ServiceMinutes: 30}}
	in := NewInsertionInput(model.Coordinates{}, route, Candidate{ServiceMinutes: 30}, tod("08:00"), tod("14:00"))
	pref := model.Interval(tod("12:00"), tod("13:00"), false)

	got := SuggestSlots(SlotRequest{Insertion: in, Preferred: &pref}, uniformMatrix(3, 1200, 8000))
	if len(got) != 2 {
		t.Fatalf("suggestions = %+v", got)
	}
	// after A: 12:00-12:30 inside the preferred hour; before A: 08:30-09:00 with more slack
	if got[0].Position != 1 || got[0].Score != 100 || got[0].Start != tod("12:00") {
		t.Fatalf("best = %+v", got[0])
	}
	if got[1].Position != 0 || got[1].Score != 95 || got[1].DetourMinutes != 20 {
		t.Fatalf("second = %+v", got[1])
	}
	if !strings.Contains(got[0].Reason, "last visit, after A") || !strings.Contains(got[0].Reason, "20 min detour") {
		t.Fatalf("reason = %q", got[0].Reason)
	}
}

func TestSuggestSlotsLimit(t *testing.T) {
	route := make([]RouteStop, 8)
	for i := range route {
		route[i] = RouteStop{ID: string(rune('a' + i)), Name: string(rune('A' + i)), ServiceMinutes: 10}
	}
	in := NewInsertionInput(model.Coordinates{}, route, Candidate{ServiceMinutes: 15}, tod("08:00"), tod("18:00"))
	m := uniformMatrix(len(route)+2, 120, 500)
	if got := SuggestSlots(SlotRequest{Insertion: in}, m); len(got) != DefaultSlotLimit {
		t.Fatalf("default limit: got %d", len(got))
	}
	if got := SuggestSlots(SlotRequest{Insertion: in, Limit: 2}, m); len(got) != 2 {
		t.Fatalf("limit 2: got %d", len(got))
	}
}
