package model

import (
	"encoding/json"
	"testing"
)

func TestParseTimeOfDay(t *testing.T) {
	cases := map[string]TimeOfDay{
		"08:00":    Clock(8, 0, 0),
		"09:59:00": Clock(9, 59, 0),
		"17:30":    Clock(17, 30, 0),
	}
	for in, want := range cases {
		got, err := ParseTimeOfDay(in)
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseTimeOfDay(%q) = %s, want %s", in, got, want)
		}
	}
	for _, bad := range []string{"", "8", "08:61", "aa:bb", "1:2:3:4"} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestCeilTo(t *testing.T) {
	q := 15 * Minute
	if got := Clock(8, 0, 0).CeilTo(q); got != Clock(8, 0, 0) {
		t.Fatalf("on boundary: got %s", got)
	}
	if got := Clock(8, 0, 1).CeilTo(q); got != Clock(8, 15, 0) {
		t.Fatalf("just past boundary: got %s", got)
	}
	if got := Clock(8, 14, 59).CeilTo(q); got != Clock(8, 15, 0) {
		t.Fatalf("before boundary: got %s", got)
	}
}

func TestTimeWindowJSON(t *testing.T) {
	var w TimeWindow
	if err := json.Unmarshal([]byte(`{"start":"10:00","end":"12:00"}`), &w); err != nil {
		t.Fatalf("unmarshal interval: %v", err)
	}
	if w.Kind != WindowInterval || !w.Hard || w.Start != Clock(10, 0, 0) || w.End != Clock(12, 0, 0) {
		t.Fatalf("unexpected interval: %+v", w)
	}

	if err := json.Unmarshal([]byte(`{"start":"10:30","end":"10:30"}`), &w); err != nil {
		t.Fatalf("unmarshal legacy point: %v", err)
	}
	if !w.IsPoint() {
		t.Fatalf("equal start/end without kind should decode as point: %+v", w)
	}

	if err := json.Unmarshal([]byte(`{"at":"14:00"}`), &w); err != nil {
		t.Fatalf("unmarshal at: %v", err)
	}
	if !w.IsPoint() || w.Start != Clock(14, 0, 0) {
		t.Fatalf("unexpected point: %+v", w)
	}

	if err := json.Unmarshal([]byte(`{"kind":"interval","start":"12:00","end":"10:00"}`), &w); err == nil {
		t.Fatal("expected error for reversed interval")
	}

	if err := json.Unmarshal([]byte(`{"start":"09:00","end":"11:00","hard":false}`), &w); err != nil {
		t.Fatalf("unmarshal soft: %v", err)
	}
	if w.Hard || w.IsHardInterval() {
		t.Fatalf("expected soft window: %+v", w)
	}

	b, _ := json.Marshal(Point(Clock(9, 0, 0)))
	var back TimeWindow
	if err := json.Unmarshal(b, &back); err != nil || !back.IsPoint() {
		t.Fatalf("point round trip: %v %+v", err, back)
	}
}

func TestScore(t *testing.T) {
	if got := Score(nil); got != 100 {
		t.Fatalf("no warnings: %d", got)
	}
	ws := []Warning{{Code: WarnTimeWindowMissed}, {Code: WarnExceedsWorkHours}, {Code: WarnBreakLate}}
	if got := Score(ws); got != 60 {
		t.Fatalf("mixed warnings: got %d want 60", got)
	}
	// a late arrival against a buffered hard window weighs as much as a missed window
	late := []Warning{{Code: WarnLateArrival}, {Code: WarnInsufficientBuffer}, {Code: WarnRoutingFallback}}
	if got := Score(late); got != 70 {
		t.Fatalf("late arrival: got %d want 70", got)
	}
	many := make([]Warning, 10)
	for i := range many {
		many[i].Code = WarnTimeWindowMissed
	}
	if got := Score(many); got != 0 {
		t.Fatalf("floored score: %d", got)
	}
}

func TestProblemValidate(t *testing.T) {
	p := RoutingProblem{
		Depot:      Coordinates{Lat: 50, Lng: 14},
		ShiftStart: Clock(8, 0, 0),
		ShiftEnd:   Clock(17, 0, 0),
		Stops:      []Stop{{ID: "a", Location: Coordinates{Lat: 50.1, Lng: 14.1}, ServiceMinutes: 30}},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("valid problem: %v", err)
	}
	p.Stops[0].ServiceMinutes = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for zero service time")
	}
	p.Stops[0].ServiceMinutes = 30
	p.ShiftEnd = p.ShiftStart
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for empty shift")
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(JobQueued, JobCancelled) || !CanTransition(JobProcessing, JobCancelled) {
		t.Fatal("cancel must be reachable from queued and processing")
	}
	for _, term := range []JobState{JobCompleted, JobFailed, JobCancelled} {
		for _, next := range []JobState{JobQueued, JobProcessing, JobCompleted, JobFailed, JobCancelled} {
			if CanTransition(term, next) {
				t.Fatalf("terminal %s must not move to %s", term, next)
			}
		}
	}
}
