package opt

import (
	"reflect"
	"testing"

	"crewroute/internal/model"
)

func TestRecomputeScheduleTiming(t *testing.T) {
	w := model.Interval(tod("09:00"), tod("10:00"), true)
	in := ScheduleInput{
		Stops: []ScheduleStop{
			{StopID: "a", Node: 1, Window: &w},
			{StopID: "b", Node: 2, ServiceMinutes: ptr(uint(20))},
			{StopID: "c", Node: 3},
		},
		ShiftStart:            tod("08:00"),
		DefaultServiceMinutes: 45,
	}
	// 601s legs round up to 11 minutes
	s := RecomputeSchedule(in, uniformMatrix(4, 601, 1000))

	a, b, c := s.Stops[0], s.Stops[1], s.Stops[2]
	if a.Arrival != tod("09:00") || a.WaitingMinutes != 49 || a.Departure != tod("10:00") {
		t.Fatalf("a = %+v", a)
	}
	if b.Arrival != tod("10:11") || b.Departure != tod("10:31") {
		t.Fatalf("b = %+v", b)
	}
	if c.Arrival != tod("10:42") || c.Departure != tod("11:27") {
		t.Fatalf("c = %+v", c)
	}
	if s.ReturnTime != tod("11:38") {
		t.Fatalf("return = %s", s.ReturnTime)
	}
	if s.TotalDistanceMeters != 4000 || s.TravelSeconds != 4*601 {
		t.Fatalf("totals = %d m, %d s", s.TotalDistanceMeters, s.TravelSeconds)
	}
	if want := []uint{60, 20, 45}; !reflect.DeepEqual(s.ServiceMinutes, want) {
		t.Fatalf("service = %v, want %v", s.ServiceMinutes, want)
	}
}

func TestRecomputeScheduleIdempotent(t *testing.T) {
	p := dayProblem(
		model.Stop{ID: "a", Location: model.Coordinates{Lat: 50.02, Lng: 14.05}, ServiceMinutes: 25},
		model.Stop{ID: "b", Location: model.Coordinates{Lat: 50.08, Lng: 14.01}, ServiceMinutes: 40},
		model.Stop{ID: "c", Location: model.Coordinates{Lat: 50.11, Lng: 14.09}, ServiceMinutes: 15},
	)
	p.Break = &model.BreakConfig{EarliestStart: tod("09:00"), LatestStart: tod("12:00"), DurationMinutes: 30}
	m := lineMatrix(p.Locations())
	in := ScheduleInput{Stops: StopsInProblemOrder(p, []int{2, 0, 1}), ShiftStart: p.ShiftStart, Break: p.Break}

	first := RecomputeSchedule(in, m)
	second := RecomputeSchedule(in, m)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("recompute not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestRecomputeScheduleBreak(t *testing.T) {
	in := ScheduleInput{
		Stops: []ScheduleStop{
			{StopID: "a", Node: 1, ServiceMinutes: ptr(uint(60))},
			{StopID: "b", Node: 2, ServiceMinutes: ptr(uint(60))},
		},
		ShiftStart: tod("11:00"),
		Break:      &model.BreakConfig{EarliestStart: tod("12:00"), LatestStart: tod("13:00"), DurationMinutes: 30},
	}
	s := RecomputeSchedule(in, uniformMatrix(3, 600, 1000))
	// a: 11:10-12:10, break 12:10-12:40, b: 12:50-13:50
	if s.Break == nil || s.Break.Start != tod("12:10") || s.Break.End != tod("12:40") || s.Break.AfterStopID != "a" {
		t.Fatalf("break = %+v", s.Break)
	}
	if s.Stops[1].Arrival != tod("12:50") {
		t.Fatalf("b arrival = %s", s.Stops[1].Arrival)
	}
	if len(s.Warnings) != 0 {
		t.Fatalf("warnings = %+v", s.Warnings)
	}

	in.Break.LatestStart = tod("12:05")
	s = RecomputeSchedule(in, uniformMatrix(3, 600, 1000))
	if len(s.Warnings) != 1 || s.Warnings[0].Code != model.WarnBreakLate {
		t.Fatalf("want BREAK_LATE, got %+v", s.Warnings)
	}
}

func TestResolveServiceMinutes(t *testing.T) {
	w := model.Interval(tod("10:00"), tod("10:45"), true)
	p := model.Point(tod("10:00"))
	if got := ResolveServiceMinutes(ptr(uint(20)), &w, 60); got != 20 {
		t.Fatalf("override: %d", got)
	}
	if got := ResolveServiceMinutes(nil, &w, 60); got != 45 {
		t.Fatalf("window length: %d", got)
	}
	if got := ResolveServiceMinutes(nil, &p, 60); got != 60 {
		t.Fatalf("point window uses default: %d", got)
	}
	if got := ResolveServiceMinutes(nil, nil, 60); got != 60 {
		t.Fatalf("default: %d", got)
	}
}
