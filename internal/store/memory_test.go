package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crewroute/internal/model"
)

const seedYAML = `
owners:
  - id: owner-1
    settings:
      workStart: "07:30"
      workEnd: "16:00"
      defaultServiceMinutes: 45
      bufferPercent: 15
      bufferFixedMinutes: 5
      break:
        earliestStart: "12:00"
        latestStart: "13:00"
        durationMinutes: 30
    crews:
      - id: crew-a
        name: Alpha
        workStart: "08:00"
        workEnd: "17:00"
        bufferPercent: 20
    customers:
      - id: c1
        name: Bakery
        lat: 52.52
        lng: 13.40
        serviceMinutes: 30
      - id: c2
        name: No Coordinates
    visits:
      - customerId: c1
        date: "2030-01-02"
        start: "09:00"
        end: "11:00"
      - customerId: c1
        date: "2030-01-02"
        start: "14:00"
        legacy: true
      - customerId: c2
        date: "2030-01-02"
        start: "10:00"
        end: "12:00"
        soft: true
        legacy: true
`

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	if err := m.LoadSeed(strings.NewReader(seedYAML)); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	return m
}

func TestMemorySeedSettingsAndCrew(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	s, err := m.GetSettings(ctx, "owner-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if s.WorkStart != model.Clock(7, 30, 0) || s.DefaultServiceMinutes != 45 || s.BufferFixedMinutes != 5 {
		t.Fatalf("unexpected settings %+v", s)
	}
	if s.Break == nil || s.Break.DurationMinutes != 30 || s.Break.LatestStart != model.Clock(13, 0, 0) {
		t.Fatalf("unexpected break %+v", s.Break)
	}
	if _, err := m.GetSettings(ctx, "owner-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	c, err := m.GetCrew(ctx, "owner-1", "crew-a")
	if err != nil || c.BufferPercent != 20 || c.WorkEnd != model.Clock(17, 0, 0) {
		t.Fatalf("unexpected crew %+v err=%v", c, err)
	}
	if _, err := m.GetCrew(ctx, "owner-2", "crew-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("crews must be owner scoped, got %v", err)
	}
}

func TestMemoryCustomersKeepRequestOrder(t *testing.T) {
	m := seeded(t)
	got, err := m.GetCustomers(context.Background(), "owner-1", []string{"c2", "missing", "c1"})
	if err != nil {
		t.Fatalf("GetCustomers: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("unexpected customers %+v", got)
	}
	if got[0].Location != nil {
		t.Fatalf("c2 has no coordinates")
	}
	if got[1].ServiceMinutes == nil || *got[1].ServiceMinutes != 30 {
		t.Fatalf("c1 service override lost")
	}
	other, _ := m.GetCustomers(context.Background(), "owner-2", []string{"c1"})
	if len(other) != 0 {
		t.Fatalf("customers must be owner scoped")
	}
}

func TestMemoryVisitWindows(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	ids := []string{"c1", "c2"}
	sched, err := m.ScheduledWindows(ctx, "owner-1", "2030-01-02", ids)
	if err != nil {
		t.Fatalf("ScheduledWindows: %v", err)
	}
	if len(sched) != 1 || sched["c1"] != model.Interval(model.Clock(9, 0, 0), model.Clock(11, 0, 0), true) {
		t.Fatalf("unexpected scheduled %+v", sched)
	}
	legacy, err := m.LegacyWindows(ctx, "owner-1", "2030-01-02", ids)
	if err != nil {
		t.Fatalf("LegacyWindows: %v", err)
	}
	if !legacy["c1"].IsPoint() || legacy["c1"].Start != model.Clock(14, 0, 0) {
		t.Fatalf("legacy c1 should be a 14:00 appointment, got %+v", legacy["c1"])
	}
	if legacy["c2"].Hard {
		t.Fatalf("legacy c2 should be soft")
	}
	none, _ := m.ScheduledWindows(ctx, "owner-1", "2030-01-03", ids)
	if len(none) != 0 {
		t.Fatalf("other dates must not match")
	}
}

func TestMemoryFaultInjection(t *testing.T) {
	m := seeded(t)
	calls := 0
	m.Fault = func(op string) error {
		calls++
		if op == "customers" {
			return ErrUnavailable
		}
		return nil
	}
	_, err := m.GetCustomers(context.Background(), "owner-1", []string{"c1"})
	if !IsTransient(err) {
		t.Fatalf("want transient error, got %v", err)
	}
	if _, err := m.GetCrew(context.Background(), "owner-1", "crew-a"); err != nil {
		t.Fatalf("only customers should fail, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("fault hook should run per read, calls=%d", calls)
	}
}

func TestLoadSeedRejectsBadTimes(t *testing.T) {
	m := NewMemory()
	err := m.LoadSeed(strings.NewReader("owners:\n  - id: o\n    crews:\n      - id: c\n        workStart: \"25:99\"\n        workEnd: \"17:00\"\n"))
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMemoryWebhookOutboxLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.EnqueueWebhook(ctx, "owner-1", "route_plan.completed", "http://example.test/hook", "s3cret", []byte(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("EnqueueWebhook: %v", err)
	}
	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].ID != id || due[0].Secret != "s3cret" {
		t.Fatalf("unexpected due %+v", due)
	}
	later := time.Now().Add(time.Hour)
	if err := m.MarkWebhookDelivery(ctx, id, false, &later, "503", 503, 12); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 0 {
		t.Fatalf("retry scheduled in the future must not be due")
	}
	if err := m.FailWebhookDelivery(ctx, id, "gave up", 503, 10); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	list, _ := m.ListWebhookDeliveries(ctx, "owner-1", DeliveryFailed, 0)
	if len(list) != 1 || list[0].Attempts != 2 {
		t.Fatalf("unexpected list %+v", list)
	}
	if dl := m.DeadLetters(); len(dl) != 1 || dl[0].ID != id {
		t.Fatalf("unexpected dead letters %+v", dl)
	}
	if err := m.MarkWebhookDelivery(ctx, "nope", true, nil, "", 200, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
