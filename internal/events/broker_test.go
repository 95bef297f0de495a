package events

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"crewroute/internal/model"
)

func recv(t *testing.T, ch chan model.JobStatus) model.JobStatus {
	t.Helper()
	select {
	case st, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for status")
	}
	return model.JobStatus{}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	topic := JobTopic("j1")
	ch := b.Subscribe(topic)
	other := b.Subscribe(JobTopic("j2"))

	b.Publish(topic, model.JobStatus{JobID: "j1", State: model.JobQueued, Position: 1})
	if got := recv(t, ch); got.JobID != "j1" || got.Position != 1 {
		t.Fatalf("unexpected status %+v", got)
	}
	select {
	case st := <-other:
		t.Fatalf("other topic received %+v", st)
	default:
	}

	b.Unsubscribe(topic, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// second unsubscribe is a no-op
	b.Unsubscribe(topic, ch)
	if n := b.Subscribers(topic); n != 0 {
		t.Fatalf("subscribers=%d", n)
	}
}

func TestMemorySlowSubscriberKeepsNewest(t *testing.T) {
	b := NewMemory()
	topic := JobTopic("j1")
	ch := b.Subscribe(topic)
	for i := 1; i <= subscriberBuffer+5; i++ {
		b.Publish(topic, model.JobStatus{JobID: "j1", State: model.JobProcessing, Progress: i})
	}
	b.Publish(topic, model.JobStatus{JobID: "j1", State: model.JobCompleted})

	var last model.JobStatus
	for len(ch) > 0 {
		last = <-ch
	}
	if last.State != model.JobCompleted {
		t.Fatalf("terminal status was dropped, last=%+v", last)
	}
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := NewRedis(rdb)
	topic := JobTopic("j1")
	ch := b.Subscribe(topic)

	b.Publish(topic, model.JobStatus{JobID: "j1", OwnerID: "owner-1", State: model.JobProcessing, Progress: 45})
	got := recv(t, ch)
	if got.JobID != "j1" || got.Progress != 45 || got.OwnerID != "owner-1" {
		t.Fatalf("unexpected status %+v", got)
	}

	b.Unsubscribe(topic, ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
