// Package events fans job status updates out to stream subscribers (SSE, WebSocket).
package events

import (
	"sync"

	"crewroute/internal/model"
)

// Broker delivers statuses published on a topic to every current subscriber.
// Subscribers that fall behind lose their oldest buffered status, never the newest.
type Broker interface {
	Subscribe(topic string) chan model.JobStatus
	Unsubscribe(topic string, ch chan model.JobStatus)
	Publish(topic string, st model.JobStatus)
}

// JobTopic is the topic every status of one job is published on.
func JobTopic(jobID string) string { return "job:" + jobID }

const subscriberBuffer = 16

type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan model.JobStatus]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan model.JobStatus]struct{}{}}
}

func (b *Memory) Subscribe(topic string) chan model.JobStatus {
	ch := make(chan model.JobStatus, subscriberBuffer)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan model.JobStatus]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(topic string, ch chan model.JobStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Memory) Publish(topic string, st model.JobStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		offer(ch, st)
	}
}

// Subscribers reports how many channels listen on topic.
func (b *Memory) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// offer sends without blocking, evicting the oldest buffered status when ch is full.
func offer(ch chan model.JobStatus, st model.JobStatus) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
