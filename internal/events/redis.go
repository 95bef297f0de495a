package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"crewroute/internal/model"
)

// wireStatus carries the owner, which JobStatus keeps out of its JSON form.
type wireStatus struct {
	OwnerID string          `json:"ownerId"`
	Status  model.JobStatus `json:"status"`
}

// Redis implements Broker over Redis Pub/Sub so API replicas see statuses published by
// workers in other processes.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string

	mu   sync.Mutex
	subs map[chan model.JobStatus]*redis.PubSub
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb, prefix: "crewroute:", subs: map[chan model.JobStatus]*redis.PubSub{}}
}

func (b *Redis) chanName(topic string) string { return b.prefix + topic }

func (b *Redis) Subscribe(topic string) chan model.JobStatus {
	ch := make(chan model.JobStatus, subscriberBuffer)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ps := b.rdb.Subscribe(ctx, b.chanName(topic))
	// initial receive confirms the subscription before any publish can be missed
	if _, err := ps.Receive(ctx); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("redis subscribe failed")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			var w wireStatus
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("drop malformed status")
				continue
			}
			w.Status.OwnerID = w.OwnerID
			b.mu.Lock()
			if _, live := b.subs[ch]; live {
				offer(ch, w.Status)
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *Redis) Unsubscribe(topic string, ch chan model.JobStatus) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	if ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(topic string, st model.JobStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(wireStatus{OwnerID: st.OwnerID, Status: st})
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("encode status")
		return
	}
	if err := b.rdb.Publish(ctx, b.chanName(topic), data).Err(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("redis publish failed")
	}
}
