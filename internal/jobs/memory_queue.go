package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"crewroute/internal/metrics"
	"crewroute/internal/model"
)

type queuedJob struct {
	job     model.RoutePlanJob
	attempt int
}

// MemoryQueue is an in-process FIFO drained by a single consumer. Jobs are lost on restart.
type MemoryQueue struct {
	mu          sync.Mutex
	items       []queuedJob
	notify      chan struct{}
	maxAttempts int
	// Backoff returns the delay before redelivering after attempt n failed.
	Backoff func(n int) time.Duration
}

func NewMemoryQueue(maxAttempts int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &MemoryQueue{
		notify:      make(chan struct{}, 1),
		maxAttempts: maxAttempts,
		Backoff: func(n int) time.Duration {
			return time.Duration(n*n) * time.Second
		},
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job model.RoutePlanJob) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return q.push(queuedJob{job: job, attempt: 1}), nil
}

func (q *MemoryQueue) push(item queuedJob) int {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()
	metrics.QueueDepth.Set(float64(n))
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return n
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) pop() (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queuedJob{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	metrics.QueueDepth.Set(float64(len(q.items)))
	return item, true
}

// Run hands jobs to p one at a time until ctx is done.
func (q *MemoryQueue) Run(ctx context.Context, p Processor) error {
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.notify:
				continue
			}
		}
		err := p.Process(ctx, item.job, Attempt{N: item.attempt, Max: q.maxAttempts})
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if item.attempt >= q.maxAttempts {
			log.Error().Err(err).Str("job_id", item.job.ID).Int("attempt", item.attempt).Msg("route plan job dropped after last attempt")
			continue
		}
		delay := q.Backoff(item.attempt)
		log.Warn().Err(err).Str("job_id", item.job.ID).Int("attempt", item.attempt).Dur("retry_in", delay).Msg("route plan job will be retried")
		next := queuedJob{job: item.job, attempt: item.attempt + 1}
		time.AfterFunc(delay, func() { q.push(next) })
	}
}
