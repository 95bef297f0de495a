package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per owner and forgets owners idle for three cleanup intervals.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	mu      sync.Mutex
	owners  map[string]*visitor
	stopCh  chan struct{}
	stopped sync.Once
}

func NewRateLimiter(rps float64, burst int, cleanup time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	rl := &RateLimiter{
		limit:  rate.Limit(rps),
		burst:  burst,
		idle:   cleanup,
		owners: make(map[string]*visitor),
		stopCh: make(chan struct{}),
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *RateLimiter) Allow(owner string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	v, ok := rl.owners[owner]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.owners[owner] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

func (rl *RateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			for k, v := range rl.owners {
				if time.Since(v.lastSeen) > rl.idle*3 {
					delete(rl.owners, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) Stop() { rl.stopped.Do(func() { close(rl.stopCh) }) }
