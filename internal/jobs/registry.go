// Package jobs runs route planning as asynchronous, cancellable background jobs.
package jobs

import (
	"errors"
	"sync"
)

var ErrNotOwner = errors.New("caller does not own this job")

type cancelEntry struct {
	owner     string
	cancelled bool
}

// CancelRegistry maps job id to its owner and cancellation flag. Cancellation is
// cooperative: workers check the flag at stage boundaries.
type CancelRegistry struct {
	mu      sync.Mutex
	entries map[string]*cancelEntry
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{entries: map[string]*cancelEntry{}}
}

// Reserve records a queued job so it can be cancelled before a worker picks it up.
func (r *CancelRegistry) Reserve(jobID, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[jobID]; !ok {
		r.entries[jobID] = &cancelEntry{owner: ownerID}
	}
}

// Register claims the entry for a running job, keeping any cancellation requested while
// it was queued. The returned guard removes the entry on Release.
func (r *CancelRegistry) Register(jobID, ownerID string) *Guard {
	r.Reserve(jobID, ownerID)
	return &Guard{reg: r, id: jobID}
}

// Cancel sets the flag. It reports false for unknown jobs and ErrNotOwner, leaving the
// flag untouched, when caller is someone else.
func (r *CancelRegistry) Cancel(jobID, callerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok {
		return false, nil
	}
	if e.owner != callerID {
		return false, ErrNotOwner
	}
	e.cancelled = true
	return true, nil
}

func (r *CancelRegistry) IsCancelled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	return ok && e.cancelled
}

// Owner returns the registered owner of a live job.
func (r *CancelRegistry) Owner(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok {
		return "", false
	}
	return e.owner, true
}

func (r *CancelRegistry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, jobID)
}

func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Guard is a worker's handle on one registry entry. Release is idempotent.
type Guard struct {
	reg  *CancelRegistry
	id   string
	once sync.Once
}

func (g *Guard) JobID() string { return g.id }

func (g *Guard) Cancelled() bool { return g.reg.IsCancelled(g.id) }

func (g *Guard) Release() {
	g.once.Do(func() { g.reg.Remove(g.id) })
}

// Keep hands the entry back to the registry untouched, for a job that will be redelivered.
// A later Release is a no-op.
func (g *Guard) Keep() {
	g.once.Do(func() {})
}
