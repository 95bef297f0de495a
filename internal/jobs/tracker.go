package jobs

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"crewroute/internal/events"
	"crewroute/internal/model"
)

// Tracker keeps the latest status per job and publishes every accepted transition on
// the job's topic. Out-of-order or post-terminal updates are dropped.
type Tracker struct {
	mu     sync.Mutex
	latest map[string]model.JobStatus
	broker events.Broker
	now    func() time.Time
}

func NewTracker(b events.Broker) *Tracker {
	return &Tracker{latest: map[string]model.JobStatus{}, broker: b, now: time.Now}
}

// Publish records st and forwards it to subscribers. It reports false when the
// transition is not allowed from the job's current state.
func (t *Tracker) Publish(st model.JobStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.latest[st.JobID]
	if !model.CanTransition(prev.State, st.State) {
		log.Debug().Str("job_id", st.JobID).Str("from", string(prev.State)).Str("to", string(st.State)).Msg("drop status transition")
		return false
	}
	if ok && st.OwnerID == "" {
		st.OwnerID = prev.OwnerID
	}
	st.UpdatedAt = t.now()
	t.latest[st.JobID] = st
	// published under the lock so subscribers see the same order as the tracker
	if t.broker != nil {
		t.broker.Publish(events.JobTopic(st.JobID), st)
	}
	return true
}

func (t *Tracker) Get(jobID string) (model.JobStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.latest[jobID]
	return st, ok
}

// Prune forgets terminal statuses last updated before cutoff.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, st := range t.latest {
		if st.State.Terminal() && st.UpdatedAt.Before(cutoff) {
			delete(t.latest, id)
			n++
		}
	}
	return n
}
