package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewroute/internal/model"
	"crewroute/internal/store"
)

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, model.RoutePlanJob) (int, error) {
	return 0, errors.New("redis down")
}

func (brokenQueue) Depth(context.Context) (int, error) { return 0, nil }

func TestSubmitQueuesAndPublishes(t *testing.T) {
	f := newFixture(t)
	first, err := f.service.Submit(context.Background(), "alice", planRequest("c1"))
	require.NoError(t, err)
	second, err := f.service.Submit(context.Background(), "alice", planRequest("c2"))
	require.NoError(t, err)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, 60, second.EstimatedWaitSeconds, "two jobs at the default estimate")

	st, err := f.service.Status(context.Background(), second.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, st.State)
	assert.Equal(t, 2, st.Position)
	owner, ok := f.registry.Owner(first.JobID)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
}

func TestSubmitEstimatesFromHistory(t *testing.T) {
	f := newFixture(t)
	f.history.Upsert(record("old", "bob", 4000))
	resp, err := f.service.Submit(context.Background(), "alice", planRequest("c1"))
	require.NoError(t, err)
	assert.Equal(t, 4, resp.EstimatedWaitSeconds)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	cases := map[string]func(*model.RoutePlanRequest){
		"no customers":      func(r *model.RoutePlanRequest) { r.CustomerIDs = nil },
		"bad date":          func(r *model.RoutePlanRequest) { r.Date = "02/01/2030" },
		"bad depot":         func(r *model.RoutePlanRequest) { r.Depot.Lat = 123 },
		"duplicate":         func(r *model.RoutePlanRequest) { r.CustomerIDs = []string{"c1", "c1"} },
		"unknown customer":  func(r *model.RoutePlanRequest) { r.CustomerIDs = []string{"c1", "zzz"} },
		"no coordinates":    func(r *model.RoutePlanRequest) { r.CustomerIDs = []string{"nowhere"} },
		"unknown algorithm": func(r *model.RoutePlanRequest) { r.Algorithm = "quantum" },
		"stray window": func(r *model.RoutePlanRequest) {
			r.TimeWindows = map[string]model.TimeWindow{"c2": model.Point(model.Clock(9, 0, 0))}
		},
		"reversed window": func(r *model.RoutePlanRequest) {
			r.TimeWindows = map[string]model.TimeWindow{"c1": {Kind: model.WindowInterval, Start: model.Clock(12, 0, 0), End: model.Clock(9, 0, 0)}}
		},
		"bad callback": func(r *model.RoutePlanRequest) { r.CallbackURL = "not a url" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := planRequest("c1")
			mutate(&req)
			_, err := f.service.Submit(context.Background(), "alice", req)
			var ie *InputError
			require.ErrorAs(t, err, &ie)
		})
	}
	depth, _ := f.queue.Depth(context.Background())
	assert.Zero(t, depth, "rejected requests never reach the queue")
	assert.Zero(t, f.registry.Len())
}

func TestSubmitReportsFieldName(t *testing.T) {
	f := newFixture(t)
	req := planRequest("c1")
	req.Date = ""
	_, err := f.service.Submit(context.Background(), "alice", req)
	var ie *InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "date", ie.Field)
}

func TestSubmitStoreOutageIsNotInputError(t *testing.T) {
	f := newFixture(t)
	f.store.Fault = func(string) error { return store.ErrUnavailable }
	_, err := f.service.Submit(context.Background(), "alice", planRequest("c1"))
	require.Error(t, err)
	var ie *InputError
	assert.False(t, errors.As(err, &ie))
}

func TestSubmitQueueFailure(t *testing.T) {
	f := newFixture(t)
	f.service.Queue = brokenQueue{}
	f.service.newID = func() string { return "fixed-id" }
	_, err := f.service.Submit(context.Background(), "alice", planRequest("c1"))
	require.Error(t, err)
	st, ok := f.tracker.Get("fixed-id")
	require.True(t, ok)
	assert.Equal(t, model.JobFailed, st.State)
	assert.Zero(t, f.registry.Len())
}

func TestCancelByNonOwnerLeavesJobQueued(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.Submit(context.Background(), "alice", planRequest("c1"))
	require.NoError(t, err)

	ok, err := f.service.Cancel(context.Background(), resp.JobID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.False(t, ok)
	assert.False(t, f.registry.IsCancelled(resp.JobID))
	st, _ := f.tracker.Get(resp.JobID)
	assert.Equal(t, model.JobQueued, st.State)

	_, err = f.service.Status(context.Background(), resp.JobID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestCancelUnknownAndFinishedJobs(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Cancel(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, ErrJobNotFound)

	job := f.submit(t, planRequest("c1"))
	require.NoError(t, f.worker.Process(context.Background(), job, Attempt{N: 1, Max: 1}))
	ok, err := f.service.Cancel(context.Background(), job.ID, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "finished jobs cannot be cancelled")
	_, err = f.service.Cancel(context.Background(), job.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestListHistoryIsOwnerScoped(t *testing.T) {
	f := newFixture(t)
	f.service.now = func() time.Time { return time.Date(2030, 1, 2, 8, 0, 0, 0, time.UTC) }
	_, err := f.service.Submit(context.Background(), "alice", planRequest("c1"))
	require.NoError(t, err)
	f.history.Upsert(record("bobs", "bob", 100))

	got := f.service.ListHistory("alice", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].OwnerID)
}
