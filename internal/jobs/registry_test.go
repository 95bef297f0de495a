package jobs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelByOwner(t *testing.T) {
	r := NewCancelRegistry()
	g := r.Register("j1", "alice")
	defer g.Release()

	ok, err := r.Cancel("j1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, r.IsCancelled("j1"))
	assert.True(t, g.Cancelled())
}

func TestCancelByOtherCallerIsRejected(t *testing.T) {
	r := NewCancelRegistry()
	g := r.Register("j1", "alice")
	defer g.Release()

	ok, err := r.Cancel("j1", "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.False(t, ok)
	assert.False(t, r.IsCancelled("j1"), "flag must stay unset")
}

func TestCancelUnknownJob(t *testing.T) {
	r := NewCancelRegistry()
	ok, err := r.Cancel("nope", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPreCancelSurvivesRegister(t *testing.T) {
	r := NewCancelRegistry()
	r.Reserve("j1", "alice")
	_, err := r.Cancel("j1", "alice")
	require.NoError(t, err)

	g := r.Register("j1", "alice")
	assert.True(t, g.Cancelled())
}

func TestGuardReleaseRemovesEntryOnce(t *testing.T) {
	r := NewCancelRegistry()
	g := r.Register("j1", "alice")
	require.Equal(t, 1, r.Len())
	g.Release()
	g.Release()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Owner("j1")
	assert.False(t, ok)

	// a later job with the same id is unaffected by the old guard
	r.Reserve("j1", "bob")
	g.Release()
	owner, ok := r.Owner("j1")
	assert.True(t, ok)
	assert.Equal(t, "bob", owner)
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewCancelRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			g := r.Register(id, "alice")
			_, _ = r.Cancel(id, "alice")
			_ = r.IsCancelled(id)
			g.Release()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestGuardKeepPreservesCancelFlag(t *testing.T) {
	r := NewCancelRegistry()
	g := r.Register("j1", "alice")
	ok, err := r.Cancel("j1", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	g.Keep()
	g.Release()
	assert.True(t, r.IsCancelled("j1"))

	next := r.Register("j1", "alice")
	assert.True(t, next.Cancelled(), "redelivered attempt sees the earlier cancel")
	next.Release()
	assert.Equal(t, 0, r.Len())
}
