package locking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	m := New()

	require.True(t, m.Acquire("job1"))
	assert.False(t, m.Acquire("job1"), "second acquire should fail while held")

	m.Release("job1")
	assert.True(t, m.Acquire("job1"), "acquire should succeed again after release")
	m.Release("job1")
}

func TestAcquire_IndependentKeys(t *testing.T) {
	m := New()
	require.True(t, m.Acquire("job1"))
	require.True(t, m.Acquire("job2"))
	m.Release("job1")
	m.Release("job2")
}

func TestRelease_UnknownKeyIsNoop(t *testing.T) {
	m := New()
	m.Release("never-acquired")
}

func TestClearStuckLocks(t *testing.T) {
	m := New()
	require.True(t, m.Acquire("stuck"))

	cleared := m.ClearStuckLocks(0)
	assert.Equal(t, []string{"stuck"}, cleared)

	// Lock was force-released, so it should be acquirable again.
	assert.True(t, m.Acquire("stuck"))
	m.Release("stuck")
}

func TestClearStuckLocks_RecentlyHeldNotCleared(t *testing.T) {
	m := New()
	require.True(t, m.Acquire("fresh"))
	cleared := m.ClearStuckLocks(time.Hour)
	assert.Empty(t, cleared)
	m.Release("fresh")
}
