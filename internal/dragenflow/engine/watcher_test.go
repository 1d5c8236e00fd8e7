package engine

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
)

func TestFileWatcher(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := clocktesting.NewFakeClock(startTime)
	watcher := NewFileWatcher(fs, clock, time.Minute, NewMetrics(nil))
	defer watcher.StopAll()

	outcomes := make(chan WatchOutcome, 1)
	onDone := func(_ *flowcontext.Context, outcome WatchOutcome) { outcomes <- outcome }

	assert.True(t, watcher.Watch(flowcontext.Background(), "t1", "/data/done", time.Time{}, onDone))
	assert.False(t, watcher.Watch(flowcontext.Background(), "t1", "/data/done", time.Time{}, onDone))
	require.Eventually(t, clock.HasWaiters, time.Second, time.Millisecond)

	require.NoError(t, afero.WriteFile(fs, "/data/done", []byte("ok"), 0o644))
	clock.Step(time.Minute)

	select {
	case outcome := <-outcomes:
		assert.Equal(t, FileFound, outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not finish")
	}
	require.Eventually(t, func() bool { return !watcher.IsWatching("t1") }, time.Second, time.Millisecond)
}

func TestFileWatcherStop(t *testing.T) {
	clock := clocktesting.NewFakeClock(startTime)
	watcher := NewFileWatcher(afero.NewMemMapFs(), clock, time.Minute, NewMetrics(nil))

	called := make(chan WatchOutcome, 1)
	watcher.Watch(flowcontext.Background(), "t1", "/never", time.Time{}, func(_ *flowcontext.Context, outcome WatchOutcome) {
		called <- outcome
	})
	require.Eventually(t, clock.HasWaiters, time.Second, time.Millisecond)

	watcher.Stop("t1")
	assert.False(t, watcher.IsWatching("t1"))
	assert.Empty(t, called)

	// Stopping an unknown watch is a no-op
	watcher.Stop("t2")
}

func TestQueryBackoff(t *testing.T) {
	config := Config{
		PollInterval:     5 * time.Second,
		QueryBackoffBase: 10 * time.Second,
		QueryBackoffMax:  time.Minute,
	}
	tests := map[int]time.Duration{
		1:  10 * time.Second,
		2:  20 * time.Second,
		3:  40 * time.Second,
		4:  time.Minute,
		30: time.Minute,
	}
	for failures, expected := range tests {
		assert.Equal(t, expected, config.queryBackoff(failures), "failures=%d", failures)
	}

	config.QueryBackoffBase = 0
	assert.Equal(t, 5*time.Second, config.queryBackoff(1))
}

func TestToggles(t *testing.T) {
	toggles := NewToggles(true)
	assert.True(t, toggles.SubmissionsEnabled())
	toggles.SetSubmissionsEnabled(false)
	assert.False(t, toggles.SubmissionsEnabled())
	toggles.SetSubmissionsEnabled(false)
	assert.False(t, toggles.SubmissionsEnabled())
}
