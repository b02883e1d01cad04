package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/internal/storage"
	"reviewwatch/pkg/logx"
)

func TestLinearBackOffPolicy(t *testing.T) {
	c := &Reconnector{base: time.Second, maxAttempts: 5}
	b := c.policy()

	var waits []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		waits = append(waits, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, waits)
}

func TestReconnectGivesUpAfterMaxProbes(t *testing.T) {
	p := &fakePoller{healthErr: func(int) error { return connErr() }}
	r := newRegistry(t, p, nil, nil)

	ok := r.Reconnector().sequence(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 5, p.probes)
}

func TestReconnectReregistersAllTasks(t *testing.T) {
	p := &fakePoller{}
	r := newRegistry(t, p, nil, nil)
	ctx := context.Background()
	_, err := r.Start(ctx, StartParams{APIURL: "a", Email: "me@x", Interval: 120})
	require.NoError(t, err)
	_, err = r.Start(ctx, StartParams{APIURL: "b"})
	require.NoError(t, err)
	r.mu.Lock()
	r.tasks["b"].interval = 0
	r.mu.Unlock()

	p.healthErr = func(n int) error {
		if n < 3 {
			return connErr()
		}
		return nil
	}
	require.True(t, r.Reconnector().sequence(ctx))
	assert.Equal(t, 3, p.probes)
	assert.Equal(t, 4, p.startCount())

	byURL := map[string]int{}
	for _, s := range p.started[2:] {
		byURL[s.URL] = s.Interval
		assert.Equal(t, UnknownTitle, s.Title)
	}
	assert.Equal(t, map[string]int{"a": 120, "b": DefaultInterval}, byURL)
}

func TestConnectivityFailureTriggersSingleSequence(t *testing.T) {
	p := &fakePoller{startErr: connErr()}
	r := newRegistry(t, p, nil, nil)

	_, err := r.Start(context.Background(), StartParams{APIURL: "a"})
	require.Error(t, err)
	assert.True(t, r.Reconnector().Running())
	assert.False(t, r.Reconnector().Trigger())

	p.mu.Lock()
	p.startErr = nil
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Reconnector().Run(ctx) }()

	require.Eventually(t, func() bool { return !r.Reconnector().Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.probes)
}

func TestReregisterKeepsTaskAndUpdatesID(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	r := newRegistry(t, &fakePoller{}, st, nil)
	_, err = r.Start(ctx, StartParams{APIURL: "a", Email: "me@x"})
	require.NoError(t, err)
	started := r.Check("a").TaskInfo.StartTime

	r.reregisterAll(ctx)

	c := r.Check("a")
	require.True(t, c.IsMonitoring)
	assert.Equal(t, "task-2", c.TaskInfo.TaskID)
	assert.True(t, started.Equal(c.TaskInfo.StartTime))

	recs, err := st.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "task-2", recs[0].TaskID)
}

func TestReregisterDropsTaskStoppedMeanwhile(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	p := &fakePoller{}
	r := newRegistry(t, p, st, nil)
	_, err = r.Start(ctx, StartParams{APIURL: "a", Email: "me@x"})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	p.mu.Lock()
	p.beforeStart = func() {
		close(entered)
		<-release
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.reregisterAll(ctx)
		close(done)
	}()
	<-entered
	require.NoError(t, r.Stop(ctx, "a"))
	close(release)
	<-done

	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Check("a").IsMonitoring)
	recs, err := st.LoadTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []string{"task-1", "task-2"}, p.stopped)
}
