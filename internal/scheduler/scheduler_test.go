package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/internal/eventbus"
	"reviewwatch/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 30m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "30m", kind: SpecInterval, source: "duration", duration: 30 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:1m", kind: SpecInterval, source: "duration", duration: time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "interval:-5m", "cron:"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "sync")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, maxStartupSpread)

	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, first.Add(time.Minute), sched.Next(first))
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.AddInterval("sync", time.Hour, 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan bool)
	go func() {
		ran, _ := s.RunNow(context.Background(), "sync")
		done <- ran
	}()
	<-started

	ran, err := s.RunNow(context.Background(), "sync")
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	assert.True(t, <-done)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.EqualValues(t, 1, snap.Schedules[0].Runs)
	assert.EqualValues(t, 1, snap.Schedules[0].Skipped)
}

func TestRunNowRecordsFailuresAndPanics(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	require.NoError(t, s.AddInterval("persist", time.Minute, time.Second, func(context.Context) error {
		return errors.New("disk full")
	}))
	require.NoError(t, s.AddSchedule("boom", "*/5 * * * *", 0, func(context.Context) error {
		panic("bad")
	}))

	_, err := s.RunNow(context.Background(), "persist")
	assert.EqualError(t, err, "disk full")
	ev := <-events
	assert.Equal(t, TypeJobRun, ev.Type)
	assert.Equal(t, "disk full", ev.Data.(RunEvent).Error)

	_, err = s.RunNow(context.Background(), "boom")
	assert.ErrorContains(t, err, "panic: bad")

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSchedule)
}

func TestAddReplacesAndRemoves(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	job := func(context.Context) error { return nil }
	require.NoError(t, s.AddInterval("sync", time.Hour, 0, job))
	require.NoError(t, s.AddInterval("sync", 2*time.Hour, 0, job))
	require.Error(t, s.AddSchedule("bad", "61 * * * *", 0, job))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "@every 2h0m0s", snap.Schedules[0].Spec)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	assert.True(t, s.Remove("sync"))
	assert.False(t, s.Remove("sync"))
	assert.Empty(t, s.Snapshot().Schedules)
}
