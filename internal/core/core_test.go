package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/internal/correlate"
	"reviewwatch/internal/intercept"
	"reviewwatch/internal/monitor"
	"reviewwatch/pkg/logx"
)

type fakeRegistry struct {
	mu        sync.Mutex
	started   []monitor.StartParams
	stopped   []string
	email     string
	startErr  error
	persisted int
	reloaded  int
	block     chan struct{}
}

func (f *fakeRegistry) Start(_ context.Context, p monitor.StartParams) (monitor.StartResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return monitor.StartResult{}, f.startErr
	}
	f.started = append(f.started, p)
	return monitor.StartResult{TaskID: "t1", Replaced: len(f.started) > 1}, nil
}

func (f *fakeRegistry) Stop(_ context.Context, apiURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, apiURL)
	return nil
}

func (f *fakeRegistry) StopAll(context.Context) monitor.StopAllResult {
	return monitor.StopAllResult{TotalStopped: 2, TotalFailed: 1}
}

func (f *fakeRegistry) Check(apiURL string) monitor.CheckResult {
	return monitor.CheckResult{IsMonitoring: true, TaskInfo: &monitor.TaskInfo{APIURL: apiURL}, Notifications: 3}
}

func (f *fakeRegistry) Stats() monitor.Stats { return monitor.Stats{Total: 1} }

func (f *fakeRegistry) History() []monitor.HistoryEntry {
	return []monitor.HistoryEntry{{Type: "REVIEWER_INVITED", ReviewerID: "1"}}
}

func (f *fakeRegistry) Health(context.Context) monitor.HealthResult {
	return monitor.HealthResult{Healthy: false, Error: "connection refused"}
}

func (f *fakeRegistry) RememberEmail(_ context.Context, email string) {
	f.mu.Lock()
	f.email = email
	f.mu.Unlock()
}

func (f *fakeRegistry) RememberedEmail(context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.email
}

func (f *fakeRegistry) Persist(context.Context) error {
	f.mu.Lock()
	f.persisted++
	f.mu.Unlock()
	return nil
}

func (f *fakeRegistry) Reload(context.Context) error {
	f.reloaded++
	return nil
}

const (
	pageURL = "https://authors.example.com/manuscript/42"
	apiURL  = "https://track.authorhub.elsevier.com/tracker/abc"
)

func newService(t *testing.T, reg *fakeRegistry) *Service {
	t.Helper()
	s, err := New(Options{Registry: reg, Patterns: correlate.DefaultPatterns(), Log: logx.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestStartWithoutCorrelationAsksForReload(t *testing.T) {
	reg := &fakeRegistry{}
	s := newService(t, reg)

	rep := s.Handle(context.Background(), Message{Type: KindStartMonitor, URL: pageURL, Email: "a@b.c"})
	assert.False(t, rep.Success)
	assert.Equal(t, correlate.ErrNoCorrelation.Error(), rep.Error)
	assert.Empty(t, reg.started)
}

func TestStartUsesRecordedMappingAndRemembersEmail(t *testing.T) {
	reg := &fakeRegistry{}
	s := newService(t, reg)
	s.OnTrackerResponse(context.Background(), intercept.Observation{URL: apiURL, PageURL: pageURL})

	rep := s.Handle(context.Background(), Message{Type: KindStartMonitor, URL: pageURL, Email: "me@x.org", Title: "Paper"})
	require.True(t, rep.Success, rep.Error)
	assert.Equal(t, "t1", rep.TaskID)
	assert.Equal(t, apiURL, rep.APIURL)

	// the remembered email fills a later start
	rep = s.Handle(context.Background(), Message{Type: KindStartMonitor, URL: pageURL})
	require.True(t, rep.Success, rep.Error)
	assert.True(t, rep.Replaced)

	require.Len(t, reg.started, 2)
	assert.Equal(t, "me@x.org", reg.started[1].Email)
	assert.Equal(t, pageURL, reg.started[0].PageURL)
	assert.Equal(t, "Paper", reg.started[0].Title)
}

func TestStartNeedsAnEmail(t *testing.T) {
	s := newService(t, &fakeRegistry{})
	rep := s.Handle(context.Background(), Message{Type: KindStartMonitor, URL: apiURL})
	assert.Equal(t, ErrEmailRequired.Error(), rep.Error)
}

func TestStartSurfacesRemoteRejection(t *testing.T) {
	reg := &fakeRegistry{startErr: errors.New("start_monitor: server returned 400 - bad url")}
	s := newService(t, reg)
	rep := s.Handle(context.Background(), Message{Type: KindStartMonitor, URL: apiURL, Email: "a@b.c"})
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Error, "bad url")
}

func TestTrackerURLPassesThrough(t *testing.T) {
	reg := &fakeRegistry{}
	s := newService(t, reg)

	rep := s.Handle(context.Background(), Message{Type: KindStopMonitor, URL: apiURL})
	require.True(t, rep.Success)
	assert.Equal(t, []string{apiURL}, reg.stopped)

	rep = s.Handle(context.Background(), Message{Type: KindCheckMonitoring, URL: apiURL})
	require.NotNil(t, rep.Check)
	assert.Equal(t, 3, rep.Check.Notifications)
}

func TestReadOnlyKinds(t *testing.T) {
	s := newService(t, &fakeRegistry{})
	ctx := context.Background()

	rep := s.Handle(ctx, Message{Type: KindStats})
	require.NotNil(t, rep.Stats)
	assert.Equal(t, 1, rep.Stats.Total)

	rep = s.Handle(ctx, Message{Type: KindHistory})
	assert.Len(t, rep.History, 1)

	rep = s.Handle(ctx, Message{Type: KindStopAll})
	assert.False(t, rep.Success)
	assert.Equal(t, 2, rep.StopAll.TotalStopped)

	rep = s.Handle(ctx, Message{Type: KindServerHealth})
	assert.False(t, rep.Success)
	assert.Equal(t, "connection refused", rep.Error)

	rep = s.Handle(ctx, Message{Type: "NOPE"})
	assert.Contains(t, rep.Error, ErrUnknownKind.Error())
	assert.Empty(t, s.Handle(ctx, Message{Type: KindStopMonitor}).TaskID)
	assert.Equal(t, ErrURLRequired.Error(), s.Handle(ctx, Message{Type: KindStopMonitor}).Error)
}

func TestSubmitAndShutdown(t *testing.T) {
	reg := &fakeRegistry{block: make(chan struct{})}
	s := newService(t, reg)

	ch := s.Submit(context.Background(), Message{Type: KindStartMonitor, URL: apiURL, Email: "a@b.c"})

	shut := make(chan error, 1)
	go func() { shut <- s.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		return s.Handle(context.Background(), Message{Type: KindStats}).Error == ErrShuttingDown.Error()
	}, time.Second, 5*time.Millisecond)

	close(reg.block)
	rep := <-ch
	assert.True(t, rep.Success)
	require.NoError(t, <-shut)
	assert.Equal(t, 1, reg.persisted)

	rep = <-s.Submit(context.Background(), Message{Type: KindStats})
	assert.Equal(t, ErrShuttingDown.Error(), rep.Error)
}

func TestSubmitConcurrentWithShutdown(t *testing.T) {
	reg := &fakeRegistry{}
	s := newService(t, reg)
	ctx := context.Background()

	const n = 64
	replies := make(chan Reply, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies <- <-s.Submit(ctx, Message{Type: KindStats})
		}()
	}
	require.NoError(t, s.Shutdown(ctx))
	wg.Wait()
	close(replies)

	got := 0
	for rep := range replies {
		got++
		if !rep.Success {
			assert.Equal(t, ErrShuttingDown.Error(), rep.Error)
		}
	}
	assert.Equal(t, n, got)
	assert.Equal(t, 1, reg.persisted)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind(" start_monitor ")
	assert.True(t, ok)
	assert.Equal(t, KindStartMonitor, k)
	_, ok = ParseKind("bogus")
	assert.False(t, ok)
}
