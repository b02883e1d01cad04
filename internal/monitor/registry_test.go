package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/internal/pollsvc"
	"reviewwatch/internal/storage"
	"reviewwatch/pkg/logx"
)

type fakePoller struct {
	mu        sync.Mutex
	startErr  error
	stopErr   error
	healthErr func(n int) error
	started   []pollsvc.StartRequest
	stopped   []string
	probes    int
	next      int

	// beforeStart runs outside the lock ahead of every Start.
	beforeStart func()
}

func (f *fakePoller) Start(_ context.Context, req pollsvc.StartRequest) (string, error) {
	f.mu.Lock()
	hook := f.beforeStart
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	f.next++
	return fmt.Sprintf("task-%d", f.next), nil
}

func (f *fakePoller) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return f.stopErr
}

func (f *fakePoller) Health(context.Context) (pollsvc.ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.healthErr != nil {
		if err := f.healthErr(f.probes); err != nil {
			return nil, err
		}
	}
	return pollsvc.ServerInfo{"status": "ok"}, nil
}

func (f *fakePoller) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type captureUpdates struct {
	mu  sync.Mutex
	got []Update
}

func (c *captureUpdates) ManuscriptUpdated(_ context.Context, u Update) {
	c.mu.Lock()
	c.got = append(c.got, u)
	c.mu.Unlock()
}

func newRegistry(t *testing.T, p *fakePoller, st storage.Store, up UpdateSink) *Registry {
	t.Helper()
	r, err := New(Options{
		Poller:               p,
		Store:                st,
		Updates:              up,
		Log:                  logx.Nop(),
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxAttempts: 5,
	})
	require.NoError(t, err)
	return r
}

func connErr() error {
	return fmt.Errorf("health: %w", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
}

func TestStartThenStopLeavesTableEmpty(t *testing.T) {
	for _, remoteFails := range []bool{false, true} {
		p := &fakePoller{}
		if remoteFails {
			p.stopErr = &pollsvc.RemoteError{Op: "stop_monitor", Status: 500, Body: "boom"}
		}
		r := newRegistry(t, p, nil, nil)
		ctx := context.Background()

		res, err := r.Start(ctx, StartParams{APIURL: "https://api/1", Email: "me@x"})
		require.NoError(t, err)
		assert.Equal(t, "task-1", res.TaskID)

		err = r.Stop(ctx, "https://api/1")
		if remoteFails {
			assert.ErrorContains(t, err, "boom")
		} else {
			assert.NoError(t, err)
		}
		assert.Equal(t, 0, r.Len())
		assert.Equal(t, []string{"task-1"}, p.stopped)
	}
}

func TestStopUnknownTask(t *testing.T) {
	r := newRegistry(t, &fakePoller{}, nil, nil)
	assert.ErrorIs(t, r.Stop(context.Background(), "https://nope"), ErrTaskNotFound)
}

func TestStopUsesFallbackKeyWithoutTaskID(t *testing.T) {
	p := &fakePoller{}
	r := newRegistry(t, p, nil, nil)
	r.tasks["https://api/x"] = &task{apiURL: "https://api/x", email: "me@x"}

	require.NoError(t, r.Stop(context.Background(), "https://api/x"))
	assert.Equal(t, []string{"https://api/x_me@x"}, p.stopped)
}

func TestDuplicateStartIsReported(t *testing.T) {
	p := &fakePoller{}
	r := newRegistry(t, p, nil, nil)
	ctx := context.Background()

	first, err := r.Start(ctx, StartParams{APIURL: "u"})
	require.NoError(t, err)
	assert.False(t, first.Replaced)

	second, err := r.Start(ctx, StartParams{APIURL: "u"})
	require.NoError(t, err)
	assert.True(t, second.Replaced)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "task-2", r.Check("u").TaskInfo.TaskID)
	assert.Equal(t, DefaultInterval, p.started[0].Interval)
}

func TestStartRemoteRejectionDoesNotReconnect(t *testing.T) {
	p := &fakePoller{startErr: &pollsvc.RemoteError{Op: "start_monitor", Status: 400, Body: "bad url"}}
	r := newRegistry(t, p, nil, nil)

	_, err := r.Start(context.Background(), StartParams{APIURL: "u"})
	assert.ErrorContains(t, err, "bad url")
	assert.False(t, r.Reconnector().Running())
	assert.Equal(t, 0, r.Len())
}

func TestStartCallerDeadlineDoesNotReconnect(t *testing.T) {
	p := &fakePoller{startErr: &url.Error{Op: "Post", URL: "http://poll/start_monitor", Err: context.DeadlineExceeded}}
	r := newRegistry(t, p, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err := r.Start(ctx, StartParams{APIURL: "u"})
	require.Error(t, err)
	assert.False(t, r.Reconnector().Running())

	_, err = r.Start(context.Background(), StartParams{APIURL: "u"})
	require.Error(t, err)
	assert.True(t, r.Reconnector().Running())
}

func TestStopAll(t *testing.T) {
	p := &fakePoller{}
	r := newRegistry(t, p, nil, nil)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		_, err := r.Start(ctx, StartParams{APIURL: u})
		require.NoError(t, err)
	}
	p.stopErr = errors.New("down")

	res := r.StopAll(ctx)
	assert.Equal(t, 0, res.TotalStopped)
	assert.Equal(t, 3, res.TotalFailed)
	assert.Len(t, res.Details, 3)
	assert.Equal(t, 0, r.Len())
}

// trackerServer serves a payload whose LastUpdated the test can move.
func trackerServer(t *testing.T, lastUpdated *atomic.Int64, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s := status.Load(); s != 0 {
			w.WriteHeader(int(s))
			return
		}
		fmt.Fprintf(w, `{"ManuscriptTitle":"A very long manuscript title","JournalName":"JOT","LastUpdated":%d,
			"ReviewEvents":[{"Id":1,"Event":"REVIEWER_INVITED","Date":200},{"Id":2,"Event":"REVIEWER_INVITED","Date":100}]}`,
			lastUpdated.Load())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncNotifiesFirstObservationThenOnChange(t *testing.T) {
	var lu atomic.Int64
	var status atomic.Int32
	lu.Store(10)
	srv := trackerServer(t, &lu, &status)

	up := &captureUpdates{}
	r := newRegistry(t, &fakePoller{}, nil, up)
	ctx := context.Background()
	api := srv.URL + "/tracker/1"
	_, err := r.Start(ctx, StartParams{APIURL: api, PageURL: "https://page"})
	require.NoError(t, err)

	rep := r.Sync(ctx)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Updated)
	require.Len(t, up.got, 1)
	assert.Equal(t, 1, up.got[0].Count)
	assert.Equal(t, "https://page", up.got[0].PageURL)
	assert.Equal(t, "A very long manuscript title", up.got[0].Title)

	rep = r.Sync(ctx)
	assert.Equal(t, 0, rep.Updated)
	assert.Len(t, up.got, 1)

	lu.Store(11)
	rep = r.Sync(ctx)
	assert.Equal(t, 1, rep.Updated)
	require.Len(t, up.got, 2)
	assert.Equal(t, 2, up.got[1].Count)
	assert.Equal(t, int64(11), up.got[1].LastUpdated)

	status.Store(http.StatusBadGateway)
	lu.Store(12)
	rep = r.Sync(ctx)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 2, r.Notifications(api))

	require.NoError(t, r.Stop(ctx, api))
	assert.Equal(t, 2, r.Notifications(api))
}

func TestReloadedTaskKeepsItsMarker(t *testing.T) {
	var lu atomic.Int64
	var status atomic.Int32
	lu.Store(10)
	srv := trackerServer(t, &lu, &status)
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	api := srv.URL + "/tracker/1"

	r := newRegistry(t, &fakePoller{}, st, nil)
	_, err = r.Start(ctx, StartParams{APIURL: api})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Sync(ctx).Updated)
	require.NoError(t, r.Persist(ctx))

	up := &captureUpdates{}
	r2 := newRegistry(t, &fakePoller{}, st, up)
	require.NoError(t, r2.Reload(ctx))
	assert.Equal(t, 0, r2.Sync(ctx).Updated)
	assert.Empty(t, up.got)
	assert.Equal(t, 1, r2.Notifications(api))
}

func TestSyncFailureDoesNotHaltSweep(t *testing.T) {
	var lu atomic.Int64
	var status atomic.Int32
	srv := trackerServer(t, &lu, &status)

	r := newRegistry(t, &fakePoller{}, nil, nil)
	ctx := context.Background()
	_, err := r.Start(ctx, StartParams{APIURL: "http://127.0.0.1:1/tracker/dead"})
	require.NoError(t, err)
	_, err = r.Start(ctx, StartParams{APIURL: srv.URL + "/tracker/ok"})
	require.NoError(t, err)

	rep := r.Sync(ctx)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 1, rep.Failed)
	assert.NotNil(t, r.Check(srv.URL+"/tracker/ok").TaskInfo)
	assert.Equal(t, "JOT", r.Check(srv.URL+"/tracker/ok").TaskInfo.Journal)
}

func TestStatsAndHistory(t *testing.T) {
	var lu atomic.Int64
	var status atomic.Int32
	srv := trackerServer(t, &lu, &status)

	r := newRegistry(t, &fakePoller{}, nil, nil)
	ctx := context.Background()

	st := r.Stats()
	assert.Equal(t, 0, st.Total)
	assert.Nil(t, st.OldestTask)

	_, err := r.Start(ctx, StartParams{APIURL: srv.URL + "/tracker/1", Title: "given"})
	require.NoError(t, err)
	_, err = r.Start(ctx, StartParams{APIURL: "http://127.0.0.1:1/tracker/2"})
	require.NoError(t, err)
	r.mu.Lock()
	r.tasks["http://127.0.0.1:1/tracker/2"].startTime = time.Now().Add(time.Hour)
	r.mu.Unlock()
	r.Sync(ctx)

	st = r.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, map[string]int{"JOT": 1, UnknownJournal: 1}, st.ByJournal)
	assert.Equal(t, srv.URL+"/tracker/1", st.OldestTask.URL)
	assert.Equal(t, "A very long manuscript title", st.OldestTask.Title)
	assert.Equal(t, UnknownTitle, st.NewestTask.Title)

	h := r.History()
	require.Len(t, h, 2)
	assert.Equal(t, "2", h[0].ReviewerID)
	assert.Equal(t, "REVIEWER_INVITED", h[0].Type)
	assert.True(t, h[0].Date.Before(h[1].Date))
	assert.Equal(t, "JOT", h[1].Journal)
}

func TestPersistAndReload(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	r := newRegistry(t, &fakePoller{}, st, nil)
	_, err = r.Start(ctx, StartParams{APIURL: "https://api/1", Email: "me@x", Interval: 60, Title: "T"})
	require.NoError(t, err)
	r.counts["https://api/1"] = 4
	require.NoError(t, r.Persist(ctx))
	r.RememberEmail(ctx, "me@x")

	r2 := newRegistry(t, &fakePoller{}, st, nil)
	require.NoError(t, r2.Reload(ctx))
	c := r2.Check("https://api/1")
	require.True(t, c.IsMonitoring)
	assert.Equal(t, 60, c.TaskInfo.Interval)
	assert.Equal(t, "task-1", c.TaskInfo.TaskID)
	assert.Equal(t, 4, c.Notifications)
	assert.Equal(t, "me@x", r2.RememberedEmail(ctx))
}

func TestHealth(t *testing.T) {
	p := &fakePoller{}
	r := newRegistry(t, p, nil, nil)
	assert.True(t, r.Health(context.Background()).Healthy)

	p.healthErr = func(int) error { return errors.New("down") }
	h := r.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.Equal(t, "down", h.Error)
}
