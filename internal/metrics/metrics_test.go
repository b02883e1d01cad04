package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/scheduler"
	"reviewwatch/pkg/logx"
)

func TestObserveCountsEvents(t *testing.T) {
	m := New(logx.Nop())
	m.Observe(eventbus.Event{Type: eventbus.TypeTrackerObserved})
	m.Observe(eventbus.Event{Type: eventbus.TypeTrackerObserved})
	m.Observe(eventbus.Event{Type: eventbus.TypeMonitorStarted})
	m.Observe(eventbus.Event{Type: eventbus.TypeReconnect, Data: map[string]any{"ok": true, "attempts": 2}})
	m.Observe(eventbus.Event{Type: eventbus.TypeNotifyDeduped})
	m.Observe(eventbus.Event{Type: scheduler.TypeJobRun, Data: scheduler.RunEvent{Name: "sync", Duration: time.Second, Error: "boom"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.observed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.monitorEvents.WithLabelValues("started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("recovered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("deduped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("sync", "error")))
}

func TestConsumeFromBus(t *testing.T) {
	m := New(logx.Nop())
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Consume(ctx, bus)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeSchemaMismatch})
		return testutil.ToFloat64(m.schemaMismatch) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerServesGaugesAndRoutes(t *testing.T) {
	m := New(logx.Nop())
	m.Gauge("monitored_tasks", "Tasks under monitoring.", func() float64 { return 3 })

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/things/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things/42", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	srv := httptest.NewServer(r)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "reviewwatch_monitored_tasks 3")
	assert.Contains(t, string(body), `reviewwatch_http_requests_total{method="GET",route="/v1/things/{id}",status="418"} 1`)
}
