// Package metrics exposes prometheus counters fed from the event bus and
// the HTTP API.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/scheduler"
	"reviewwatch/pkg/logx"
)

const namespace = "reviewwatch"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	observed       prometheus.Counter
	schemaMismatch prometheus.Counter
	monitorEvents  *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New(log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.Comp("metrics")),
		observed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tracker_observations_total",
			Help: "Qualifying tracker responses seen by the interception layer.",
		}),
		schemaMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tracker_schema_mismatch_total",
			Help: "Tracker responses dropped for missing fields.",
		}),
		monitorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_events_total",
			Help: "Monitoring task lifecycle events.",
		}, []string{"event"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_reconnect_sequences_total",
			Help: "Finished reconnect sequences by outcome.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notification outcomes.",
		}, []string{"result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_runs_total",
			Help: "Scheduled job runs by outcome.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scheduler_run_seconds",
			Help:    "Scheduled job run time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds",
			Help:    "HTTP API latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.observed, m.schemaMismatch, m.monitorEvents, m.reconnects,
		m.notifications, m.jobRuns, m.jobDuration, m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Gauge registers a gauge read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	if err := m.reg.Register(g); err != nil {
		m.log.Warn("gauge not registered", logx.String("name", name), logx.Err(err))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Consume counts bus events until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe counts one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeTrackerObserved:
		m.observed.Inc()
	case eventbus.TypeSchemaMismatch:
		m.schemaMismatch.Inc()
	case eventbus.TypeMonitorStarted:
		m.monitorEvents.WithLabelValues("started").Inc()
	case eventbus.TypeMonitorStopped:
		m.monitorEvents.WithLabelValues("stopped").Inc()
	case eventbus.TypeManuscriptMoved:
		m.monitorEvents.WithLabelValues("updated").Inc()
	case eventbus.TypeReconnect:
		result := "failed"
		if data, ok := ev.Data.(map[string]any); ok && data["ok"] == true {
			result = "recovered"
		}
		m.reconnects.WithLabelValues(result).Inc()
	case eventbus.TypeNotifySent:
		m.notifications.WithLabelValues("sent").Inc()
	case eventbus.TypeNotifyFailed:
		m.notifications.WithLabelValues("failed").Inc()
	case eventbus.TypeNotifyDeduped:
		m.notifications.WithLabelValues("deduped").Inc()
	case eventbus.TypeNotifyDropped:
		m.notifications.WithLabelValues("dropped").Inc()
	case scheduler.TypeJobRun:
		run, ok := ev.Data.(scheduler.RunEvent)
		if !ok {
			return
		}
		result := "ok"
		if run.Error != "" {
			result = "error"
		}
		m.jobRuns.WithLabelValues(run.Name, result).Inc()
		m.jobDuration.WithLabelValues(run.Name).Observe(run.Duration.Seconds())
	}
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
