package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/pollsvc"
	"reviewwatch/internal/storage"
	"reviewwatch/pkg/logx"
)

type Options struct {
	Poller Poller
	// Store may be nil; the registry then lives in memory only.
	Store storage.Store
	// HTTP fetches tracker URLs during Sync.
	HTTP    *http.Client
	Updates UpdateSink
	Bus     eventbus.Bus
	Log     logx.Logger

	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	// Concurrency bounds Sync fetches and re-registration after reconnect.
	Concurrency int
}

type Registry struct {
	poller  Poller
	store   storage.Store
	http    *http.Client
	updates UpdateSink
	bus     eventbus.Bus
	log     logx.Logger
	conc    int

	reconn *Reconnector

	mu     sync.Mutex
	tasks  map[string]*task
	counts map[string]int
}

func New(opts Options) (*Registry, error) {
	if opts.Poller == nil {
		return nil, errors.New("monitor: poller is required")
	}
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	r := &Registry{
		poller:  opts.Poller,
		store:   opts.Store,
		http:    opts.HTTP,
		updates: opts.Updates,
		bus:     opts.Bus,
		log:     opts.Log.With(logx.Comp("monitor")),
		conc:    opts.Concurrency,
		tasks:   map[string]*task{},
		counts:  map[string]int{},
	}
	r.reconn = newReconnector(r, opts.ReconnectBaseDelay, opts.ReconnectMaxAttempts)
	return r, nil
}

func (r *Registry) Reconnector() *Reconnector { return r.reconn }

// Start registers a task with the polling service and tracks it on success.
// A connectivity failure also schedules a reconnect sequence.
func (r *Registry) Start(ctx context.Context, p StartParams) (StartResult, error) {
	p.APIURL = strings.TrimSpace(p.APIURL)
	if p.APIURL == "" {
		return StartResult{}, errors.New("api url is required")
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}

	id, err := r.poller.Start(ctx, pollsvc.StartRequest{
		URL:      p.APIURL,
		PageURL:  p.PageURL,
		Email:    p.Email,
		Interval: p.Interval,
		Title:    p.Title,
	})
	if err != nil {
		// A caller whose own deadline ran out says nothing about the service.
		if pollsvc.IsConnectivity(err) && ctx.Err() == nil {
			r.reconn.Trigger()
		}
		r.log.Warn("start monitor failed", logx.String("api_url", p.APIURL), logx.Err(err))
		return StartResult{}, err
	}

	t := &task{
		apiURL:    p.APIURL,
		taskID:    id,
		pageURL:   p.PageURL,
		email:     p.Email,
		interval:  p.Interval,
		title:     p.Title,
		startTime: time.Now(),
	}

	r.mu.Lock()
	prev, replaced := r.tasks[p.APIURL]
	if replaced {
		// Keep what sync already learned about the manuscript.
		t.seeded, t.lastUpdated, t.paper = prev.seeded, prev.lastUpdated, prev.paper
	}
	r.tasks[p.APIURL] = t
	rec := r.recordLocked(t)
	r.mu.Unlock()

	r.putDurable(ctx, rec)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorStarted, Time: time.Now(), Data: t.info()})
	if replaced {
		r.log.Warn("duplicate monitor start; replaced existing task",
			logx.String("api_url", p.APIURL), logx.String("old_task", prev.taskID), logx.String("task", id))
	} else {
		r.log.Info("monitor started", logx.String("api_url", p.APIURL), logx.String("task", id))
	}
	return StartResult{TaskID: id, Replaced: replaced}, nil
}

// Stop deregisters a task. The local and durable records are removed even
// when the remote call fails; that failure is still returned.
func (r *Registry) Stop(ctx context.Context, apiURL string) error {
	r.mu.Lock()
	t, ok := r.tasks[apiURL]
	if ok {
		delete(r.tasks, apiURL)
	}
	r.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	if r.store != nil {
		if err := r.store.DeleteTask(ctx, apiURL); err != nil {
			r.log.Warn("delete durable task failed", logx.String("api_url", apiURL), logx.Err(err))
		}
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorStopped, Time: time.Now(), Data: t.info()})

	if err := r.poller.Stop(ctx, t.stopKey()); err != nil {
		r.log.Warn("remote stop failed; local task removed anyway",
			logx.String("api_url", apiURL), logx.String("key", t.stopKey()), logx.Err(err))
		return fmt.Errorf("stop monitor: %w", err)
	}
	r.log.Info("monitor stopped", logx.String("api_url", apiURL))
	return nil
}

// StopAll stops every task tracked when it is called, one after another.
func (r *Registry) StopAll(ctx context.Context) StopAllResult {
	res := StopAllResult{Details: []StopDetail{}}
	for _, u := range r.keys() {
		d := StopDetail{URL: u, Success: true}
		if err := r.Stop(ctx, u); err != nil {
			d.Success, d.Error = false, err.Error()
			res.TotalFailed++
		} else {
			res.TotalStopped++
		}
		res.Details = append(res.Details, d)
	}
	return res
}

func (r *Registry) Check(apiURL string) CheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := CheckResult{Notifications: r.counts[apiURL]}
	if t, ok := r.tasks[apiURL]; ok {
		info := t.info()
		res.IsMonitoring, res.TaskInfo = true, &info
	}
	return res
}

func (r *Registry) Health(ctx context.Context) HealthResult {
	info, err := r.poller.Health(ctx)
	if err != nil {
		return HealthResult{Healthy: false, Error: err.Error()}
	}
	return HealthResult{Healthy: true, ServerInfo: info}
}

// Len is the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Tasks lists every task ordered by start time.
func (r *Registry) Tasks() []TaskInfo {
	r.mu.Lock()
	out := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].APIURL < out[j].APIURL
	})
	return out
}

// Notifications returns how many updates were raised for apiURL. The count
// survives Stop and is never reset.
func (r *Registry) Notifications(apiURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[apiURL]
}

func (r *Registry) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RememberEmail stores the notification address used when START omits one.
func (r *Registry) RememberEmail(ctx context.Context, email string) {
	email = strings.TrimSpace(email)
	if r.store == nil || email == "" {
		return
	}
	if err := r.store.PutSetting(ctx, storage.SettingNotificationEmail, email); err != nil {
		r.log.Warn("remember email failed", logx.Err(err))
	}
}

func (r *Registry) RememberedEmail(ctx context.Context) string {
	if r.store == nil {
		return ""
	}
	v, _, err := r.store.GetSetting(ctx, storage.SettingNotificationEmail)
	if err != nil {
		r.log.Warn("load remembered email failed", logx.Err(err))
	}
	return v
}
