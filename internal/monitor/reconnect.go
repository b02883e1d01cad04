package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"

	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/pollsvc"
	"reviewwatch/internal/storage"
	"reviewwatch/pkg/logx"
)

const (
	defaultReconnectBase     = time.Minute
	defaultReconnectAttempts = 5
)

// linearBackOff waits base*n before the (n+1)th attempt.
type linearBackOff struct {
	base time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.base * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Reconnector probes the polling service after a connectivity failure and,
// once it answers, re-registers every tracked task. Only one sequence runs
// at a time.
type Reconnector struct {
	reg         *Registry
	base        time.Duration
	maxAttempts int

	kick    chan struct{}
	running atomic.Bool
}

func newReconnector(reg *Registry, base time.Duration, maxAttempts int) *Reconnector {
	if base <= 0 {
		base = defaultReconnectBase
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultReconnectAttempts
	}
	return &Reconnector{reg: reg, base: base, maxAttempts: maxAttempts, kick: make(chan struct{}, 1)}
}

// Running reports whether a sequence is in progress.
func (c *Reconnector) Running() bool { return c.running.Load() }

// Trigger asks Run to start a sequence. It returns false when one is already
// running or pending.
func (c *Reconnector) Trigger() bool {
	if !c.running.CompareAndSwap(false, true) {
		return false
	}
	select {
	case c.kick <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run serves Trigger calls until ctx ends.
func (c *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
			c.sequence(ctx)
			c.running.Store(false)
		}
	}
}

func (c *Reconnector) policy() backoff.BackOff {
	return backoff.WithMaxRetries(&linearBackOff{base: c.base}, uint64(c.maxAttempts-1))
}

// sequence returns whether the service came back.
func (c *Reconnector) sequence(ctx context.Context) bool {
	log := c.reg.log.With(logx.String("op", "reconnect"))
	attempt := 0
	probe := func() error {
		attempt++
		log.Warn("probing polling service", logx.Int("attempt", attempt), logx.Int("max", c.maxAttempts))
		_, err := c.reg.poller.Health(ctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("polling service still unreachable", logx.Err(err), logx.Duration("retry_in", next))
	}

	err := backoff.RetryNotify(probe, backoff.WithContext(c.policy(), ctx), notify)
	c.reg.bus.Publish(eventbus.Event{Type: eventbus.TypeReconnect, Time: time.Now(), Data: map[string]any{
		"ok": err == nil, "attempts": attempt,
	}})
	if err != nil {
		log.Error("giving up on polling service", logx.Int("attempts", attempt), logx.Err(err))
		return false
	}

	log.Info("polling service reachable again; re-registering tasks")
	c.reg.reregisterAll(ctx)
	return true
}

// reregisterAll re-issues Start with the polling service for every tracked
// task, using its last known parameters. Only the remote task id changes
// locally; tasks stopped or replaced while the call was in flight keep their
// current state and the fresh remote task is stopped again.
func (r *Registry) reregisterAll(ctx context.Context) {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.tasks))
	reqs := make([]pollsvc.StartRequest, 0, len(r.tasks))
	for _, t := range r.tasks {
		interval := t.interval
		if interval <= 0 {
			interval = DefaultInterval
		}
		tasks = append(tasks, t)
		reqs = append(reqs, pollsvc.StartRequest{
			URL:      t.apiURL,
			PageURL:  t.pageURL,
			Email:    t.email,
			Interval: interval,
			Title:    t.displayTitle(),
		})
	}
	r.mu.Unlock()

	p := pool.New().WithMaxGoroutines(r.conc).WithContext(ctx)
	for i := range tasks {
		i := i
		p.Go(func(ctx context.Context) error {
			r.reregister(ctx, tasks[i], reqs[i])
			return nil
		})
	}
	_ = p.Wait()
}

func (r *Registry) reregister(ctx context.Context, t *task, req pollsvc.StartRequest) {
	log := r.log.With(logx.String("api_url", req.URL))
	id, err := r.poller.Start(ctx, req)
	if err != nil {
		log.Warn("re-register failed", logx.Err(err))
		return
	}

	r.mu.Lock()
	current := r.tasks[req.URL] == t
	var rec storage.TaskRecord
	if current {
		t.taskID = id
		rec = r.recordLocked(t)
	}
	r.mu.Unlock()

	if !current {
		log.Info("task stopped during re-registration; dropping remote task", logx.String("task", id))
		if err := r.poller.Stop(ctx, id); err != nil {
			log.Warn("stop of dropped remote task failed", logx.String("task", id), logx.Err(err))
		}
		return
	}
	r.putDurable(ctx, rec)
	log.Info("monitor re-registered", logx.String("task", id))
}
