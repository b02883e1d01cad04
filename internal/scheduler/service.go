// Package scheduler triggers named background jobs on cron or interval
// schedules.
//
// Jobs never overlap themselves: a trigger that fires while the previous
// run is still going is skipped and counted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"reviewwatch/internal/eventbus"
	"reviewwatch/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty is Local
}

type Job func(ctx context.Context) error

// RunEvent is published on the bus after every run.
type RunEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

const TypeJobRun = "scheduler.run"

type ScheduleInfo struct {
	Name          string
	Spec          string
	Timeout       time.Duration
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
	Runs          uint64
	Skipped       uint64
	Failures      uint64
	LastErr       string
	LastRun       time.Duration
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}

type runState struct {
	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastRun time.Duration
}

type scheduleDef struct {
	name          string
	spec          string
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// base context of triggered runs; canceled by Stop
	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.Comp("scheduler")),
		bus: bus,
		// SecondOptional accepts both 5 and 6 field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config and re-registers every schedule on a timezone change.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering. Schedules added earlier are registered now.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering, cancels running jobs and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("jobs still running at stop")
	}
	s.log.Info("service stopped")
}

// AddSchedule parses schedule and registers job under name, replacing any
// schedule of the same name.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, job)
	}
	if _, err := s.parser.Parse(ps.Cron); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return s.add(name, ps.Cron, timeout, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be > 0", name)
	}
	return s.add(name, "@every "+every.String(), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job, state: &runState{}}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name), logx.String("spec", spec), logx.Duration("spread", d.startupSpread))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// RunNow runs the named job synchronously under the same overlap rule as
// triggered runs. ran is false when a run was already in flight.
func (s *Service) RunNow(ctx context.Context, name string) (ran bool, err error) {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.name == name {
			d = x
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.run(ctx, d)
}

func (s *Service) run(ctx context.Context, d *scheduleDef) (bool, error) {
	st := d.state
	if !st.running.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		s.log.Debug("run skipped, previous still running", logx.String("name", d.name))
		return false, nil
	}
	defer st.running.Store(false)
	s.runs.Add(1)
	defer s.runs.Done()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.job(ctx)
	}()
	took := time.Since(start)

	st.runs.Add(1)
	st.mu.Lock()
	st.lastRun = took
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	st.mu.Unlock()

	ev := RunEvent{Name: d.name, Duration: took}
	if err != nil {
		st.failures.Add(1)
		ev.Error = err.Error()
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", took))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: TypeJobRun, Data: ev})
	}
	return true, err
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.log}),
	)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	ctx := s.runCtx
	job := cron.FuncJob(func() { _, _ = s.run(ctx, d) })

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, jitter := intervalWithSpread(dur, time.Now().In(s.loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if snap.Timezone == "" && s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		st := d.state
		it := ScheduleInfo{
			Name: d.name, Spec: d.spec, Timeout: d.timeout, StartupSpread: d.startupSpread,
			Runs: st.runs.Load(), Skipped: st.skipped.Load(), Failures: st.failures.Load(),
		}
		st.mu.Lock()
		it.LastErr, it.LastRun = st.lastErr, st.lastRun
		st.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
