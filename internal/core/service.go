// Package core owns the daemon's shared state: the page to API URL table and
// the monitoring registry. Every transport talks to it through Handle.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reviewwatch/internal/correlate"
	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/intercept"
	"reviewwatch/internal/monitor"
	"reviewwatch/pkg/logx"
)

// Registry is the part of monitor.Registry the service drives.
type Registry interface {
	Start(ctx context.Context, p monitor.StartParams) (monitor.StartResult, error)
	Stop(ctx context.Context, apiURL string) error
	StopAll(ctx context.Context) monitor.StopAllResult
	Check(apiURL string) monitor.CheckResult
	Stats() monitor.Stats
	History() []monitor.HistoryEntry
	Health(ctx context.Context) monitor.HealthResult
	RememberEmail(ctx context.Context, email string)
	RememberedEmail(ctx context.Context) string
	Persist(ctx context.Context) error
	Reload(ctx context.Context) error
}

type Options struct {
	Table    *correlate.Table
	Patterns correlate.Patterns
	Registry Registry
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Service struct {
	table    *correlate.Table
	patterns correlate.Patterns
	reg      Registry
	bus      eventbus.Bus
	log      logx.Logger

	// mu orders admission against Shutdown so inflight.Add never races Wait.
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	handled  atomic.Uint64
}

var _ intercept.Sink = (*Service)(nil)

func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("core: registry is required")
	}
	if opts.Table == nil {
		opts.Table = correlate.NewTable()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Service{
		table:    opts.Table,
		patterns: opts.Patterns,
		reg:      opts.Registry,
		bus:      opts.Bus,
		log:      opts.Log.With(logx.Comp("core")),
	}, nil
}

func (s *Service) Table() *correlate.Table { return s.table }

// Handled is the number of messages answered so far.
func (s *Service) Handled() uint64 { return s.handled.Load() }

// Init restores persisted tasks.
func (s *Service) Init(ctx context.Context) error {
	if err := s.reg.Reload(ctx); err != nil {
		return fmt.Errorf("reload tasks: %w", err)
	}
	return nil
}

// Shutdown refuses new messages, waits for in-flight ones until ctx ends and
// persists the task table.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("messages still in flight at shutdown")
	}
	return s.reg.Persist(context.WithoutCancel(ctx))
}

// OnTrackerResponse records the page mapping for observations that name
// their page.
func (s *Service) OnTrackerResponse(_ context.Context, obs intercept.Observation) {
	if obs.PageURL == "" || obs.URL == "" || obs.PageURL == obs.URL {
		return
	}
	s.table.Record(obs.PageURL, obs.URL)
}

// Submit answers msg asynchronously. The channel yields exactly one reply.
func (s *Service) Submit(ctx context.Context, msg Message) <-chan Reply {
	out := make(chan Reply, 1)
	if !s.admit() {
		out <- failure(msg.Type, ErrShuttingDown)
		return out
	}
	go func() {
		defer s.inflight.Done()
		out <- s.handle(ctx, msg)
	}()
	return out
}

// Handle answers msg synchronously.
func (s *Service) Handle(ctx context.Context, msg Message) Reply {
	if !s.admit() {
		return failure(msg.Type, ErrShuttingDown)
	}
	defer s.inflight.Done()
	return s.handle(ctx, msg)
}

// admit counts a message in flight unless Shutdown has begun.
func (s *Service) admit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Service) handle(ctx context.Context, msg Message) (rep Reply) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("message handler panicked", logx.String("type", string(msg.Type)), logx.Any("panic", r))
			rep = failure(msg.Type, fmt.Errorf("internal error: %v", r))
		}
		s.handled.Add(1)
		fields := []logx.Field{logx.String("type", string(msg.Type)), logx.Duration("took", time.Since(start))}
		if rep.Error != "" {
			s.log.Debug("message failed", append(fields, logx.String("error", rep.Error))...)
		} else {
			s.log.Debug("message ok", fields...)
		}
	}()

	switch msg.Type {
	case KindStartMonitor:
		return s.start(ctx, msg)
	case KindStopMonitor:
		apiURL, err := s.resolve(msg.URL)
		if err != nil {
			return failure(msg.Type, err)
		}
		if err := s.reg.Stop(ctx, apiURL); err != nil {
			return failure(msg.Type, err)
		}
		return Reply{Type: msg.Type, Success: true, APIURL: apiURL}
	case KindCheckMonitoring:
		apiURL, err := s.resolve(msg.URL)
		if err != nil {
			return failure(msg.Type, err)
		}
		res := s.reg.Check(apiURL)
		return Reply{Type: msg.Type, Success: true, APIURL: apiURL, Check: &res}
	case KindStats:
		st := s.reg.Stats()
		return Reply{Type: msg.Type, Success: true, Stats: &st}
	case KindStopAll:
		res := s.reg.StopAll(ctx)
		return Reply{Type: msg.Type, Success: res.TotalFailed == 0, StopAll: &res}
	case KindServerHealth:
		h := s.reg.Health(ctx)
		rep := Reply{Type: msg.Type, Success: h.Healthy, Health: &h}
		if !h.Healthy {
			rep.Error = h.Error
		}
		return rep
	case KindHistory:
		return Reply{Type: msg.Type, Success: true, History: s.reg.History()}
	default:
		return failure(msg.Type, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Type))
	}
}

func (s *Service) start(ctx context.Context, msg Message) Reply {
	apiURL, err := s.resolve(msg.URL)
	if err != nil {
		return failure(msg.Type, err)
	}
	email := strings.TrimSpace(msg.Email)
	if email == "" {
		email = s.reg.RememberedEmail(ctx)
	} else {
		s.reg.RememberEmail(ctx, email)
	}
	if email == "" {
		return failure(msg.Type, ErrEmailRequired)
	}
	res, err := s.reg.Start(ctx, monitor.StartParams{
		APIURL:   apiURL,
		PageURL:  strings.TrimSpace(msg.URL),
		Email:    email,
		Interval: msg.Interval,
		Title:    strings.TrimSpace(msg.Title),
	})
	if err != nil {
		return failure(msg.Type, err)
	}
	if res.Replaced {
		s.log.Info("monitor registered again", logx.String("api_url", apiURL))
	}
	return Reply{Type: msg.Type, Success: true, TaskID: res.TaskID, Replaced: res.Replaced, APIURL: apiURL}
}

// resolve turns a page URL into its tracker API URL. A URL that already is a
// tracker API URL passes through.
func (s *Service) resolve(pageURL string) (string, error) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return "", ErrURLRequired
	}
	apiURL, err := s.table.Lookup(pageURL)
	if err == nil {
		return apiURL, nil
	}
	if s.patterns.Classify(pageURL) == correlate.KindTracker {
		return pageURL, nil
	}
	return "", err
}
