// Package app wires every reviewwatch component together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"reviewwatch/internal/api"
	"reviewwatch/internal/config"
	"reviewwatch/internal/core"
	"reviewwatch/internal/correlate"
	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/intercept"
	"reviewwatch/internal/metrics"
	"reviewwatch/internal/monitor"
	"reviewwatch/internal/notifier"
	"reviewwatch/internal/pollsvc"
	"reviewwatch/internal/render"
	rtsup "reviewwatch/internal/runtime/supervisor"
	"reviewwatch/internal/scheduler"
	"reviewwatch/internal/storage"
	"reviewwatch/internal/transport"
	telegram "reviewwatch/internal/transport/telegram/adapter"
	"reviewwatch/internal/transport/telegram/router"
	"reviewwatch/pkg/logx"
)

const (
	jobPersist = "monitor.persist"
	jobSync    = "monitor.sync"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// nil when telegram.enabled is false
	adapter *telegram.Adapter
	router  *router.Router
	cmds    []router.Command
	cbs     []router.CallbackRoute

	table *correlate.Table
	board *render.Board
	pages *intercept.Pages
	reg   *monitor.Registry
	core  *core.Service
	sched *scheduler.Service
	notif *notifier.Service
	stats *metrics.Metrics
	api   *api.Server

	timing  monitorTiming
	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	timing, _ := mapTiming(cfg)

	var (
		ad     *telegram.Adapter
		sender logx.Sender
		tport  transport.Adapter
	)
	if cfg.Telegram.Enabled {
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: timing.pollTimeout,
		}, logx.NewConsole("INFO"))
		if err != nil {
			return nil, err
		}
		sender, tport = ad, ad
	}

	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	appLog := log.With(logx.Comp("app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if store, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	patterns, _ := mapPatterns(cfg)
	loc := loadLocation(cfg.Tracker.Timezone)
	fetch := &http.Client{Timeout: timing.fetchTimeout}

	table := correlate.NewTable()
	board := render.NewBoard(loc, log)
	pages := intercept.NewPages(board, log)

	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, tport, log, bus, store)

	poller, err := pollsvc.New(cfg.PollService.BaseURL, timing.pollSvcTimeout)
	if err != nil {
		return nil, err
	}
	// Sync fetches refresh the dashboards too, without a page or mapping.
	syncHook := intercept.NewPageHook(patterns, board, nil, log)
	reg, err := monitor.New(monitor.Options{
		Poller:               poller,
		Store:                store,
		HTTP:                 &http.Client{Timeout: timing.fetchTimeout, Transport: syncHook.WrapTransport(nil)},
		Updates:              notifier.NewNotices(notif, log),
		Bus:                  bus,
		Log:                  log,
		ReconnectBaseDelay:   timing.reconnectBase,
		ReconnectMaxAttempts: cfg.Monitor.ReconnectMaxAttempts,
		Concurrency:          cfg.Monitor.Concurrency,
	})
	if err != nil {
		return nil, err
	}

	svc, err := core.New(core.Options{Table: table, Patterns: patterns, Registry: reg, Bus: bus, Log: log})
	if err != nil {
		return nil, err
	}

	hook := intercept.NewPageHook(patterns, intercept.Sinks{svc, board}, bus, log)
	var proxy http.Handler
	if cfg.Tracker.Upstream != "" {
		if proxy, err = intercept.NewProxy(cfg.Tracker.Upstream, "/proxy", hook); err != nil {
			return nil, err
		}
	}
	observer := intercept.NewCompletionObserver(
		correlate.NewResolver(fetch, patterns, log), table, pages, fetch, bus, log)

	stats := metrics.New(log)
	stats.Gauge("monitored_tasks", "Tasks under monitoring.", func() float64 { return float64(reg.Len()) })
	stats.Gauge("page_mappings", "Page URL to API URL mappings.", func() float64 { return float64(table.Len()) })
	stats.Gauge("open_pages", "Pages registered for relay.", func() float64 { return float64(len(pages.List())) })
	stats.Gauge("dashboards", "Dashboards held in memory.", func() float64 { return float64(len(board.List())) })
	stats.Gauge("core_messages_handled", "Core messages answered.", func() float64 { return float64(svc.Handled()) })

	html := render.NewHTMLRenderer()
	acfg, _ := mapAPIConfig(cfg)
	apiSrv := api.NewServer(acfg, func(c api.Config) http.Handler {
		return api.NewRouter(c, api.Deps{
			Messages:    svc,
			Completions: observer,
			Pages:       pages,
			Dashboards:  board,
			HTML:        html,
			Proxy:       proxy,
			Metrics:     stats.Handler(),
			Instrument:  stats.Middleware,
			Log:         log,
		})
	}, log)

	sched := scheduler.New(mapSchedulerConfig(cfg), log, bus)

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		table:   table,
		board:   board,
		pages:   pages,
		reg:     reg,
		core:    svc,
		sched:   sched,
		notif:   notif,
		stats:   stats,
		api:     apiSrv,
		timing:  timing,
		updates: make(chan transport.Update, 256),
	}
	if ad != nil {
		a.router = router.New(ad, log, cfg.Telegram.OwnerUserIDs)
		a.cmds, a.cbs = router.Commands(router.Deps{
			Core:       svc,
			Notices:    notif,
			Dashboards: board,
			Timeout:    timing.pollSvcTimeout,
		})
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if err := a.core.Init(run); err != nil {
		return fmt.Errorf("restore monitoring tasks: %w", err)
	}
	cfg := a.cfgm.Get()
	if email := cfg.Monitor.DefaultEmail; email != "" && a.reg.RememberedEmail(run) == "" {
		a.reg.RememberEmail(run, email)
	}

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
		a.router.Register(run, a.cmds, a.cbs)
		a.sup.Go("telegram.router", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
	}

	if err := a.addJobs(); err != nil {
		return err
	}
	a.sched.Start(run)

	a.sup.GoRestart("monitor.reconnect", a.reg.Reconnector().Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("metrics.consume", func(c context.Context) error { return a.stats.Consume(c, a.bus) })
	a.api.Reconfigure(run, a.apiConfig(cfg))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notifyReady()
	a.log.Info("app started",
		logx.Int("tasks", a.reg.Len()),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("api", cfg.API.Enabled),
	)
	return nil
}

func (a *App) addJobs() error {
	// No per-run timeout: each sweep ends when its own calls do.
	err := a.sched.AddInterval(jobPersist, a.timing.persistEvery, 0, a.reg.Persist)
	if err != nil {
		return err
	}
	return a.sched.AddInterval(jobSync, a.timing.syncEvery, 0, a.reg.SyncJob)
}

func (a *App) apiConfig(cfg *config.Config) api.Config {
	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		a.log.Warn("invalid api config; api disabled", logx.Err(err))
		return api.Config{}
	}
	return acfg
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// Messages already accepted still finish; the final persist runs below.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("core", 4*time.Second, a.core.Shutdown)
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, a.adapter.Stop)
	}
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
