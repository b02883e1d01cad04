package app

import (
	"fmt"
	"strings"
	"time"

	"reviewwatch/internal/api"
	"reviewwatch/internal/config"
	"reviewwatch/internal/correlate"
	"reviewwatch/internal/notifier"
	"reviewwatch/internal/scheduler"
	"reviewwatch/internal/storage"
	"reviewwatch/internal/transport"
	"reviewwatch/pkg/logx"
)

const (
	defaultPersistEvery = time.Minute
	defaultSyncEvery    = 30 * time.Minute
	defaultFetchTimeout = 15 * time.Second
	defaultPollTimeout  = 10 * time.Second
	defaultCmdTimeout   = 20 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.Enabled && cfg.Telegram.GroupLog != 0,
			ChatID:     cfg.Telegram.GroupLog,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig sends notices to notify_chat_ids, or to the owners when
// none are set. Without Telegram the notifier stays off.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true, DedupWindow: 10 * time.Minute}
	if n := cfg.Notifier; n != nil {
		retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
		if err != nil {
			return notifier.Config{}, err
		}
		retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
		if err != nil {
			return notifier.Config{}, err
		}
		dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow)
		if err != nil {
			return notifier.Config{}, err
		}
		out = notifier.Config{
			Enabled:         n.Enabled,
			Workers:         n.Workers,
			QueueSize:       n.QueueSize,
			RatePerSec:      n.RatePerSec,
			RetryMax:        n.RetryMax,
			RetryBase:       retryBase,
			RetryMaxDelay:   retryMaxDelay,
			DedupWindow:     dedup,
			DedupMaxEntries: n.DedupMaxEntries,
			PersistDedup:    n.PersistDedup,
		}
	}
	if !cfg.Telegram.Enabled {
		out.Enabled = false
	}

	ids := cfg.Telegram.NotifyChatIDs
	if len(ids) == 0 {
		ids = cfg.Telegram.OwnerUserIDs
	}
	for _, id := range ids {
		out.Targets = append(out.Targets, transport.ChatTarget{ChatID: id, ThreadID: cfg.Telegram.NotifyThreadID})
	}
	return out, nil
}

// mapSchedulerConfig keeps the scheduler on: it hosts the monitor sweeps.
func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: true, Timezone: cfg.Scheduler.Timezone}
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	timeout, err := config.ParseDurationOrDefault("api.request_timeout", cfg.API.RequestTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:        cfg.API.Enabled,
		Addr:           cfg.API.Addr,
		RequestTimeout: timeout,
		Token:          cfg.API.Token,
		Pprof:          cfg.API.Pprof,
	}, nil
}

// mapPatterns overlays configured tracker rules on the defaults.
func mapPatterns(cfg *config.Config) (correlate.Patterns, error) {
	p := correlate.DefaultPatterns()
	t := cfg.Tracker
	if len(t.TrackerPatterns) > 0 {
		p.Tracker = t.TrackerPatterns
	}
	if len(t.DetailPatterns) > 0 {
		p.Detail = t.DetailPatterns
	}
	if h := strings.TrimSpace(t.CanonicalHost); h != "" {
		p.CanonicalHost = h
	}
	if tpl := strings.TrimSpace(t.CanonicalTemplate); tpl != "" {
		p.CanonicalTemplate = tpl
	}
	if err := p.Validate(); err != nil {
		return correlate.Patterns{}, fmt.Errorf("tracker: %w", err)
	}
	return p, nil
}

type monitorTiming struct {
	persistEvery   time.Duration
	syncEvery      time.Duration
	reconnectBase  time.Duration
	fetchTimeout   time.Duration
	pollSvcTimeout time.Duration
	pollTimeout    time.Duration
}

func mapTiming(cfg *config.Config) (monitorTiming, error) {
	var (
		t   monitorTiming
		err error
	)
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"monitor.persist_every", cfg.Monitor.PersistEvery, defaultPersistEvery, &t.persistEvery},
		{"monitor.sync_every", cfg.Monitor.SyncEvery, defaultSyncEvery, &t.syncEvery},
		{"monitor.reconnect_base_delay", cfg.Monitor.ReconnectBaseDelay, 0, &t.reconnectBase},
		{"tracker.fetch_timeout", cfg.Tracker.FetchTimeout, defaultFetchTimeout, &t.fetchTimeout},
		{"poll_service.timeout", cfg.PollService.Timeout, defaultCmdTimeout, &t.pollSvcTimeout},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout, &t.pollTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return monitorTiming{}, err
		}
	}
	return t, nil
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// validateMapped runs every mapper so a reload that cannot be applied is
// rejected before commit.
func validateMapped(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPatterns(cfg); err != nil {
		return err
	}
	_, err := mapTiming(cfg)
	return err
}

// CheckConfig parses the file at path with every check a running daemon
// applies and returns the parsed config.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path, logx.Nop()).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
