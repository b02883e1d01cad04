// Package config loads the reviewwatch configuration from JSON or YAML and
// hot-reloads it on file changes.
//
// Durations are Go duration strings ("500ms", "30m"). Unknown keys are
// rejected in both formats.
package config

// EnvTelegramToken overrides telegram.token when set.
const EnvTelegramToken = "REVIEWWATCH_TELEGRAM_TOKEN"

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	API         APIConfig         `json:"api"`
	Tracker     TrackerConfig     `json:"tracker"`
	PollService PollServiceConfig `json:"poll_service"`
	Monitor     MonitorConfig     `json:"monitor"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// NotifyChatIDs receive manuscript update notices; empty means the owners.
	NotifyChatIDs  []int64 `json:"notify_chat_ids,omitempty"`
	NotifyThreadID int     `json:"notify_thread_id,omitempty"`
	GroupLog       int64   `json:"group_log,omitempty"`
	PollTimeout    string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// APIConfig controls the HTTP surface (messages, observe ingest, proxy,
// dashboards, metrics).
type APIConfig struct {
	Enabled        bool   `json:"enabled"`
	Addr           string `json:"addr,omitempty"` // default "127.0.0.1:8717"
	RequestTimeout string `json:"request_timeout,omitempty"`
	// Token, when set, is required as a bearer token on /v1 routes.
	Token string `json:"token,omitempty"`
	// Pprof mounts /debug/pprof on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

type TrackerConfig struct {
	TrackerPatterns   []string `json:"tracker_patterns,omitempty"`
	DetailPatterns    []string `json:"detail_patterns,omitempty"`
	CanonicalHost     string   `json:"canonical_host,omitempty"`
	CanonicalTemplate string   `json:"canonical_template,omitempty"`
	// Upstream is the tracker origin served under /proxy/.
	Upstream     string `json:"upstream,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// Timezone formats dashboard dates; empty is Local.
	Timezone string `json:"timezone,omitempty"`
}

type PollServiceConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
}

type MonitorConfig struct {
	DefaultEmail         string `json:"default_email,omitempty"`
	PersistEvery         string `json:"persist_every,omitempty"` // default 1m
	SyncEvery            string `json:"sync_every,omitempty"`    // default 30m
	ReconnectBaseDelay   string `json:"reconnect_base_delay,omitempty"`
	ReconnectMaxAttempts int    `json:"reconnect_max_attempts,omitempty"`
	Concurrency          int    `json:"concurrency,omitempty"`
}

// SchedulerConfig only tunes the scheduler; the persist and sync sweeps run
// for the whole life of the process.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the notice pipeline. An omitted section means
// enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the durable store.
//
//	"storage": { "driver": "sqlite", "path": "./reviewwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
