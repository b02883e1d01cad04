// Package notifier delivers short operator notices through the messaging
// adapter.
//
// Notices go through a bounded queue drained by a small worker pool. Sends
// are rate limited and retried with jittered exponential backoff. Identical
// notices inside the dedup window are suppressed, optionally across restarts
// when a durable store is configured.
package notifier

import (
	"time"

	"reviewwatch/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Targets         []transport.ChatTarget
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	ID   string
	At   time.Time
	Text string
}

// NotificationEvent is published on the bus for notifier lifecycle events.
type NotificationEvent struct {
	ID       string    `json:"id"`
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
