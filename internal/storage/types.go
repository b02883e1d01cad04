// Package storage persists the monitoring task snapshot, a few durable
// settings and notifier dedup state.
//
// Drivers:
//   - "file": snapshot + append-only journal next to the configured path
//   - "sqlite": a SQLite database file (modernc.org/sqlite)
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Setting keys used by the daemon.
const (
	SettingNotificationEmail = "notification.email"
)

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRecord is the durable form of one monitoring task, keyed by APIURL.
type TaskRecord struct {
	APIURL        string    `json:"apiUrl"`
	TaskID        string    `json:"taskId,omitempty"`
	PageURL       string    `json:"pageUrl,omitempty"`
	Email         string    `json:"email,omitempty"`
	IntervalSec   int       `json:"interval,omitempty"`
	Title         string    `json:"title,omitempty"`
	StartedAt     time.Time `json:"startTime"`
	LastUpdated   int64     `json:"lastUpdated,omitempty"`
	Notifications int       `json:"notifications,omitempty"`
	// LastPayload is the last tracker body seen for the task, as raw JSON.
	LastPayload []byte `json:"lastPayload,omitempty"`
}

// Store is the persistence API used by the monitor registry and notifier.
type Store interface {
	// ReplaceTasks swaps the whole task snapshot.
	ReplaceTasks(ctx context.Context, tasks []TaskRecord) error
	PutTask(ctx context.Context, t TaskRecord) error
	DeleteTask(ctx context.Context, apiURL string) error
	LoadTasks(ctx context.Context) ([]TaskRecord, error)

	PutSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
