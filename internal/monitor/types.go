// Package monitor owns the table of manuscripts under remote polling.
//
// A task is keyed by its tracker API URL. Start registers it with the polling
// service, Stop removes it (locally no matter what the service says), Sync
// re-reads every tracked URL and raises an update when LastUpdated moves, and
// Persist/Reload carry the table across restarts.
package monitor

import (
	"context"
	"errors"
	"time"

	"reviewwatch/internal/pollsvc"
	"reviewwatch/internal/review"
)

var ErrTaskNotFound = errors.New("monitoring task not found")

const (
	DefaultInterval = 3600
	UnknownTitle    = "Unknown title"
	UnknownJournal  = "Unknown journal"
)

// Poller is the subset of the polling service client the registry needs.
type Poller interface {
	Start(ctx context.Context, req pollsvc.StartRequest) (string, error)
	Stop(ctx context.Context, taskID string) error
	Health(ctx context.Context) (pollsvc.ServerInfo, error)
}

// UpdateSink receives manuscript status changes found by Sync.
type UpdateSink interface {
	ManuscriptUpdated(ctx context.Context, u Update)
}

type Update struct {
	APIURL      string
	PageURL     string
	Title       string
	Journal     string
	LastUpdated int64
	// Count is the task's notification count after this update.
	Count int
}

type StartParams struct {
	APIURL   string
	PageURL  string
	Email    string
	Interval int
	Title    string
}

type StartResult struct {
	TaskID string `json:"taskId"`
	// Replaced is set when the URL was already tracked; the new registration
	// wins.
	Replaced bool `json:"replaced,omitempty"`
}

// TaskInfo is the read-only view of a task.
type TaskInfo struct {
	APIURL      string    `json:"apiUrl"`
	TaskID      string    `json:"taskId,omitempty"`
	PageURL     string    `json:"pageUrl,omitempty"`
	Email       string    `json:"email,omitempty"`
	Interval    int       `json:"interval"`
	Title       string    `json:"title,omitempty"`
	StartTime   time.Time `json:"startTime"`
	LastUpdated int64     `json:"lastUpdated,omitempty"`
	Journal     string    `json:"journal,omitempty"`
}

type CheckResult struct {
	IsMonitoring  bool      `json:"isMonitoring"`
	TaskInfo      *TaskInfo `json:"taskInfo"`
	Notifications int       `json:"notifications"`
}

type StopDetail struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type StopAllResult struct {
	TotalStopped int          `json:"totalStopped"`
	TotalFailed  int          `json:"totalFailed"`
	Details      []StopDetail `json:"details"`
}

type TaskRef struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"startTime"`
}

type Stats struct {
	Total      int            `json:"total"`
	ByJournal  map[string]int `json:"byJournal"`
	OldestTask *TaskRef       `json:"oldestTask"`
	NewestTask *TaskRef       `json:"newestTask"`
}

type HistoryEntry struct {
	Date       time.Time `json:"date"`
	Type       string    `json:"type"`
	ReviewerID string    `json:"reviewerId"`
	PaperTitle string    `json:"paperTitle"`
	Journal    string    `json:"journal"`
}

type HealthResult struct {
	Healthy    bool               `json:"healthy"`
	ServerInfo pollsvc.ServerInfo `json:"serverInfo,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// task is the registry's private record.
type task struct {
	apiURL    string
	taskID    string
	pageURL   string
	email     string
	interval  int
	title     string
	startTime time.Time

	// seeded is false until a sync or a reload records a LastUpdated marker.
	seeded      bool
	lastUpdated int64
	paper       *review.Payload
}

func (t *task) info() TaskInfo {
	ti := TaskInfo{
		APIURL:      t.apiURL,
		TaskID:      t.taskID,
		PageURL:     t.pageURL,
		Email:       t.email,
		Interval:    t.interval,
		Title:       t.displayTitle(),
		StartTime:   t.startTime,
		LastUpdated: t.lastUpdated,
	}
	if t.paper != nil {
		ti.Journal = t.paper.JournalName
	}
	return ti
}

// displayTitle prefers the tracker's own title over the one given at start.
func (t *task) displayTitle() string {
	if t.paper != nil && t.paper.ManuscriptTitle != "" {
		return t.paper.ManuscriptTitle
	}
	if t.title != "" {
		return t.title
	}
	return UnknownTitle
}

func (t *task) journal() string {
	if t.paper != nil && t.paper.JournalName != "" {
		return t.paper.JournalName
	}
	return UnknownJournal
}

// stopKey is what the polling service knows the task by.
func (t *task) stopKey() string {
	if t.taskID != "" {
		return t.taskID
	}
	return t.apiURL + "_" + t.email
}
