package core

import (
	"errors"
	"strings"

	"reviewwatch/internal/monitor"
)

// Kind names one inbound request.
type Kind string

const (
	KindStartMonitor    Kind = "START_MONITOR"
	KindStopMonitor     Kind = "STOP_MONITOR"
	KindCheckMonitoring Kind = "CHECK_MONITORING"
	KindStats           Kind = "GET_MONITORING_STATS"
	KindStopAll         Kind = "STOP_ALL_MONITORING"
	KindServerHealth    Kind = "CHECK_SERVER_HEALTH"
	KindHistory         Kind = "GET_HISTORICAL_DATA"
)

var (
	ErrUnknownKind   = errors.New("unknown message type")
	ErrURLRequired   = errors.New("url is required")
	ErrEmailRequired = errors.New("notification email is required")
	ErrShuttingDown  = errors.New("service is shutting down")
)

// Kinds lists every accepted message kind.
func Kinds() []Kind {
	return []Kind{
		KindStartMonitor, KindStopMonitor, KindCheckMonitoring,
		KindStats, KindStopAll, KindServerHealth, KindHistory,
	}
}

// ParseKind accepts the canonical names case-insensitively.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, k := range Kinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Message is one request. URL is the page URL as the user sees it; a tracker
// API URL is accepted as well.
type Message struct {
	Type     Kind   `json:"type"`
	URL      string `json:"url,omitempty"`
	Email    string `json:"email,omitempty"`
	Interval int    `json:"interval,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Reply is the envelope returned for every message. Only the fields of the
// request's kind are set.
type Reply struct {
	Type    Kind   `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	TaskID   string `json:"taskId,omitempty"`
	Replaced bool   `json:"replaced,omitempty"`
	APIURL   string `json:"apiUrl,omitempty"`

	Check   *monitor.CheckResult   `json:"check,omitempty"`
	Stats   *monitor.Stats         `json:"stats,omitempty"`
	StopAll *monitor.StopAllResult `json:"stopAll,omitempty"`
	Health  *monitor.HealthResult  `json:"health,omitempty"`
	History []monitor.HistoryEntry `json:"history,omitempty"`
}

func failure(k Kind, err error) Reply {
	return Reply{Type: k, Error: err.Error()}
}
