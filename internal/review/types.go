// Package review turns a manuscript's reviewer lifecycle events into
// per-reviewer states.
//
// Timestamps are unix seconds; zero means the event was never observed.
package review

import (
	"fmt"
	"strconv"
)

type EventKind string

const (
	KindInvited   EventKind = "REVIEWER_INVITED"
	KindAccepted  EventKind = "REVIEWER_ACCEPTED"
	KindCompleted EventKind = "REVIEWER_COMPLETED"
)

func (k EventKind) Known() bool {
	switch k {
	case KindInvited, KindAccepted, KindCompleted:
		return true
	}
	return false
}

type ReviewEvent struct {
	ReviewerID string
	Kind       EventKind
	Timestamp  int64
}

type Status int

const (
	StatusNotAccepted Status = iota
	StatusInReview
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "Completed"
	case StatusInReview:
		return "In Review"
	default:
		return "Not accepted"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// rank orders statuses for display: higher sorts first.
func (s Status) rank() int { return int(s) }

// Days is a duration in days rounded to two decimals.
type Days float64

func (d Days) String() string { return strconv.FormatFloat(float64(d), 'f', 2, 64) }

// MarshalJSON keeps the two-decimal text form on the wire.
func (d Days) MarshalJSON() ([]byte, error) { return []byte(strconv.Quote(d.String())), nil }

type ReviewerState struct {
	ReviewerID   string `json:"reviewerId"`
	InvitedAt    int64  `json:"invitedAt,omitempty"`
	AcceptedAt   int64  `json:"acceptedAt,omitempty"`
	CompletedAt  int64  `json:"completedAt,omitempty"`
	LastUpdateAt int64  `json:"lastUpdateAt,omitempty"`
	Status       Status `json:"status"`
	// nil when either end of the interval is missing
	ResponseTime *Days `json:"responseTimeDays,omitempty"`
	ReviewTime   *Days `json:"reviewTimeDays,omitempty"`
}

// Summary is the dashboard header: completed reviews, accepted invitations
// and invitations sent (one per reviewer seen).
type Summary struct {
	Completed int `json:"completed"`
	Accepted  int `json:"accepted"`
	Invited   int `json:"invited"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d completed, %d accepted, %d invited", s.Completed, s.Accepted, s.Invited)
}
