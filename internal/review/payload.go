package review

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

var (
	// ErrMalformed means the body is not a JSON object.
	ErrMalformed = errors.New("tracker payload is not valid JSON")
	// ErrSchemaMismatch means the body is JSON but lacks a title or the
	// review event list.
	ErrSchemaMismatch = errors.New("tracker payload lacks ManuscriptTitle or ReviewEvents")
)

// Payload is the tracker API response body. Unknown fields are ignored.
type Payload struct {
	ManuscriptTitle     string    `json:"ManuscriptTitle"`
	ReviewEvents        EventList `json:"ReviewEvents"`
	JournalName         string    `json:"JournalName,omitempty"`
	JournalAcronym      string    `json:"JournalAcronym,omitempty"`
	PubdNumber          string    `json:"PubdNumber,omitempty"`
	FirstAuthor         string    `json:"FirstAuthor,omitempty"`
	CorrespondingAuthor string    `json:"CorrespondingAuthor,omitempty"`
	SubmissionDate      int64     `json:"SubmissionDate,omitempty"`
	LastUpdated         int64     `json:"LastUpdated,omitempty"`
}

type RawEvent struct {
	ID    ReviewerID `json:"Id"`
	Event string     `json:"Event"`
	Date  int64      `json:"Date"`
}

// ReviewerID accepts both numeric and string ids.
type ReviewerID string

func (id *ReviewerID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*id = ReviewerID(s)
		return nil
	}
	*id = ReviewerID(b)
	return nil
}

// EventList distinguishes a missing or null list from an empty one.
type EventList struct {
	Items   []RawEvent
	Present bool
}

func (l *EventList) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		*l = EventList{}
		return nil
	}
	var items []RawEvent
	if err := sonic.Unmarshal(b, &items); err != nil {
		return err
	}
	if items == nil {
		items = []RawEvent{}
	}
	*l = EventList{Items: items, Present: true}
	return nil
}

func (l EventList) MarshalJSON() ([]byte, error) {
	switch {
	case !l.Present:
		return []byte("null"), nil
	case len(l.Items) == 0:
		return []byte("[]"), nil
	}
	return sonic.Marshal(l.Items)
}

// Qualifies reports whether the payload carries a title and an event list.
func (p Payload) Qualifies() bool {
	return p.ManuscriptTitle != "" && p.ReviewEvents.Present
}

// Events converts the raw list into typed events, in input order.
func (p Payload) Events() []ReviewEvent {
	out := make([]ReviewEvent, 0, len(p.ReviewEvents.Items))
	for _, r := range p.ReviewEvents.Items {
		out = append(out, ReviewEvent{ReviewerID: string(r.ID), Kind: EventKind(r.Event), Timestamp: r.Date})
	}
	return out
}

// Reviewers is Aggregate over the payload's events.
func (p Payload) Reviewers() []ReviewerState { return Aggregate(p.Events()) }

// Decode parses body and checks the schema. A schema miss still returns the
// decoded payload alongside ErrSchemaMismatch.
func Decode(body []byte) (Payload, error) {
	var p Payload
	if err := sonic.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !p.Qualifies() {
		return p, ErrSchemaMismatch
	}
	return p, nil
}

// Encode is the inverse of Decode, used for persistence.
func Encode(p Payload) ([]byte, error) { return sonic.Marshal(p) }
