// Package render turns a tracker payload into the reviewer dashboard, either
// as a standalone HTML panel or as a Telegram HTML message.
package render

import (
	"strings"
	"time"

	"reviewwatch/internal/review"
)

const (
	NotInvited  = "Not invited"
	NotAccepted = "Not accepted"

	colorCompleted = "green"
	colorOther     = "#007bff"
)

// Field is one labelled header line.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type Row struct {
	ReviewerID   string `json:"reviewerId"`
	Invited      string `json:"invited"`
	Accepted     string `json:"accepted"`
	ResponseTime string `json:"responseTime"`
	ReviewTime   string `json:"reviewTime"`
	Status       string `json:"status"`
	Completed    bool   `json:"completed"`
}

// Color is the status color for the row.
func (r Row) Color() string {
	if r.Completed {
		return colorCompleted
	}
	return colorOther
}

// Dashboard is the render-ready view of one manuscript.
type Dashboard struct {
	Title   string         `json:"title"`
	Header  []Field        `json:"header"`
	Summary review.Summary `json:"summary"`
	Rows    []Row          `json:"rows"`
}

// Build aggregates the payload's events and formats every value with loc.
func Build(p review.Payload, loc *time.Location) Dashboard {
	states := p.Reviewers()
	d := Dashboard{
		Title:   p.ManuscriptTitle,
		Summary: review.Summarize(states),
		Header: []Field{
			{"Journal", journalLabel(p)},
			{"Manuscript ID", p.PubdNumber},
			{"First Author", p.FirstAuthor},
			{"Corresponding Author", p.CorrespondingAuthor},
			{"Submission Date", review.FormatDateTime(p.SubmissionDate, loc)},
			{"Last Updated", review.FormatDateTime(p.LastUpdated, loc)},
		},
		Rows: make([]Row, 0, len(states)),
	}
	for _, st := range states {
		d.Rows = append(d.Rows, Row{
			ReviewerID:   st.ReviewerID,
			Invited:      dateOr(st.InvitedAt, NotInvited, loc),
			Accepted:     dateOr(st.AcceptedAt, NotAccepted, loc),
			ResponseTime: review.FormatDays(st.ResponseTime),
			ReviewTime:   review.FormatDays(st.ReviewTime),
			Status:       st.Status.String(),
			Completed:    st.Status == review.StatusCompleted,
		})
	}
	return d
}

func journalLabel(p review.Payload) string {
	name := strings.TrimSpace(p.JournalName)
	if acr := strings.TrimSpace(p.JournalAcronym); acr != "" {
		if name == "" {
			return acr
		}
		return name + " (" + acr + ")"
	}
	return name
}

func dateOr(ts int64, missing string, loc *time.Location) string {
	if ts == 0 {
		return missing
	}
	return review.FormatDateTime(ts, loc)
}
