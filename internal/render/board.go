package render

import (
	"context"
	"sort"
	"sync"
	"time"

	"reviewwatch/internal/intercept"
	"reviewwatch/pkg/logx"
)

// Entry is the latest dashboard seen for a page.
type Entry struct {
	PageID    string    `json:"pageId,omitempty"`
	PageURL   string    `json:"pageUrl,omitempty"`
	APIURL    string    `json:"apiUrl"`
	Source    string    `json:"source"`
	Dashboard Dashboard `json:"dashboard"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Board keeps the latest dashboard per page in memory. It is the Sink the
// interception layer feeds.
type Board struct {
	loc *time.Location
	log logx.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewBoard(loc *time.Location, log logx.Logger) *Board {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Board{loc: loc, log: log.With(logx.Comp("board")), entries: map[string]Entry{}}
}

// boardKey prefers the page id, then the page URL, then the API URL.
func boardKey(obs intercept.Observation) string {
	switch {
	case obs.PageID != "":
		return obs.PageID
	case obs.PageURL != "":
		return obs.PageURL
	default:
		return obs.URL
	}
}

func (b *Board) OnTrackerResponse(_ context.Context, obs intercept.Observation) {
	e := Entry{
		PageID:    obs.PageID,
		PageURL:   obs.PageURL,
		APIURL:    obs.URL,
		Source:    obs.Source,
		Dashboard: Build(obs.Payload, b.loc),
		UpdatedAt: obs.Received,
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	b.mu.Lock()
	b.entries[boardKey(obs)] = e
	b.mu.Unlock()
	b.log.Debug("dashboard updated",
		logx.String("key", boardKey(obs)), logx.Int("reviewers", len(e.Dashboard.Rows)))
}

// Get looks an entry up by page id, page URL or API URL.
func (b *Board) Get(key string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[key]; ok {
		return e, true
	}
	for _, e := range b.entries {
		if e.PageURL == key || e.APIURL == key {
			return e, true
		}
	}
	return Entry{}, false
}

func (b *Board) Forget(key string) {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
}

// List returns entries, most recently updated first.
func (b *Board) List() []Entry {
	b.mu.RLock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}
