package correlate

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoCorrelation is returned for a page whose API URL was never observed.
var ErrNoCorrelation = errors.New("API URL not found, please reload the page and retry")

type Mapping struct {
	PageURL    string    `json:"pageUrl"`
	APIURL     string    `json:"apiUrl"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Table is the page URL to API URL mapping. Writes are idempotent upserts
// where the last write wins; entries never expire.
type Table struct {
	mu sync.RWMutex
	m  map[string]Mapping
}

func NewTable() *Table { return &Table{m: map[string]Mapping{}} }

func (t *Table) Record(pageURL, apiURL string) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" || apiURL == "" {
		return
	}
	t.mu.Lock()
	t.m[pageURL] = Mapping{PageURL: pageURL, APIURL: apiURL, RecordedAt: time.Now()}
	t.mu.Unlock()
}

func (t *Table) Lookup(pageURL string) (string, error) {
	t.mu.RLock()
	m, ok := t.m[strings.TrimSpace(pageURL)]
	t.mu.RUnlock()
	if !ok {
		return "", ErrNoCorrelation
	}
	return m.APIURL, nil
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Snapshot lists mappings ordered by page URL.
func (t *Table) Snapshot() []Mapping {
	t.mu.RLock()
	out := make([]Mapping, 0, len(t.m))
	for _, m := range t.m {
		out = append(out, m)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PageURL < out[j].PageURL })
	return out
}
