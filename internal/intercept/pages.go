package intercept

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reviewwatch/pkg/logx"
)

var ErrPageGone = errors.New("page no longer exists")

type Page struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	OpenedAt    time.Time `json:"openedAt"`
	Navigations int       `json:"navigations"`
}

// Pages tracks open pages and delivers relayed payloads to them through the
// Sink.
type Pages struct {
	sink Sink
	log  logx.Logger

	mu    sync.RWMutex
	pages map[string]*Page
}

func NewPages(sink Sink, log logx.Logger) *Pages {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pages{sink: sink, log: log.With(logx.Comp("pages")), pages: map[string]*Page{}}
}

// Open registers a page and returns its id; an empty id gets a fresh one.
func (p *Pages) Open(id, url string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	p.mu.Lock()
	p.pages[id] = &Page{ID: id, URL: strings.TrimSpace(url), OpenedAt: time.Now()}
	p.mu.Unlock()
	return id
}

// Navigate moves a live page to url.
func (p *Pages) Navigate(id, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, ok := p.pages[id]
	if !ok {
		return ErrPageGone
	}
	pg.URL = url
	pg.Navigations++
	return nil
}

func (p *Pages) Close(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pages[id]
	delete(p.pages, id)
	return ok
}

func (p *Pages) URL(id string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pg, ok := p.pages[id]
	if !ok {
		return "", false
	}
	return pg.URL, true
}

func (p *Pages) List() []Page {
	p.mu.RLock()
	out := make([]Page, 0, len(p.pages))
	for _, pg := range p.pages {
		out = append(out, *pg)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Relay delivers obs to the page named by obs.PageID.
func (p *Pages) Relay(ctx context.Context, obs Observation) error {
	url, ok := p.URL(obs.PageID)
	if !ok {
		return ErrPageGone
	}
	if obs.PageURL == "" {
		obs.PageURL = url
	}
	if p.sink != nil {
		p.sink.OnTrackerResponse(ctx, obs)
	}
	return nil
}
