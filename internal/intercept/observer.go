package intercept

import (
	"context"
	"errors"
	"net/http"
	"time"

	"reviewwatch/internal/correlate"
	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/review"
	"reviewwatch/pkg/logx"
)

// Completion says a page finished a request to URL.
type Completion struct {
	URL    string `json:"url"`
	PageID string `json:"pageId"`
}

type CompletionResult struct {
	Matched  bool   `json:"matched"`
	APIURL   string `json:"apiUrl,omitempty"`
	Resolved bool   `json:"resolved,omitempty"`
	Recorded bool   `json:"recorded,omitempty"`
	Relayed  bool   `json:"relayed,omitempty"`
	Error    string `json:"error,omitempty"`
}

type CompletionObserver struct {
	resolver *correlate.Resolver
	table    *correlate.Table
	pages    *Pages
	http     *http.Client
	bus      eventbus.Bus
	log      logx.Logger
}

func NewCompletionObserver(resolver *correlate.Resolver, table *correlate.Table, pages *Pages, client *http.Client, bus eventbus.Bus, log logx.Logger) *CompletionObserver {
	if client == nil {
		client = http.DefaultClient
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CompletionObserver{
		resolver: resolver,
		table:    table,
		pages:    pages,
		http:     client,
		bus:      bus,
		log:      log.With(logx.Comp("completion")),
	}
}

// OnCompleted resolves the request URL, records the page mapping and relays a
// freshly fetched body to the page. Failures are logged and reported in the
// result; nothing is retried.
func (o *CompletionObserver) OnCompleted(ctx context.Context, c Completion) CompletionResult {
	if c.URL == "" || !o.resolver.Patterns().Matches(c.URL) {
		return CompletionResult{}
	}
	log := o.log.With(logx.String("url", c.URL), logx.String("page", c.PageID))
	res := CompletionResult{Matched: true}

	apiURL, resolved := o.resolver.Resolve(ctx, c.URL)
	res.APIURL, res.Resolved = apiURL, resolved

	if resolved {
		if err := o.pages.Navigate(c.PageID, apiURL); err != nil {
			log.Debug("navigate skipped", logx.Err(err))
		}
	}

	pageURL, alive := o.pages.URL(c.PageID)
	if !alive {
		log.Warn("page gone; relay skipped")
		res.Error = ErrPageGone.Error()
		return res
	}
	o.table.Record(pageURL, apiURL)
	res.Recorded = true
	log.Debug("api url recorded", logx.String("page_url", pageURL), logx.String("api_url", apiURL))

	body, status, err := correlate.Fetch(ctx, o.http, apiURL)
	if err != nil {
		log.Warn("tracker fetch failed", logx.Err(err))
		res.Error = err.Error()
		return res
	}
	if status/100 != 2 {
		log.Warn("tracker fetch non-2xx", logx.Int("status", status))
		res.Error = http.StatusText(status)
		return res
	}
	p, err := review.Decode(body)
	if err != nil {
		if errors.Is(err, review.ErrSchemaMismatch) {
			o.bus.Publish(eventbus.Event{Type: eventbus.TypeSchemaMismatch, Time: time.Now(), Data: apiURL})
		}
		log.Debug("tracker body dropped", logx.Err(err))
		res.Error = err.Error()
		return res
	}

	obs := Observation{URL: apiURL, PageID: c.PageID, PageURL: pageURL, Source: SourceCompletion, Payload: p, Received: time.Now()}
	if err := o.pages.Relay(ctx, obs); err != nil {
		log.Warn("page gone; relay skipped", logx.Err(err))
		res.Error = err.Error()
		return res
	}
	res.Relayed = true
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeTrackerObserved, Time: obs.Received, Data: apiURL})
	return res
}
