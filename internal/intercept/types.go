// Package intercept watches tracker API traffic and hands qualifying
// payloads to a Sink.
//
// Two entry points exist. PageHook sits in the page's own request path (a
// wrapped RoundTripper or a reverse proxy ModifyResponse) and never changes
// what the page receives. CompletionObserver is told after the fact that a
// request finished, fetches the body itself and relays it to the page.
package intercept

import (
	"context"
	"time"

	"reviewwatch/internal/review"
)

const (
	SourcePageHook   = "page_hook"
	SourceCompletion = "completion"
)

// PageIDHeader carries the page id on proxied requests.
const PageIDHeader = "X-Reviewwatch-Page"

type Observation struct {
	URL      string
	PageID   string
	PageURL  string
	Source   string
	Payload  review.Payload
	Received time.Time
}

type Sink interface {
	OnTrackerResponse(ctx context.Context, obs Observation)
}

type SinkFunc func(ctx context.Context, obs Observation)

func (f SinkFunc) OnTrackerResponse(ctx context.Context, obs Observation) { f(ctx, obs) }

// Sinks fans one observation out to several sinks in order.
type Sinks []Sink

func (s Sinks) OnTrackerResponse(ctx context.Context, obs Observation) {
	for _, sk := range s {
		if sk != nil {
			sk.OnTrackerResponse(ctx, obs)
		}
	}
}
