package intercept

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reviewwatch/internal/correlate"
	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/review"
	"reviewwatch/pkg/logx"
)

// maxInspect is the largest body the hook will look at. Bigger bodies pass
// through untouched.
const maxInspect = 8 << 20

type PageHook struct {
	patterns correlate.Patterns
	sink     Sink
	bus      eventbus.Bus
	log      logx.Logger
}

func NewPageHook(patterns correlate.Patterns, sink Sink, bus eventbus.Bus, log logx.Logger) *PageHook {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PageHook{patterns: patterns, sink: sink, bus: bus, log: log.With(logx.Comp("page_hook"))}
}

// WrapTransport returns a RoundTripper that inspects tracker responses on
// their way back to the caller.
func (h *PageHook) WrapTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := next.RoundTrip(req)
		if err != nil || resp == nil {
			return resp, err
		}
		h.inspect(resp)
		return resp, nil
	})
}

// ModifyResponse is an httputil.ReverseProxy hook. It always returns nil.
func (h *PageHook) ModifyResponse(resp *http.Response) error {
	h.inspect(resp)
	return nil
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func (h *PageHook) inspect(resp *http.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("page hook panicked; response left as is", logx.Any("panic", rec))
		}
	}()
	if resp == nil || resp.Request == nil || resp.Body == nil {
		return
	}
	rawURL := resp.Request.URL.String()
	if !h.patterns.Matches(rawURL) {
		return
	}

	body, ok := teeBody(resp)
	if !ok {
		h.log.Debug("tracker body not inspected", logx.String("url", rawURL))
		return
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		plain, err := gunzip(body)
		if err != nil {
			h.log.Debug("tracker body not gunzipped", logx.String("url", rawURL), logx.Err(err))
			return
		}
		body = plain
	}

	p, err := review.Decode(body)
	if err != nil {
		if errors.Is(err, review.ErrSchemaMismatch) {
			h.bus.Publish(eventbus.Event{Type: eventbus.TypeSchemaMismatch, Time: time.Now(), Data: rawURL})
		}
		h.log.Debug("tracker response ignored", logx.String("url", rawURL), logx.Err(err))
		return
	}

	obs := Observation{
		URL:      rawURL,
		PageID:   resp.Request.Header.Get(PageIDHeader),
		PageURL:  resp.Request.Referer(),
		Source:   SourcePageHook,
		Payload:  p,
		Received: time.Now(),
	}
	if h.sink != nil {
		h.sink.OnTrackerResponse(resp.Request.Context(), obs)
	}
	h.bus.Publish(eventbus.Event{Type: eventbus.TypeTrackerObserved, Time: obs.Received, Data: rawURL})
}

// teeBody reads the body and puts an equivalent reader back. ok is false when
// the body was too large or unreadable; the caller still sees every byte the
// origin sent, followed by the original error if any.
func teeBody(resp *http.Response) ([]byte, bool) {
	orig := resp.Body
	buf, err := io.ReadAll(io.LimitReader(orig, maxInspect+1))
	resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), orig), closer: orig}
	if err != nil || len(buf) > maxInspect {
		return nil, false
	}
	return buf, true
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInspect+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInspect {
		return nil, fmt.Errorf("decompressed body over %d bytes", maxInspect)
	}
	return out, nil
}
