package intercept

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/internal/correlate"
	"reviewwatch/pkg/logx"
)

const trackerBody = `{"ManuscriptTitle":"T","ReviewEvents":[{"Id":1,"Event":"REVIEWER_INVITED","Date":10}]}`

type recordSink struct {
	mu  sync.Mutex
	obs []Observation
}

func (s *recordSink) OnTrackerResponse(_ context.Context, o Observation) {
	s.mu.Lock()
	s.obs = append(s.obs, o)
	s.mu.Unlock()
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.obs)
}

func upstream(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWrapTransportPassesBodyThrough(t *testing.T) {
	srv := upstream(t, map[string]string{
		"/tracker/1":   trackerBody,
		"/tracker/bad": `{"ManuscriptTitle":`,
		"/tracker/odd": `{"Other":true}`,
		"/elsewhere":   trackerBody,
	})
	sink := &recordSink{}
	hook := NewPageHook(correlate.DefaultPatterns(), sink, nil, logx.Nop())
	client := &http.Client{Transport: hook.WrapTransport(http.DefaultTransport)}

	for path, want := range map[string]string{
		"/tracker/1":   trackerBody,
		"/tracker/bad": `{"ManuscriptTitle":`,
		"/tracker/odd": `{"Other":true}`,
		"/elsewhere":   trackerBody,
	} {
		resp, err := client.Get(srv.URL + path)
		require.NoError(t, err)
		got, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, want, string(got), path)
	}

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "T", sink.obs[0].Payload.ManuscriptTitle)
	assert.Equal(t, SourcePageHook, sink.obs[0].Source)
}

func TestModifyResponseFailsOpen(t *testing.T) {
	hook := NewPageHook(correlate.DefaultPatterns(), SinkFunc(func(context.Context, Observation) {
		panic("sink exploded")
	}), nil, logx.Nop())

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/tracker/1", nil)
	resp := &http.Response{StatusCode: 200, Header: http.Header{}, Request: req, Body: io.NopCloser(strings.NewReader(trackerBody))}

	assert.NoError(t, hook.ModifyResponse(resp))
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, trackerBody, string(got))
}

func TestModifyResponseGzip(t *testing.T) {
	var zbuf bytes.Buffer
	zw := gzip.NewWriter(&zbuf)
	_, _ = zw.Write([]byte(trackerBody))
	require.NoError(t, zw.Close())
	compressed := zbuf.Bytes()

	sink := &recordSink{}
	hook := NewPageHook(correlate.DefaultPatterns(), sink, nil, logx.Nop())
	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/tracker/1", nil)
	req.Header.Set(PageIDHeader, "p1")
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Encoding": []string{"gzip"}},
		Request:    req,
		Body:       io.NopCloser(bytes.NewReader(compressed)),
	}

	require.NoError(t, hook.ModifyResponse(resp))
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, compressed, got)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "p1", sink.obs[0].PageID)
}

func TestProxyRoutesThroughHook(t *testing.T) {
	srv := upstream(t, map[string]string{"/api/tracker/9": trackerBody})
	sink := &recordSink{}
	hook := NewPageHook(correlate.DefaultPatterns(), sink, nil, logx.Nop())
	h, err := NewProxy(srv.URL+"/api", "/proxy", hook)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/tracker/9", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, trackerBody, rec.Body.String())
	assert.Equal(t, 1, sink.count())

	_, err = NewProxy("nope", "/proxy", hook)
	assert.Error(t, err)
}

func newObserver(t *testing.T, sink Sink) (*CompletionObserver, *Pages, *correlate.Table) {
	return newObserverWith(t, sink, correlate.DefaultPatterns())
}

func newObserverWith(t *testing.T, sink Sink, patterns correlate.Patterns) (*CompletionObserver, *Pages, *correlate.Table) {
	t.Helper()
	pages := NewPages(sink, logx.Nop())
	table := correlate.NewTable()
	res := correlate.NewResolver(http.DefaultClient, patterns, logx.Nop())
	return NewCompletionObserver(res, table, pages, http.DefaultClient, nil, logx.Nop()), pages, table
}

func TestCompletionRecordsAndRelays(t *testing.T) {
	srv := upstream(t, map[string]string{"/tracker/1": trackerBody})
	sink := &recordSink{}
	obs, pages, table := newObserver(t, sink)

	id := pages.Open("", "https://journal.example/page")
	res := obs.OnCompleted(context.Background(), Completion{URL: srv.URL + "/tracker/1", PageID: id})
	assert.True(t, res.Matched)
	assert.True(t, res.Recorded)
	assert.True(t, res.Relayed)

	api, err := table.Lookup("https://journal.example/page")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/tracker/1", api)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "https://journal.example/page", sink.obs[0].PageURL)
}

func TestCompletionSkipsClosedPage(t *testing.T) {
	srv := upstream(t, map[string]string{"/tracker/1": trackerBody})
	sink := &recordSink{}
	obs, pages, table := newObserver(t, sink)

	id := pages.Open("", "https://journal.example/page")
	pages.Close(id)
	res := obs.OnCompleted(context.Background(), Completion{URL: srv.URL + "/tracker/1", PageID: id})
	assert.True(t, res.Matched)
	assert.False(t, res.Relayed)
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0, sink.count())
}

func TestCompletionIgnoresUnrelated(t *testing.T) {
	obs, _, _ := newObserver(t, nil)
	res := obs.OnCompleted(context.Background(), Completion{URL: "https://example.com/x", PageID: "p"})
	assert.False(t, res.Matched)
}

func TestCompletionDetailNavigatesPage(t *testing.T) {
	srv := upstream(t, map[string]string{
		"/st/site/manuscript/v2/detail": `{"success":true,"result":{"uuid":"u1"}}`,
		"/tracker/u1":                   trackerBody,
	})
	patterns := correlate.DefaultPatterns()
	patterns.CanonicalTemplate = srv.URL + "/tracker/%s"
	sink := &recordSink{}
	obs, pages, table := newObserverWith(t, sink, patterns)
	id := pages.Open("p1", "https://cn.example/page")

	res := obs.OnCompleted(context.Background(), Completion{URL: srv.URL + "/st/site/manuscript/v2/detail?id=5", PageID: id})
	assert.True(t, res.Resolved)
	canonical := srv.URL + "/tracker/u1"
	assert.Equal(t, canonical, res.APIURL)

	u, ok := pages.URL(id)
	require.True(t, ok)
	assert.Equal(t, canonical, u)
	got, err := table.Lookup(canonical)
	require.NoError(t, err)
	assert.Equal(t, canonical, got)
	assert.True(t, res.Relayed)
	assert.Equal(t, 1, sink.count())
}
