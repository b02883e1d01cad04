package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"reviewwatch/internal/core"
	"reviewwatch/internal/intercept"
	"reviewwatch/pkg/logx"
)

const maxBody = 1 << 20

type handlers struct {
	d       Deps
	log     logx.Logger
	started time.Time
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		status, b = http.StatusInternalServerError, []byte(`{"error":"encode failed"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return err
	}
	if len(b) > maxBody {
		return errors.New("body too large")
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return errors.New("empty body")
	}
	return sonic.Unmarshal(b, v)
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// postMessage answers one core message. Failed replies still use 200; the
// envelope's success flag carries the outcome.
func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg core.Message
	if err := decodeBody(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, ok := core.ParseKind(string(msg.Type))
	if !ok {
		writeError(w, http.StatusBadRequest, core.ErrUnknownKind.Error()+": "+string(msg.Type))
		return
	}
	msg.Type = kind

	select {
	case rep := <-h.d.Messages.Submit(r.Context(), msg):
		writeJSON(w, http.StatusOK, rep)
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	}
}

func (h *handlers) postObserve(w http.ResponseWriter, r *http.Request) {
	var c intercept.Completion
	if err := decodeBody(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if c.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if c.PageID == "" {
		c.PageID = r.Header.Get(intercept.PageIDHeader)
	}
	writeJSON(w, http.StatusOK, h.d.Completions.OnCompleted(r.Context(), c))
}

type pageBody struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

func (h *handlers) listPages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Pages.List())
}

func (h *handlers) openPage(w http.ResponseWriter, r *http.Request) {
	var p pageBody
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := h.d.Pages.Open(p.ID, p.URL)
	writeJSON(w, http.StatusCreated, pageBody{ID: id, URL: p.URL})
}

func (h *handlers) navigatePage(w http.ResponseWriter, r *http.Request) {
	var p pageBody
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.d.Pages.Navigate(id, p.URL); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, intercept.ErrPageGone) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pageBody{ID: id, URL: p.URL})
}

func (h *handlers) closePage(w http.ResponseWriter, r *http.Request) {
	if !h.d.Pages.Close(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, intercept.ErrPageGone.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dashboard serves the latest dashboard for ?page= (id, page URL or API URL),
// as HTML unless ?format=json.
func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("page"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "page is required")
		return
	}
	e, ok := h.d.Dashboards.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "no dashboard observed for this page")
		return
	}
	if r.URL.Query().Get("format") == "json" || h.d.HTML == nil {
		writeJSON(w, http.StatusOK, e)
		return
	}
	page, err := h.d.HTML.Page(e.Dashboard)
	if err != nil {
		h.log.Warn("dashboard render failed", logx.String("page", key), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

type dashboardRef struct {
	PageID    string    `json:"pageId,omitempty"`
	PageURL   string    `json:"pageUrl,omitempty"`
	APIURL    string    `json:"apiUrl"`
	Title     string    `json:"title"`
	Reviewers int       `json:"reviewers"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (h *handlers) listDashboards(w http.ResponseWriter, _ *http.Request) {
	list := h.d.Dashboards.List()
	out := make([]dashboardRef, 0, len(list))
	for _, e := range list {
		out = append(out, dashboardRef{
			PageID: e.PageID, PageURL: e.PageURL, APIURL: e.APIURL,
			Title: e.Dashboard.Title, Reviewers: len(e.Dashboard.Rows), UpdatedAt: e.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
