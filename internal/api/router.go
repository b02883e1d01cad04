package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reviewwatch/internal/core"
	"reviewwatch/internal/intercept"
	"reviewwatch/internal/render"
	"reviewwatch/pkg/logx"
)

// Messages answers core messages asynchronously.
type Messages interface {
	Submit(ctx context.Context, msg core.Message) <-chan core.Reply
}

type Completions interface {
	OnCompleted(ctx context.Context, c intercept.Completion) intercept.CompletionResult
}

type Pages interface {
	Open(id, url string) string
	Navigate(id, url string) error
	Close(id string) bool
	List() []intercept.Page
}

type Dashboards interface {
	Get(key string) (render.Entry, bool)
	List() []render.Entry
}

// Deps are the components the routes expose. Nil members leave their routes
// unmounted.
type Deps struct {
	Messages    Messages
	Completions Completions
	Pages       Pages
	Dashboards  Dashboards
	HTML        *render.HTMLRenderer
	Proxy       http.Handler
	Metrics     http.Handler
	// Instrument wraps every route, typically metrics.Middleware.
	Instrument func(http.Handler) http.Handler
	Log        logx.Logger
}

// NewRouter builds the chi router for cfg.
func NewRouter(cfg Config, d Deps) *chi.Mux {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	log := d.Log.With(logx.Comp("api"))
	h := &handlers{d: d, log: log, started: time.Now()}

	r := chi.NewRouter()
	r.Use(recovery(log))
	r.Use(middleware.RequestID)
	r.Use(requestLog(log))
	if d.Instrument != nil {
		r.Use(d.Instrument)
	}

	r.Get("/healthz", h.healthz)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	if d.Proxy != nil {
		r.Handle("/proxy/*", d.Proxy)
	}
	if cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(bearer(cfg.Token))
			r.Mount("/debug", middleware.Profiler())
		})
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		if d.Messages != nil {
			r.Post("/messages", h.postMessage)
		}
		if d.Completions != nil {
			r.Post("/observe", h.postObserve)
		}
		if d.Pages != nil {
			r.Get("/pages", h.listPages)
			r.Post("/pages", h.openPage)
			r.Put("/pages/{id}", h.navigatePage)
			r.Delete("/pages/{id}", h.closePage)
		}
		if d.Dashboards != nil {
			r.Get("/dashboard", h.dashboard)
			r.Get("/dashboards", h.listDashboards)
		}
	})
	return r
}

func recovery(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic recovered",
						logx.Any("panic", rec),
						logx.String("request_id", middleware.GetReqID(r.Context())),
						logx.String("method", r.Method),
						logx.String("path", r.URL.Path),
						logx.Stack(string(debug.Stack())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLog logs at DEBUG; server errors and slow requests go to WARN.
func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("dur", d),
			}
			if ww.Status() >= 500 || d >= 2*time.Second {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}

// bearer requires "Authorization: Bearer <token>" when token is set.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
