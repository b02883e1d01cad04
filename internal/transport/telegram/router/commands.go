package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"reviewwatch/internal/core"
	"reviewwatch/internal/monitor"
	"reviewwatch/internal/notifier"
	"reviewwatch/internal/render"
	"reviewwatch/internal/transport"
	"reviewwatch/pkg/tgui"
)

// Handler answers core messages.
type Handler interface {
	Handle(ctx context.Context, msg core.Message) core.Reply
}

type NoticeLookup interface {
	Lookup(id string) (notifier.HistoryItem, bool)
}

type Dashboards interface {
	Get(key string) (render.Entry, bool)
	List() []render.Entry
}

type Deps struct {
	Core       Handler
	Notices    NoticeLookup
	Dashboards Dashboards
	// Timeout bounds commands that reach the polling service.
	Timeout time.Duration
}

const (
	defaultHistory = 10
	maxHistory     = 50
	timeLayout     = "2006-01-02 15:04"
)

// Commands builds the command set and the notice callbacks.
func Commands(d Deps) ([]Command, []CallbackRoute) {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	cmds := []Command{
		{
			Name:        "watch",
			Aliases:     []string{"w"},
			Description: "start monitoring a manuscript",
			Usage:       "/watch <page-url> [email] [interval] [--title T]",
			Timeout:     d.Timeout,
			Handle:      d.watch,
		},
		{
			Name:        "unwatch",
			Description: "stop monitoring a manuscript",
			Usage:       "/unwatch <page-url>",
			Timeout:     d.Timeout,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) == 0 {
					return errors.New("usage: /unwatch <page-url>")
				}
				rep := d.Core.Handle(ctx, core.Message{Type: core.KindStopMonitor, URL: req.Args[0]})
				if !rep.Success {
					return errors.New(rep.Error)
				}
				return req.Reply(ctx, tgui.New().Title("🛑", "Monitoring stopped").Line(rep.APIURL).Build())
			},
		},
		{
			Name:        "status",
			Description: "show whether a manuscript is monitored",
			Usage:       "/status <page-url>",
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) == 0 {
					return errors.New("usage: /status <page-url>")
				}
				rep := d.Core.Handle(ctx, core.Message{Type: core.KindCheckMonitoring, URL: req.Args[0]})
				if !rep.Success {
					return errors.New(rep.Error)
				}
				return req.Reply(ctx, StatusMessage(rep.APIURL, rep.Check))
			},
		},
		{
			Name:        "stats",
			Description: "monitoring statistics",
			Handle: func(ctx context.Context, req *Request) error {
				rep := d.Core.Handle(ctx, core.Message{Type: core.KindStats})
				if rep.Stats == nil {
					return errors.New(rep.Error)
				}
				return req.Reply(ctx, StatsMessage(*rep.Stats))
			},
		},
		{
			Name:        "unwatch_all",
			Description: "stop every monitoring task",
			Timeout:     2 * d.Timeout,
			Handle: func(ctx context.Context, req *Request) error {
				rep := d.Core.Handle(ctx, core.Message{Type: core.KindStopAll})
				if rep.StopAll == nil {
					return errors.New(rep.Error)
				}
				return req.Reply(ctx, StopAllMessage(*rep.StopAll))
			},
		},
		{
			Name:        "health",
			Description: "check the polling server",
			Timeout:     d.Timeout,
			Handle: func(ctx context.Context, req *Request) error {
				rep := d.Core.Handle(ctx, core.Message{Type: core.KindServerHealth})
				if rep.Health == nil {
					return errors.New(rep.Error)
				}
				return req.Reply(ctx, HealthMessage(*rep.Health))
			},
		},
		{
			Name:        "history",
			Description: "latest reviewer events across monitored manuscripts",
			Usage:       "/history [n]",
			Handle: func(ctx context.Context, req *Request) error {
				n := defaultHistory
				if len(req.Args) > 0 {
					v, err := strconv.Atoi(req.Args[0])
					if err != nil || v <= 0 {
						return fmt.Errorf("invalid count %q", req.Args[0])
					}
					n = min(v, maxHistory)
				}
				rep := d.Core.Handle(ctx, core.Message{Type: core.KindHistory})
				if !rep.Success {
					return errors.New(rep.Error)
				}
				return req.Reply(ctx, HistoryMessage(rep.History, n))
			},
		},
	}
	if d.Dashboards != nil {
		cmds = append(cmds, Command{
			Name:        "dashboard",
			Aliases:     []string{"d"},
			Description: "latest reviewer dashboard seen for a page",
			Usage:       "/dashboard [page-url|page-id]",
			Handle: func(ctx context.Context, req *Request) error {
				e, ok := latestDashboard(d.Dashboards, req.Args)
				if !ok {
					return errors.New("no dashboard observed yet")
				}
				return req.Reply(ctx, render.Telegram(e.Dashboard))
			},
		})
	}

	var cbs []CallbackRoute
	if d.Notices != nil {
		cbs = append(cbs, CallbackRoute{
			Scope:  notifier.NoticeScope,
			Action: notifier.DismissAction,
			Handle: d.dismiss,
		})
	}
	return cmds, cbs
}

func (d Deps) watch(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return errors.New("usage: /watch <page-url> [email] [interval]")
	}
	msg := core.Message{
		Type:  core.KindStartMonitor,
		URL:   req.Args[0],
		Email: req.Flags["email"],
		Title: req.Flags["title"],
	}
	interval := req.Flags["interval"]
	for _, a := range req.Args[1:] {
		if strings.Contains(a, "@") {
			msg.Email = a
		} else {
			interval = a
		}
	}
	if interval != "" {
		secs, err := ParseInterval(interval)
		if err != nil {
			return err
		}
		msg.Interval = secs
	}

	rep := d.Core.Handle(ctx, msg)
	if !rep.Success {
		return errors.New(rep.Error)
	}
	b := tgui.New().Title("👀", "Monitoring started").
		KV("api url", rep.APIURL).
		KV("task", rep.TaskID)
	if rep.Replaced {
		b.Line("It was already monitored; the new registration replaces it.")
	}
	return req.Reply(ctx, b.Build())
}

// dismiss strips the buttons off a notice.
func (d Deps) dismiss(ctx context.Context, req *Request, id string) error {
	cb := req.Update.Callback
	item, ok := d.Notices.Lookup(id)
	if !ok {
		return req.Answer(ctx, "Notice expired")
	}
	ref := transport.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	if err := req.Adapter.EditText(ctx, ref, item.Text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		return err
	}
	return req.Answer(ctx, "Dismissed")
}

// ParseInterval reads seconds ("3600") or a Go duration ("1h").
func ParseInterval(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return n, nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil || dur < time.Second {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return int(dur / time.Second), nil
}

func latestDashboard(src Dashboards, args []string) (render.Entry, bool) {
	if len(args) > 0 {
		return src.Get(args[0])
	}
	list := src.List()
	if len(list) == 0 {
		return render.Entry{}, false
	}
	return list[0], true
}

func StatusMessage(apiURL string, res *monitor.CheckResult) tgui.Message {
	if res == nil || !res.IsMonitoring || res.TaskInfo == nil {
		b := tgui.New().Title("⚪", "Not monitored").Line(apiURL)
		if res != nil && res.Notifications > 0 {
			b.KV("notifications", strconv.Itoa(res.Notifications))
		}
		return b.Build()
	}
	t := res.TaskInfo
	b := tgui.New().Title("🟢", "Monitored").
		KV("title", t.Title).
		KV("journal", t.Journal).
		KV("email", t.Email).
		KV("interval", (time.Duration(t.Interval) * time.Second).String()).
		KV("since", t.StartTime.Format(timeLayout)).
		KV("notifications", strconv.Itoa(res.Notifications))
	if t.LastUpdated > 0 {
		b.KV("last update", time.Unix(t.LastUpdated, 0).Format(timeLayout))
	}
	return b.Build()
}

func StatsMessage(st monitor.Stats) tgui.Message {
	b := tgui.New().Title("📊", "Monitoring stats").KV("total", strconv.Itoa(st.Total))
	if len(st.ByJournal) > 0 {
		b.Blank().Section("By journal")
		names := make([]string, 0, len(st.ByJournal))
		for j := range st.ByJournal {
			names = append(names, j)
		}
		sort.Strings(names)
		for _, j := range names {
			b.KV(j, strconv.Itoa(st.ByJournal[j]))
		}
	}
	if st.OldestTask != nil {
		b.Blank().KV("oldest", st.OldestTask.Title+" ("+st.OldestTask.StartTime.Format(timeLayout)+")")
	}
	if st.NewestTask != nil {
		b.KV("newest", st.NewestTask.Title+" ("+st.NewestTask.StartTime.Format(timeLayout)+")")
	}
	return b.Build()
}

func StopAllMessage(res monitor.StopAllResult) tgui.Message {
	b := tgui.New().Title("🛑", "Stopped all monitoring").
		KV("stopped", strconv.Itoa(res.TotalStopped)).
		KV("failed", strconv.Itoa(res.TotalFailed))
	for _, d := range res.Details {
		if !d.Success {
			b.Line("• " + d.URL + ": " + d.Error)
		}
	}
	return b.Build()
}

func HealthMessage(h monitor.HealthResult) tgui.Message {
	if !h.Healthy {
		return tgui.New().Title("🔴", "Polling server unreachable").Line(h.Error).Build()
	}
	b := tgui.New().Title("🟢", "Polling server healthy")
	keys := make([]string, 0, len(h.ServerInfo))
	for k := range h.ServerInfo {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.KV(k, fmt.Sprint(h.ServerInfo[k]))
	}
	return b.Build()
}

// HistoryMessage shows the n most recent entries, newest first.
func HistoryMessage(entries []monitor.HistoryEntry, n int) tgui.Message {
	b := tgui.New().Title("🕘", "Review history")
	if len(entries) == 0 {
		return b.Line("No events recorded.").Build()
	}
	start := max(len(entries)-n, 0)
	for i := len(entries) - 1; i >= start; i-- {
		e := entries[i]
		b.HTML(tgui.JoinH(" ",
			tgui.Code(e.Date.Format(timeLayout)),
			tgui.B(strings.TrimPrefix(e.Type, "REVIEWER_")),
			tgui.Esc("#"+e.ReviewerID),
		))
		b.Line("   " + tgui.Ellipsize(e.PaperTitle, 60) + " · " + e.Journal)
	}
	return b.Build()
}
