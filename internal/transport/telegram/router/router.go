package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "reviewwatch/internal/runtime/supervisor"
	"reviewwatch/internal/transport"
	"reviewwatch/pkg/logx"
	"reviewwatch/pkg/tgui"
)

const jobQueueCap = 256

type Router struct {
	mu        sync.RWMutex
	cmds      map[string]*Command // name and aliases
	ordered   []Command
	callbacks map[string]map[string]CallbackRoute // scope -> action
	owners    []int64

	log     logx.Logger
	adapter transport.Adapter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(adapter transport.Adapter, log logx.Logger, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:      map[string]*Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		log:       log.With(logx.Comp("telegram.router")),
		adapter:   adapter,
		jobs:      make(chan func(), jobQueueCap),
	}
}

// Supervisor returns the dispatcher's supervisor, nil when not running.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

// SetOwners replaces the owner list; safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Register installs the command set plus /help and publishes the menu in the
// background.
func (r *Router) Register(ctx context.Context, cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpMessage(req.Args))
		},
	})

	byName := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		ordered = append(ordered, cc)
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = &cc
				}
			}
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		s, a := strings.TrimSpace(rt.Scope), strings.TrimSpace(rt.Action)
		if s == "" || a == "" || rt.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = rt
	}

	r.mu.Lock()
	r.cmds, r.ordered, r.callbacks = byName, ordered, cb
	r.mu.Unlock()

	if up, ok := r.adapter.(transport.CommandMenuUpdater); ok {
		menu := r.menu()
		go func() {
			mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (r *Router) menu() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}

// Run dispatches updates until ctx ends or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.runMu.Lock()
	r.sup, r.running = sup, true
	r.runMu.Unlock()
	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < workers; i++ {
		i := i
		name := "command.worker." + strconv.Itoa(i)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(i, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup, r.running = nil, false
		r.runMu.Unlock()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) enqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Route queues the handler for one update.
func (r *Router) Route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		r.routeMessage(ctx, up)
	case transport.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) newRequest(up transport.Update, chat transport.ChatTarget, from int64, cmd string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: cmd,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int("thread_id", chat.ThreadID),
			logx.Int64("from_id", from),
		),
	}
}

func (r *Router) routeMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.cmds[commandWord(parts[0])]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	req := r.newRequest(up, chat, msg.FromID, cmd.Name)
	req.Args, req.Flags, req.BoolFlags = parseFlags(parts[1:])

	final := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(cmd.Timeout))
	ok = r.enqueue(func() {
		if err := final(ctx, req); err != nil {
			_ = req.Reply(ctx, tgui.New().Line("⚠️ "+err.Error()).Build())
		}
	})
	if !ok {
		_, _ = r.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := tgui.ParseData(strings.TrimSpace(cb.Data))
	if !ok {
		return
	}
	r.mu.RLock()
	route, ok := r.callbacks[scope][action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessOwnerOnly && !r.isOwner(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := r.newRequest(up, transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "cb:"+scope+":"+action)
	req.Payload = payload
	h := func(ctx context.Context, req *Request) error { return route.Handle(ctx, req, payload) }
	final := Chain(h, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(route.Timeout))

	ok = r.enqueue(func() {
		_ = final(ctx, req)
		// stops the client's loading spinner
		_ = req.Answer(ctx, "")
	})
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}
