package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewwatch/internal/core"
	"reviewwatch/internal/monitor"
	"reviewwatch/internal/notifier"
	"reviewwatch/internal/transport"
	"reviewwatch/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	edits   []string
	answers []string
	menu    []transport.BotCommand
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return transport.MessageRef{}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opt != nil && len(opt.Buttons) > 0 {
		text += " [buttons]"
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) snapshot() (sent, edits, answers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]string(nil), f.edits...), append([]string(nil), f.answers...)
}

type fakeCore struct {
	mu   sync.Mutex
	msgs []core.Message
}

func (c *fakeCore) Handle(_ context.Context, m core.Message) core.Reply {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	switch m.Type {
	case core.KindStartMonitor:
		return core.Reply{Type: m.Type, Success: true, TaskID: "t-9", APIURL: "https://api/x"}
	case core.KindStopMonitor:
		return core.Reply{Type: m.Type, Error: "API URL not found, please reload the page and retry"}
	case core.KindStats:
		return core.Reply{Type: m.Type, Success: true, Stats: &monitor.Stats{Total: 2, ByJournal: map[string]int{"JOT": 2}}}
	}
	return core.Reply{Type: m.Type, Success: true}
}

func (c *fakeCore) last() core.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

type fakeNotices map[string]notifier.HistoryItem

func (f fakeNotices) Lookup(id string) (notifier.HistoryItem, bool) {
	it, ok := f[id]
	return it, ok
}

const owner = 7

func startRouter(t *testing.T, ad *fakeAdapter, c *fakeCore, notices NoticeLookup) chan transport.Update {
	t.Helper()
	r := New(ad, logx.Nop(), []int64{owner})
	cmds, cbs := Commands(Deps{Core: c, Notices: notices})
	ctx, cancel := context.WithCancel(context.Background())
	r.Register(ctx, cmds, cbs)

	updates := make(chan transport.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func message(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 1, FromID: from, Text: text}}
}

func TestWatchCommandMapsToStart(t *testing.T) {
	ad, c := &fakeAdapter{}, &fakeCore{}
	updates := startRouter(t, ad, c, nil)

	updates <- message(owner, `/watch@bot https://page/1 me@x.org 2h --title "A paper"`)
	require.Eventually(t, func() bool {
		sent, _, _ := ad.snapshot()
		return len(sent) == 1
	}, time.Second, 5*time.Millisecond)

	got := c.last()
	assert.Equal(t, core.KindStartMonitor, got.Type)
	assert.Equal(t, "https://page/1", got.URL)
	assert.Equal(t, "me@x.org", got.Email)
	assert.Equal(t, 7200, got.Interval)
	assert.Equal(t, "A paper", got.Title)

	sent, _, _ := ad.snapshot()
	assert.Contains(t, sent[0], "Monitoring started")
	assert.Contains(t, sent[0], "t-9")
}

func TestHandlerErrorIsReplied(t *testing.T) {
	ad, c := &fakeAdapter{}, &fakeCore{}
	updates := startRouter(t, ad, c, nil)

	updates <- message(owner, "/unwatch https://page/1")
	require.Eventually(t, func() bool {
		sent, _, _ := ad.snapshot()
		return len(sent) == 1
	}, time.Second, 5*time.Millisecond)
	sent, _, _ := ad.snapshot()
	assert.Contains(t, sent[0], "reload the page")
}

func TestNonOwnerIsRejected(t *testing.T) {
	ad, c := &fakeAdapter{}, &fakeCore{}
	updates := startRouter(t, ad, c, nil)

	updates <- message(99, "/stats")
	updates <- message(99, "/help")
	require.Eventually(t, func() bool {
		sent, _, _ := ad.snapshot()
		return len(sent) == 2
	}, time.Second, 5*time.Millisecond)

	sent, _, _ := ad.snapshot()
	assert.Contains(t, sent, "unauthorized")
	c.mu.Lock()
	assert.Empty(t, c.msgs)
	c.mu.Unlock()
}

func TestDismissRemovesButtons(t *testing.T) {
	ad, c := &fakeAdapter{}, &fakeCore{}
	updates := startRouter(t, ad, c, fakeNotices{"n1": {ID: "n1", Text: "Paper has a new review status update"}})

	updates <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: "cb1", FromID: owner, ChatID: 1, MessageID: 5, Data: "notice:dismiss:n1",
	}}
	require.Eventually(t, func() bool {
		_, _, answers := ad.snapshot()
		return len(answers) == 1
	}, time.Second, 5*time.Millisecond)

	_, edits, answers := ad.snapshot()
	assert.Equal(t, []string{"Paper has a new review status update"}, edits)
	assert.Equal(t, []string{"Dismissed"}, answers)
}

func TestDismissUnknownNotice(t *testing.T) {
	ad, c := &fakeAdapter{}, &fakeCore{}
	updates := startRouter(t, ad, c, fakeNotices{})

	updates <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: "cb1", FromID: owner, ChatID: 1, MessageID: 5, Data: "notice:dismiss:gone",
	}}
	require.Eventually(t, func() bool {
		_, _, answers := ad.snapshot()
		return len(answers) == 1
	}, time.Second, 5*time.Millisecond)
	_, edits, answers := ad.snapshot()
	assert.Empty(t, edits)
	assert.Equal(t, []string{"Notice expired"}, answers)
}

func TestMenuIsPublished(t *testing.T) {
	ad := &fakeAdapter{}
	startRouter(t, ad, &fakeCore{}, nil)
	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.menu) > 0
	}, time.Second, 5*time.Millisecond)

	ad.mu.Lock()
	defer ad.mu.Unlock()
	names := make([]string, 0, len(ad.menu))
	for _, c := range ad.menu {
		names = append(names, c.Command)
	}
	assert.Equal(t, []string{"health", "help", "history", "stats", "status", "unwatch", "unwatch_all", "watch"}, names)
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, []string{"/watch", "a b", "c"}, tokenizeCommandLine(`/watch "a b" c`))

	pos, flags, bools := parseFlags([]string{"x", "--title", "T", "--k=v", "--dry"})
	assert.Equal(t, []string{"x"}, pos)
	assert.Equal(t, map[string]string{"title": "T", "k": "v"}, flags)
	assert.True(t, bools["dry"])

	assert.Equal(t, "unwatch_all", sanitizeCommand("Unwatch-All"))
	assert.Equal(t, "watch", commandWord("/watch@reviewbot"))

	for in, want := range map[string]int{"3600": 3600, "90m": 5400, "1h": 3600} {
		got, err := ParseInterval(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseInterval("0")
	assert.Error(t, err)
	_, err = ParseInterval("soon")
	assert.Error(t, err)
}

func TestHistoryMessageNewestFirst(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []monitor.HistoryEntry{
		{Date: base, Type: "REVIEWER_INVITED", ReviewerID: "1", PaperTitle: "P", Journal: "J"},
		{Date: base.Add(time.Hour), Type: "REVIEWER_ACCEPTED", ReviewerID: "1", PaperTitle: "P", Journal: "J"},
		{Date: base.Add(2 * time.Hour), Type: "REVIEWER_COMPLETED", ReviewerID: "1", PaperTitle: "P", Journal: "J"},
	}
	msg := HistoryMessage(entries, 2)
	assert.Contains(t, msg.Text, "COMPLETED")
	assert.Contains(t, msg.Text, "ACCEPTED")
	assert.NotContains(t, msg.Text, "INVITED")
	assert.Less(t, strings.Index(msg.Text, "COMPLETED"), strings.Index(msg.Text, "ACCEPTED"))
}
