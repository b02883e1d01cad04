package notifier

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"reviewwatch/internal/monitor"
	"reviewwatch/internal/transport"
	"reviewwatch/pkg/logx"
	"reviewwatch/pkg/tgui"
)

const (
	// NoticeScope and DismissAction form the callback data of the Dismiss button.
	NoticeScope   = "notice"
	DismissAction = "dismiss"

	titleLimit = 50
)

// Notices turns manuscript updates into notifications for every configured
// target. It implements monitor.UpdateSink.
type Notices struct {
	svc *Service
	log logx.Logger
}

func NewNotices(svc *Service, log logx.Logger) *Notices {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notices{svc: svc, log: log.With(logx.Comp("notices"))}
}

var _ monitor.UpdateSink = (*Notices)(nil)

func (n *Notices) ManuscriptUpdated(ctx context.Context, u monitor.Update) {
	for _, to := range n.svc.Targets() {
		id := uuid.NewString()
		msg := NoticeMessage(id, u)
		err := n.svc.Notify(ctx, transport.Notification{
			ID:       id,
			Key:      u.APIURL + "@" + strconv.FormatInt(u.LastUpdated, 10),
			Channel:  "telegram",
			Priority: 7,
			Target:   to,
			Text:     msg.Text,
			Options:  msg.Opt,
		})
		if err != nil {
			n.log.Warn("notice not queued", logx.String("url", u.APIURL), logx.Err(err))
		}
	}
}

// NoticeText is the one-line update notice.
func NoticeText(title string) string {
	return tgui.Ellipsize(title, titleLimit) + " has a new review status update"
}

// NoticeMessage renders the notice with its Open page and Dismiss buttons.
func NoticeMessage(id string, u monitor.Update) tgui.Message {
	b := tgui.New().Title("🔔", "Review status update").Line(NoticeText(u.Title))
	if u.Journal != "" {
		b.HTML(tgui.I(u.Journal))
	}
	if u.Count > 0 {
		b.Line(fmt.Sprintf("update #%d", u.Count))
	}

	var row []transport.Button
	if u.PageURL != "" {
		row = append(row, tgui.URLButton("Open page", u.PageURL))
	}
	if data, err := tgui.Data(NoticeScope, DismissAction, id); err == nil {
		row = append(row, tgui.DataButton("Dismiss", data))
	}
	return b.Row(row...).Build()
}
