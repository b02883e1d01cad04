package render

import (
	"fmt"

	"reviewwatch/pkg/tgui"
)

// maxTelegramRows keeps a dashboard inside one Telegram message.
const maxTelegramRows = 30

// Telegram renders d as a Telegram HTML message.
func Telegram(d Dashboard) tgui.Message {
	b := tgui.New().Title("📄", d.Title)
	for _, f := range d.Header {
		if f.Value != "" {
			b.KV(f.Label, f.Value)
		}
	}
	b.Blank().Line(fmt.Sprintf("✅ %d completed · 🤝 %d accepted · ✉️ %d invited",
		d.Summary.Completed, d.Summary.Accepted, d.Summary.Invited))

	if len(d.Rows) > 0 {
		b.Blank().Section("Reviewers Acceptance and Review Time")
	}
	for i, r := range d.Rows {
		if i == maxTelegramRows {
			b.Line(fmt.Sprintf("… %d more", len(d.Rows)-maxTelegramRows))
			break
		}
		b.HTML(tgui.JoinH(" ",
			tgui.B("#"+r.ReviewerID),
			tgui.Esc("·"),
			tgui.I(r.Status),
		))
		b.Line(fmt.Sprintf("   invited %s · accepted %s", r.Invited, r.Accepted))
		b.Line(fmt.Sprintf("   response %s · review %s", r.ResponseTime, r.ReviewTime))
	}
	return b.Build()
}
