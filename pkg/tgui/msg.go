package tgui

import (
	"context"
	"strings"

	"reviewwatch/internal/transport"
)

// Message is rendered text plus send options.
type Message struct {
	Text string
	Opt  *transport.SendOptions
}

func (m Message) Send(ctx context.Context, ad transport.Adapter, to transport.ChatTarget) (transport.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &transport.SendOptions{}
	}
	return ad.SendText(ctx, to, m.Text, m.Opt)
}

func (m Message) Edit(ctx context.Context, ad transport.Adapter, ref transport.MessageRef) error {
	if m.Opt == nil {
		m.Opt = &transport.SendOptions{}
	}
	return ad.EditText(ctx, ref, m.Text, m.Opt)
}

// Builder assembles an HTML message line by line. Plain text is escaped.
type Builder struct {
	disablePreview bool
	lines          []string
	rows           [][]transport.Button
}

func New() *Builder { return &Builder{disablePreview: true} }

func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// Title adds a bold title, optionally led by an emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e := strings.TrimSpace(emoji); e != "" {
		b.lines = append(b.lines, Esc(e).String()+" "+B(t).String())
		return b
	}
	b.lines = append(b.lines, B(t).String())
	return b
}

func (b *Builder) Section(title string) *Builder {
	if t := strings.TrimSpace(title); t != "" {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// HTML appends pre-escaped content.
func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV adds a "• key: value" row with a bold key.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(strings.TrimSpace(value)).String())
	return b
}

func (b *Builder) Code(s string) *Builder {
	if s = strings.TrimSpace(s); s != "" {
		b.lines = append(b.lines, Code(s).String())
	}
	return b
}

// Row appends one inline keyboard row.
func (b *Builder) Row(btns ...transport.Button) *Builder {
	if len(btns) > 0 {
		b.rows = append(b.rows, btns)
	}
	return b
}

func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: b.disablePreview}
	if len(b.rows) > 0 {
		opt.Buttons = b.rows
	}
	return Message{Text: text, Opt: opt}
}

// URLButton opens url.
func URLButton(text, url string) transport.Button { return transport.Button{Text: text, URL: url} }

// DataButton sends data back as a callback.
func DataButton(text, data string) transport.Button { return transport.Button{Text: text, Data: data} }
