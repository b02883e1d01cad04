package router

import (
	"strings"

	"reviewwatch/pkg/tgui"
)

func (r *Router) helpMessage(args []string) tgui.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(args) > 0 {
		c, ok := r.cmds[commandWord(args[0])]
		if !ok {
			return tgui.New().Title("❓", "Unknown command").
				HTML(tgui.Raw("Type " + tgui.Code("/help").String() + " for the command list.")).Build()
		}
		b := tgui.New().Title("📖", "/"+c.Name)
		if c.Description != "" {
			b.Line(c.Description)
		}
		if c.Usage != "" {
			b.Blank().HTML(tgui.Raw("Usage: " + tgui.Code(c.Usage).String()))
		}
		if len(c.Aliases) > 0 {
			b.KV("aliases", strings.Join(c.Aliases, ", "))
		}
		if c.Access == AccessOwnerOnly {
			b.Line("🔒 owner only")
		}
		return b.Build()
	}

	b := tgui.New().Title("📚", "Commands").
		HTML(tgui.Raw("Type " + tgui.Code("/help <command>").String() + " for details.")).Blank()
	for _, c := range r.ordered {
		line := tgui.Code("/" + c.Name).String()
		if c.Description != "" {
			line += " " + tgui.Esc(c.Description).String()
		}
		if c.Access == AccessOwnerOnly {
			line += " 🔒"
		}
		b.HTML(tgui.Raw(line))
	}
	return b.Build()
}
