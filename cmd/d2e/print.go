package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/nevindra/d2e"
	"github.com/nevindra/d2e/internal/render"
)

// printer writes activities to the terminal. Typing previews are drawn on
// a single line that the next message replaces.
type printer struct {
	w      io.Writer
	md     *render.Renderer
	bot    *color.Color
	user   *color.Color
	errc   *color.Color
	typing bool
}

func newPrinter(w io.Writer, colored bool) *printer {
	p := &printer{
		w:    w,
		md:   render.New(colored),
		bot:  color.New(color.FgGreen, color.Bold),
		user: color.New(color.FgMagenta, color.Bold),
		errc: color.New(color.FgRed),
	}
	for _, c := range []*color.Color{p.bot, p.user, p.errc} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) activity(act *d2e.Activity) {
	switch act.Type() {
	case d2e.ActivityTypeTyping:
		if text := act.Text(); text != "" {
			fmt.Fprintf(p.w, "\r\033[K%s", p.md.Faint(text))
			p.typing = true
		}
	case d2e.ActivityTypeMessage:
		p.clearTyping()
		fmt.Fprintf(p.w, "%s %s\n", p.bot.Sprint("bot>"), p.md.Render(act.Text()))
	case "endOfConversation":
		p.clearTyping()
		fmt.Fprintln(p.w, p.md.Faint("[conversation ended]"))
	case d2e.ActivityTypeEvent:
		p.clearTyping()
		label := "[event]"
		if name := act.Get("name").String(); name != "" {
			label = "[event " + name + "]"
		}
		fmt.Fprintln(p.w, p.md.Faint(label))
	default:
		p.clearTyping()
		fmt.Fprintln(p.w, p.md.Faint("["+act.Type()+"]"))
	}
}

func (p *printer) said(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.user.Sprint("you>"), text)
}

func (p *printer) error(err error) {
	p.clearTyping()
	fmt.Fprintln(p.w, p.errc.Sprint("error: "+err.Error()))
}

func (p *printer) info(format string, args ...any) {
	p.clearTyping()
	fmt.Fprintln(p.w, p.md.Faint(fmt.Sprintf(format, args...)))
}

func (p *printer) clearTyping() {
	if p.typing {
		fmt.Fprint(p.w, "\r\033[K")
		p.typing = false
	}
}
