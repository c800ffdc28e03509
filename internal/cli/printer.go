package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"chimera/internal/workflow"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// eventPrinter renders workflow events as timestamped console lines.
type eventPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	colors bool
	now    func() time.Time
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{w: w, colors: isTerminal(w), now: time.Now}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return !color.NoColor && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func (p *eventPrinter) paint(attr color.Attribute, s string) string {
	if !p.colors {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

func (p *eventPrinter) Publish(_ context.Context, ev workflow.Event) {
	line := p.format(ev)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s] %s\n", p.now().Format("15:04:05"), line)
}

func (p *eventPrinter) format(ev workflow.Event) string {
	switch data := ev.Data.(type) {
	case workflow.StatusPayload:
		return p.paint(color.FgCyan, "stage ") + p.paint(color.Bold, string(data.Stage))
	case workflow.ThoughtPayload:
		return p.paint(color.FgHiBlack, data.Thought.Source+": ") + data.Thought.Text
	case workflow.CodePayload:
		verb := "generated"
		if data.Refined {
			verb = fmt.Sprintf("refined (iteration %d)", data.Iteration)
		}
		return p.paint(color.FgGreen, fmt.Sprintf("%s %s", ev.Team, verb)) +
			fmt.Sprintf(" %d tokens, %d lines, model %s", data.TokenCount, strings.Count(data.Code, "\n")+1, data.ModelUsed)
	case workflow.ErrorPayload:
		who := ev.Team
		if who == "" {
			who = "workflow"
		}
		return p.paint(color.FgRed, who+" error: ") + data.Error
	}
	return ""
}

func (p *eventPrinter) section(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "\n%s\n", p.paint(color.Bold, title))
}
