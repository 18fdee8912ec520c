package term

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/msageha/mihari/internal/events"
	"github.com/msageha/mihari/internal/model"
)

// Printer renders run events line by line. Styling goes through a
// lipgloss renderer bound to the writer, so output to a pipe or file
// degrades to plain text automatically.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	theme Theme

	header lipgloss.Style
	step   lipgloss.Style
	faint  lipgloss.Style
	plain  lipgloss.Style
	spans  map[events.Style]lipgloss.Style

	stepStatus map[model.StepStatus]lipgloss.Style
	runStatus  map[model.RunStatus]lipgloss.Style

	// Start times for duration display, keyed off the event stream so a
	// late subscriber simply shows no durations.
	runStart  time.Time
	stepStart map[string]time.Time
}

func NewPrinter(w io.Writer, theme Theme) *Printer {
	re := lipgloss.NewRenderer(w)
	p := &Printer{
		w:         w,
		theme:     theme,
		header:    re.NewStyle().Bold(true).Foreground(theme.Header),
		step:      re.NewStyle().Foreground(theme.Running),
		faint:     re.NewStyle().Foreground(theme.Faint),
		plain:     re.NewStyle(),
		stepStart: make(map[string]time.Time),
	}

	p.spans = map[events.Style]lipgloss.Style{
		events.StyleNone:   p.plain,
		events.StyleDim:    p.faint,
		events.StyleBold:   re.NewStyle().Bold(true),
		events.StyleRed:    re.NewStyle().Foreground(theme.Failed),
		events.StyleGreen:  re.NewStyle().Foreground(theme.Passed),
		events.StyleYellow: re.NewStyle().Foreground(theme.TimedOut),
		events.StyleCyan:   re.NewStyle().Foreground(theme.Running),
	}

	p.stepStatus = make(map[model.StepStatus]lipgloss.Style)
	for _, st := range []model.StepStatus{
		model.StepRunning, model.StepPassed, model.StepFailed,
		model.StepCancelled, model.StepTimedOut,
	} {
		p.stepStatus[st] = re.NewStyle().Foreground(theme.StepColor(st))
	}
	p.runStatus = make(map[model.RunStatus]lipgloss.Style)
	for _, st := range []model.RunStatus{
		model.RunRunning, model.RunPassed, model.RunFailed, model.RunCancelled,
	} {
		p.runStatus[st] = re.NewStyle().Bold(true).Foreground(theme.RunColor(st))
	}
	return p
}

// Run drains the subscription until it closes or ctx ends.
func (p *Printer) Run(ctx context.Context, sub *events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			p.Print(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Print renders one event.
func (p *Printer) Print(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case events.KindRunStart:
		p.runStart = ev.Time
		p.stepStart = make(map[string]time.Time)
		line := fmt.Sprintf("▶ run #%d %s%s", ev.RunID, ev.Reason, changedSuffix(ev.Paths))
		fmt.Fprintln(p.w, p.header.Render(line))

	case events.KindStepStart:
		p.stepStart[ev.Step] = ev.Time
		fmt.Fprintln(p.w, p.step.Render("» "+ev.Step))

	case events.KindOutput:
		var b strings.Builder
		for _, span := range ev.Spans {
			b.WriteString(p.spanStyle(span.Style).Render(span.Text))
		}
		fmt.Fprintf(p.w, "  %s\n", b.String())

	case events.KindStepEnd:
		fmt.Fprintln(p.w, p.stepEndLine(ev))

	case events.KindRunEnd:
		status := model.RunStatus(ev.Status)
		line := fmt.Sprintf("■ run #%d %s%s", ev.RunID, ev.Status, p.sinceSuffix(p.runStart, ev.Time))
		style, ok := p.runStatus[status]
		if !ok {
			style = p.header
		}
		fmt.Fprintln(p.w, style.Render(line))
		fmt.Fprintln(p.w)

	case events.KindGap:
		line := fmt.Sprintf("… dropped %d events, resuming at seq %d", ev.Dropped, ev.Resume)
		fmt.Fprintln(p.w, p.faint.Render(line))
	}
}

func (p *Printer) stepEndLine(ev events.Event) string {
	status := model.StepStatus(ev.Status)
	dur := ""
	if t0, ok := p.stepStart[ev.Step]; ok {
		dur = p.sinceSuffix(t0, ev.Time)
	}

	var line string
	switch status {
	case model.StepPassed:
		line = fmt.Sprintf("✓ %s%s", ev.Step, dur)
	case model.StepFailed:
		if ev.ExitCode != nil {
			line = fmt.Sprintf("✗ %s exit %d%s", ev.Step, *ev.ExitCode, dur)
		} else {
			line = fmt.Sprintf("✗ %s failed%s", ev.Step, dur)
		}
	case model.StepTimedOut:
		line = fmt.Sprintf("✗ %s timed out%s", ev.Step, dur)
	case model.StepCancelled:
		line = fmt.Sprintf("• %s cancelled", ev.Step)
	default:
		line = fmt.Sprintf("• %s %s", ev.Step, ev.Status)
	}

	style, ok := p.stepStatus[status]
	if !ok {
		style = p.faint
	}
	return style.Render(line)
}

func (p *Printer) spanStyle(st events.Style) lipgloss.Style {
	if s, ok := p.spans[st]; ok {
		return s
	}
	return p.plain
}

// sinceSuffix formats the elapsed time between two event timestamps, or
// nothing when the start was never seen.
func (p *Printer) sinceSuffix(from, to time.Time) string {
	if from.IsZero() || to.Before(from) {
		return ""
	}
	return fmt.Sprintf(" (%s)", to.Sub(from).Round(10*time.Millisecond))
}

func changedSuffix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	show := paths
	more := ""
	if len(show) > 3 {
		more = fmt.Sprintf(" +%d more", len(show)-3)
		show = show[:3]
	}
	return fmt.Sprintf(" (%s%s)", strings.Join(show, " "), more)
}
