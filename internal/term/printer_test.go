package term

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/msageha/mihari/internal/events"
	"github.com/msageha/mihari/internal/model"
)

var printerBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// renderAll prints the events into a plain-text buffer. A bytes.Buffer is
// not a TTY, so the lipgloss renderer emits no escape codes.
func renderAll(evs ...events.Event) string {
	var buf bytes.Buffer
	p := NewPrinter(&buf, DefaultTheme)
	for _, ev := range evs {
		p.Print(ev)
	}
	return buf.String()
}

func at(ev events.Event, offset time.Duration) events.Event {
	ev.Time = printerBase.Add(offset)
	return ev
}

func TestPrinter_RunBanner(t *testing.T) {
	trig := model.Trigger{
		Reason:       model.TriggerFileChange,
		Timestamp:    printerBase,
		ChangedPaths: []string{"a.go", "b.go"},
	}
	out := renderAll(at(events.RunStart(3, trig), 0))
	if want := "▶ run #3 file_change (a.go b.go)\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestPrinter_RunBannerTruncatesPaths(t *testing.T) {
	trig := model.Trigger{
		Reason:       model.TriggerFileChange,
		ChangedPaths: []string{"a.go", "b.go", "c.go", "d.go", "e.go"},
	}
	out := renderAll(at(events.RunStart(1, trig), 0))
	if !strings.Contains(out, "(a.go b.go c.go +2 more)") {
		t.Errorf("output = %q, want the path list truncated to three entries", out)
	}
}

func TestPrinter_ManualRunBanner(t *testing.T) {
	trig := model.Trigger{Reason: model.TriggerManual, Timestamp: printerBase}
	out := renderAll(at(events.RunStart(4, trig), 0))
	if want := "▶ run #4 manual\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestPrinter_StepLifecycle(t *testing.T) {
	code := 0
	out := renderAll(
		at(events.StepStart(1, "build"), 0),
		at(events.StepEnd(1, "build", model.StepPassed, &code), 1500*time.Millisecond),
	)
	if !strings.Contains(out, "» build\n") {
		t.Errorf("output = %q, want a step start line", out)
	}
	if !strings.Contains(out, "✓ build (1.5s)") {
		t.Errorf("output = %q, want a passed line with duration", out)
	}
}

func TestPrinter_FailedStepShowsExitCode(t *testing.T) {
	code := 2
	out := renderAll(
		at(events.StepStart(1, "test"), 0),
		at(events.StepEnd(1, "test", model.StepFailed, &code), 800*time.Millisecond),
	)
	if !strings.Contains(out, "✗ test exit 2 (800ms)") {
		t.Errorf("output = %q, want the exit code and duration", out)
	}
}

func TestPrinter_TimedOutStep(t *testing.T) {
	code := 137
	out := renderAll(
		at(events.StepStart(1, "test"), 0),
		at(events.StepEnd(1, "test", model.StepTimedOut, &code), 30*time.Second),
	)
	if !strings.Contains(out, "✗ test timed out (30s)") {
		t.Errorf("output = %q, want a timed out line", out)
	}
}

func TestPrinter_CancelledStep(t *testing.T) {
	out := renderAll(at(events.StepEnd(1, "build", model.StepCancelled, nil), 0))
	if !strings.Contains(out, "• build cancelled") {
		t.Errorf("output = %q, want a cancelled line", out)
	}
}

func TestPrinter_OutputIndented(t *testing.T) {
	out := renderAll(at(events.Output(1, "build", events.Span{Text: "compiling "}, events.Span{Text: "main.go", Style: events.StyleDim}), 0))
	if want := "  compiling main.go\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestPrinter_GapNotice(t *testing.T) {
	gap := events.Event{Kind: events.KindGap, Dropped: 42, Resume: 108}
	out := renderAll(gap)
	if !strings.Contains(out, "dropped 42 events, resuming at seq 108") {
		t.Errorf("output = %q, want the gap notice", out)
	}
}

func TestPrinter_RunEndSummary(t *testing.T) {
	trig := model.Trigger{Reason: model.TriggerFileChange, ChangedPaths: []string{"a.go"}}
	out := renderAll(
		at(events.RunStart(3, trig), 0),
		at(events.RunEnd(3, model.RunPassed), 4*time.Second),
	)
	if !strings.Contains(out, "■ run #3 passed (4s)") {
		t.Errorf("output = %q, want the run summary with duration", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Errorf("output = %q, want a blank line after the run summary", out)
	}
}

func TestPrinter_NoDurationForUnseenStart(t *testing.T) {
	// A subscriber that joined mid-run never saw the step start.
	code := 0
	out := renderAll(at(events.StepEnd(1, "build", model.StepPassed, &code), time.Second))
	if want := "✓ build\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestPrinter_RunLoop(t *testing.T) {
	bc := events.NewBroadcaster(64, 16)
	defer bc.Close()
	sub, err := bc.Subscribe(0)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var buf bytes.Buffer
	p := NewPrinter(&buf, DefaultTheme)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background(), sub)
	}()

	bc.BeginRun(1)
	bc.Publish(events.RunStart(1, model.Trigger{Reason: model.TriggerManual}))
	bc.Publish(events.Output(1, "build", events.Span{Text: "hello"}))
	bc.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("printer loop did not stop after broadcaster close")
	}

	out := buf.String()
	if !strings.Contains(out, "run #1 manual") || !strings.Contains(out, "hello") {
		t.Errorf("output = %q, want the banner and the output line", out)
	}
}
