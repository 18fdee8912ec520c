// Package events carries the live output stream of a pipeline run from the
// step runners to every observer (terminal, HTTP stream, event log) without
// ever letting a slow observer stall the run.
package events

import (
	"strings"
	"time"

	"github.com/msageha/mihari/internal/model"
)

// Kind identifies what an event describes.
type Kind string

const (
	// KindRunStart opens a run's event stream.
	KindRunStart Kind = "run_start"
	// KindStepStart is published when a step begins executing.
	KindStepStart Kind = "step_start"
	// KindOutput carries one line of combined stdout+stderr from a step.
	KindOutput Kind = "output"
	// KindStepEnd is published when a step reaches a terminal status.
	KindStepEnd Kind = "step_end"
	// KindRunEnd is the explicit terminal marker: consumers never have to
	// infer that a run finished from silence.
	KindRunEnd Kind = "run_end"
	// KindGap is synthesized per subscriber when delivery resumes after
	// events were dropped.
	KindGap Kind = "gap"
)

// Style is an abstract rendering intent. The terminal printer and the
// dashboard map styles to their own escape codes; the core never emits
// raw ANSI.
type Style string

const (
	StyleNone   Style = ""
	StyleDim    Style = "dim"
	StyleBold   Style = "bold"
	StyleRed    Style = "red"
	StyleGreen  Style = "green"
	StyleYellow Style = "yellow"
	StyleCyan   Style = "cyan"
)

// Span is a styled fragment of display text.
type Span struct {
	Text  string `json:"text"`
	Style Style  `json:"style,omitempty"`
}

// Event is one entry in a run's output stream. Seq starts at 0 for each run
// and increases by one per published event. Gap events reuse the seq of the
// first dropped event so a subscriber's view stays in seq order.
type Event struct {
	Seq      uint64              `json:"seq"`
	RunID    model.RunID         `json:"run_id"`
	Kind     Kind                `json:"kind"`
	Time     time.Time           `json:"time"`
	Step     string              `json:"step,omitempty"`
	Spans    []Span              `json:"spans,omitempty"`
	Status   string              `json:"status,omitempty"`
	ExitCode *int                `json:"exit_code,omitempty"`
	Reason   model.TriggerReason `json:"reason,omitempty"`
	Paths    []string            `json:"paths,omitempty"`
	Dropped  uint64              `json:"dropped,omitempty"`
	Resume   uint64              `json:"resume,omitempty"`
}

// Text concatenates the event's span texts without styling.
func (e Event) Text() string {
	var b strings.Builder
	for _, s := range e.Spans {
		b.WriteString(s.Text)
	}
	return b.String()
}

// RunStart builds the opening event for a run. Seq and Time are assigned
// at publish.
func RunStart(id model.RunID, t model.Trigger) Event {
	return Event{
		Kind:   KindRunStart,
		RunID:  id,
		Reason: t.Reason,
		Paths:  t.ChangedPaths,
	}
}

func StepStart(id model.RunID, step string) Event {
	return Event{Kind: KindStepStart, RunID: id, Step: step}
}

func Output(id model.RunID, step string, spans ...Span) Event {
	return Event{Kind: KindOutput, RunID: id, Step: step, Spans: spans}
}

func StepEnd(id model.RunID, step string, status model.StepStatus, exitCode *int) Event {
	return Event{
		Kind:     KindStepEnd,
		RunID:    id,
		Step:     step,
		Status:   string(status),
		ExitCode: exitCode,
	}
}

func RunEnd(id model.RunID, status model.RunStatus) Event {
	return Event{Kind: KindRunEnd, RunID: id, Status: string(status)}
}
