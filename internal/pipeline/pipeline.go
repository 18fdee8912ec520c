// Package pipeline executes the configured steps of a single run, in
// declared order, translating process outcomes into step statuses and
// publishing the output stream as it happens.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/mihari/internal/events"
	"github.com/msageha/mihari/internal/model"
	"github.com/msageha/mihari/internal/proc"
)

// Sink receives the events a run emits. *events.Broadcaster satisfies it.
type Sink interface {
	Publish(events.Event) uint64
}

// Runner executes pipeline steps for the coordinator. One Runner serves the
// daemon's whole lifetime; per-run state lives in arguments and results.
type Runner struct {
	root  string
	grace time.Duration
	sink  Sink
}

// NewRunner creates a step runner. root is the project root working
// directories resolve against; grace is the teardown grace period handed to
// every spawned process.
func NewRunner(root string, grace time.Duration, sink Sink) *Runner {
	return &Runner{
		root:  root,
		grace: grace,
		sink:  sink,
	}
}

// RunStep executes one step to a terminal status. Cancellation of ctx tears
// the process tree down and reports cancelled, never failed; a step timeout
// tears it down and reports timed_out; otherwise the exit code decides
// passed or failed. Spawn failures (missing executable, bad working dir)
// report failed with the error text on the output stream.
//
// observe, when non-nil, is called on the calling goroutine once when the
// step enters running and once with the terminal result, so the caller can
// track live progress.
func (r *Runner) RunStep(ctx context.Context, runID model.RunID, step model.StepSpec, observe func(model.StepResult)) model.StepResult {
	res := model.StepResult{
		Name:      step.Name,
		Status:    model.StepRunning,
		StartedAt: time.Now().UTC(),
	}
	res.FirstSeq = r.sink.Publish(events.StepStart(runID, step.Name))
	if observe != nil {
		observe(res)
	}

	stepCtx := ctx
	cancel := func() {}
	if timeout := step.Timeout(); timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	spec := proc.Spec{
		Shell: step.Command.Shell,
		Argv:  step.Command.Argv,
		Dir:   r.resolveDir(step.WorkingDir),
		Env: []string{
			fmt.Sprintf("MIHARI_RUN_ID=%d", runID),
			"MIHARI_STEP=" + step.Name,
		},
	}

	p, err := proc.Start(stepCtx, spec, r.grace)
	if err != nil {
		r.sink.Publish(events.Output(runID, step.Name, events.Span{Text: err.Error(), Style: events.StyleRed}))
		res.Status = model.StepFailed
		res.LastSeq = r.sink.Publish(events.StepEnd(runID, step.Name, res.Status, nil))
		ended := time.Now().UTC()
		res.EndedAt = &ended
		if observe != nil {
			observe(res)
		}
		return res
	}

	for line := range p.Lines() {
		r.sink.Publish(events.Output(runID, step.Name, events.Span{Text: line}))
	}
	outcome := p.Wait()

	ended := time.Now().UTC()
	res.EndedAt = &ended

	switch {
	case ctx.Err() != nil:
		res.Status = model.StepCancelled
	case stepCtx.Err() == context.DeadlineExceeded:
		res.Status = model.StepTimedOut
	case outcome.ExitCode == 0:
		res.Status = model.StepPassed
	default:
		res.Status = model.StepFailed
	}

	// Record the raw exit code whenever the process ran, including the
	// signal-derived code of a torn-down process.
	code := outcome.ExitCode
	res.ExitCode = &code

	res.LastSeq = r.sink.Publish(events.StepEnd(runID, step.Name, res.Status, res.ExitCode))
	if observe != nil {
		observe(res)
	}
	return res
}

// Run executes steps strictly in declared order. A failed or timed-out step
// stops the pipeline unless its continue_on_failure flag is set; a
// cancelled step always stops it. Steps that never started are absent from
// the results. The run status is passed only if every executed step passed,
// cancelled if the run was torn down early, failed otherwise.
func (r *Runner) Run(ctx context.Context, runID model.RunID, steps []model.StepSpec, observe func(model.StepResult)) ([]model.StepResult, model.RunStatus) {
	var results []model.StepResult
	status := model.RunPassed

	for _, step := range steps {
		if ctx.Err() != nil {
			return results, model.RunCancelled
		}

		res := r.RunStep(ctx, runID, step, observe)
		results = append(results, res)

		switch res.Status {
		case model.StepCancelled:
			return results, model.RunCancelled
		case model.StepFailed, model.StepTimedOut:
			status = model.RunFailed
			if !step.ContinueOnFailure {
				return results, status
			}
		}
	}

	return results, status
}

func (r *Runner) resolveDir(dir string) string {
	if dir == "" {
		return r.root
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(r.root, dir)
}
