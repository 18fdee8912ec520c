// Package coordinator serializes pipeline runs: at most one run executes at
// a time, a newer trigger preempts the current run only after its process
// tree is fully torn down, and completed runs land in a bounded history.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/msageha/mihari/internal/events"
	"github.com/msageha/mihari/internal/model"
)

// State is the coordinator's run slot state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// RunFunc executes one pipeline run to completion and only returns after
// every spawned process has been reaped. pipeline.Runner.Run satisfies it;
// tests inject stubs.
type RunFunc func(ctx context.Context, id model.RunID, steps []model.StepSpec, observe func(model.StepResult)) ([]model.StepResult, model.RunStatus)

// Broadcaster is the slice of the event broadcaster the coordinator needs.
type Broadcaster interface {
	BeginRun(model.RunID)
	Publish(events.Event) uint64
}

// RecordStore persists completed run records.
type RecordStore interface {
	Save(*model.RunRecord) error
}

// Snapshot is a point-in-time view of the run slot for status queries.
type Snapshot struct {
	State   State
	Current *model.RunRecord
	Last    *model.RunRecord
}

type runOutcome struct {
	record *model.RunRecord
	steps  []model.StepResult
	status model.RunStatus
}

// Coordinator owns the single run slot. One control goroutine (Run) consumes
// triggers and run completions; queries copy state out under a short mutex.
type Coordinator struct {
	steps   []model.StepSpec
	history int
	run     RunFunc
	bc      Broadcaster
	logger  *log.Logger

	store  RecordStore
	notify func(*model.RunRecord)

	triggers chan model.Trigger
	runDone  chan runOutcome

	mu        sync.Mutex
	state     State
	current   *model.RunRecord
	records   []*model.RunRecord // completed runs, newest first
	nextID    model.RunID
	cancelRun context.CancelFunc
}

// New creates a coordinator for the given pipeline. historyLimit bounds the
// completed-run history; non-positive selects the default of 20.
func New(steps []model.StepSpec, historyLimit int, run RunFunc, bc Broadcaster, logger *log.Logger) *Coordinator {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Coordinator{
		steps:    steps,
		history:  historyLimit,
		run:      run,
		bc:       bc,
		logger:   logger,
		triggers: make(chan model.Trigger, 1),
		runDone:  make(chan runOutcome, 1),
		state:    StateIdle,
		nextID:   1,
	}
}

// SetStore wires run record persistence. Must be called before Run().
func (c *Coordinator) SetStore(s RecordStore) {
	c.store = s
}

// SetNotifier wires a completion callback (desktop notifications). The
// callback receives a private clone. Must be called before Run().
func (c *Coordinator) SetNotifier(fn func(*model.RunRecord)) {
	c.notify = fn
}

// SeedHistory preloads completed records from a previous daemon lifetime
// and advances the ID sequence past them. Must be called before Run().
func (c *Coordinator) SeedHistory(records []*model.RunRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	if len(records) > c.history {
		records = records[:c.history]
	}
	c.records = records
	if len(records) > 0 && records[0].ID >= c.nextID {
		c.nextID = records[0].ID + 1
	}
}

// StepNames returns the configured pipeline step names in declared order.
func (c *Coordinator) StepNames() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name
	}
	return names
}

// Submit forwards a trigger to the control loop, blocking until it is
// accepted or ctx ends.
func (c *Coordinator) Submit(ctx context.Context, t model.Trigger) error {
	select {
	case c.triggers <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rerun requests a manual run without blocking. Returns false when a
// trigger is already queued; the queued trigger covers the request.
func (c *Coordinator) Rerun() bool {
	t := model.Trigger{Reason: model.TriggerManual, Timestamp: time.Now().UTC()}
	select {
	case c.triggers <- t:
		return true
	default:
		return false
	}
}

// Run is the control loop. It owns every state transition of the run slot
// and returns once ctx is cancelled and any in-flight run is torn down.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.preempt()
			return nil
		case t := <-c.triggers:
			c.startRun(ctx, t)
		case out := <-c.runDone:
			c.finishRun(out)
		}
	}
}

// startRun preempts any in-flight run, then launches a new one for t.
func (c *Coordinator) startRun(parent context.Context, t model.Trigger) {
	c.preempt()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	rec := &model.RunRecord{
		ID:        id,
		Trigger:   t,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	runCtx, cancel := context.WithCancel(parent)
	c.state = StateRunning
	c.current = rec
	c.cancelRun = cancel
	c.mu.Unlock()

	c.logf("INFO", "run %d started reason=%s changed=%d", id, t.Reason, len(t.ChangedPaths))
	c.bc.BeginRun(id)
	c.bc.Publish(events.RunStart(id, t))

	go func() {
		steps, status := c.run(runCtx, id, c.steps, c.observeStep)
		cancel()
		c.runDone <- runOutcome{record: rec, steps: steps, status: status}
	}()
}

// preempt tears down the in-flight run, if any, and records its outcome.
// When the run has already finished naturally, the queued outcome keeps its
// real status; a cancel on a finished run is a no-op.
func (c *Coordinator) preempt() {
	c.mu.Lock()
	cancel := c.cancelRun
	c.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	out := <-c.runDone
	c.finishRun(out)
}

// observeStep folds live step progress into the current record so status
// queries see the in-flight run, not just completed ones.
func (c *Coordinator) observeStep(res model.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return
	}
	for i := range c.current.Steps {
		if c.current.Steps[i].Name == res.Name {
			c.current.Steps[i] = res
			return
		}
	}
	c.current.Steps = append(c.current.Steps, res)
}

// finishRun moves the run out of the slot and into history, publishes the
// terminal marker, persists the record, and fires the notifier.
func (c *Coordinator) finishRun(out runOutcome) {
	ended := time.Now().UTC()
	rec := out.record

	c.mu.Lock()
	rec.Steps = out.steps
	rec.Status = out.status
	rec.EndedAt = &ended
	c.state = StateIdle
	c.current = nil
	c.cancelRun = nil
	c.records = append([]*model.RunRecord{rec}, c.records...)
	if len(c.records) > c.history {
		c.records = c.records[:c.history]
	}
	c.mu.Unlock()

	c.bc.Publish(events.RunEnd(rec.ID, rec.Status))
	c.logf("INFO", "run %d finished status=%s steps=%d duration=%s",
		rec.ID, rec.Status, len(rec.Steps), rec.Duration().Round(time.Millisecond))

	if c.store != nil {
		if err := c.store.Save(rec.Clone()); err != nil {
			c.logf("ERROR", "persist run %d: %v", rec.ID, err)
		}
	}
	if c.notify != nil {
		c.notify(rec.Clone())
	}
}

// Snapshot returns the current slot state with cloned records.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:   c.state,
		Current: c.current.Clone(),
	}
	if len(c.records) > 0 {
		s.Last = c.records[0].Clone()
	}
	return s
}

// Record returns a clone of the run with the given ID, or nil if it is
// neither current nor retained in history.
func (c *Coordinator) Record(id model.RunID) *model.RunRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.ID == id {
		return c.current.Clone()
	}
	for _, r := range c.records {
		if r.ID == id {
			return r.Clone()
		}
	}
	return nil
}

// Records returns clones of the completed-run history, newest first.
func (c *Coordinator) Records() []*model.RunRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*model.RunRecord, len(c.records))
	for i, r := range c.records {
		out[i] = r.Clone()
	}
	return out
}

func (c *Coordinator) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s coordinator: %s", time.Now().Format(time.RFC3339), level, msg)
}
