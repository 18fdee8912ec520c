// Package watch turns raw filesystem change notifications into debounced
// pipeline triggers.
package watch

import (
	"context"
	"sort"
	"time"

	"github.com/msageha/mihari/internal/model"
)

// observeBuffer absorbs notification bursts between loop iterations.
const observeBuffer = 64

// Debouncer coalesces bursts of change notifications into single triggers.
// Every observed path restarts the quiet-period timer; once the window
// elapses with no further changes, one trigger carrying the union of
// accumulated paths is offered to the consumer. A ripe trigger that the
// consumer has not taken yet keeps absorbing new paths, so notifications
// are never lost while a run is being torn down.
type Debouncer struct {
	window  time.Duration
	in      chan string
	out     chan model.Trigger
	stopped chan struct{}
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		in:      make(chan string, observeBuffer),
		out:     make(chan model.Trigger),
		stopped: make(chan struct{}),
	}
}

// Observe records one changed path. Safe from any goroutine; returns
// without delivering once the debouncer has stopped.
func (d *Debouncer) Observe(path string) {
	select {
	case d.in <- path:
	case <-d.stopped:
	}
}

// Triggers is the stream of debounced triggers. Receive-only; the consumer
// decides when it is ready for the next run.
func (d *Debouncer) Triggers() <-chan model.Trigger {
	return d.out
}

// Run drives the debounce loop until ctx is cancelled.
func (d *Debouncer) Run(ctx context.Context) error {
	defer close(d.stopped)

	timer := time.NewTimer(d.window)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	paths := make(map[string]struct{})
	var (
		ready bool
		trig  model.Trigger
	)

	for {
		// The out channel participates in the select only while a ripe
		// trigger is waiting for the consumer.
		var outCh chan<- model.Trigger
		if ready {
			outCh = d.out
		}

		select {
		case <-ctx.Done():
			return nil

		case path := <-d.in:
			paths[path] = struct{}{}
			if ready {
				// Past the quiet period already; the late path joins
				// the undelivered trigger.
				trig.ChangedPaths = sortedKeys(paths)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.window)

		case <-timer.C:
			trig = model.Trigger{
				Reason:       model.TriggerFileChange,
				Timestamp:    time.Now().UTC(),
				ChangedPaths: sortedKeys(paths),
			}
			ready = true

		case outCh <- trig:
			ready = false
			trig = model.Trigger{}
			paths = make(map[string]struct{})
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
