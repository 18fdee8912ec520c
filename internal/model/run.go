package model

import (
	"fmt"
	"time"
)

// RunID is assigned by the coordinator at run creation and increases
// monotonically for the daemon's lifetime.
type RunID uint64

type TriggerReason string

const (
	TriggerFileChange TriggerReason = "file_change"
	TriggerManual     TriggerReason = "manual"
)

// Trigger is a coalesced request to (re)start the pipeline. Created by the
// debouncer or a manual rerun; consumed exactly once by the coordinator.
type Trigger struct {
	Reason       TriggerReason `yaml:"reason" json:"reason"`
	Timestamp    time.Time     `yaml:"timestamp" json:"timestamp"`
	ChangedPaths []string      `yaml:"changed_paths,omitempty" json:"changed_paths,omitempty"`
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepPassed    StepStatus = "passed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepTimedOut  StepStatus = "timed_out"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPassed    RunStatus = "passed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

var terminalStepStatuses = map[StepStatus]bool{
	StepPassed:    true,
	StepFailed:    true,
	StepCancelled: true,
	StepTimedOut:  true,
}

var terminalRunStatuses = map[RunStatus]bool{
	RunPassed:    true,
	RunFailed:    true,
	RunCancelled: true,
}

var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepRunning:   true,
		StepCancelled: true,
	},
	StepRunning: {
		StepPassed:    true,
		StepFailed:    true,
		StepCancelled: true,
		StepTimedOut:  true,
	},
}

var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunRunning: {
		RunPassed:    true,
		RunFailed:    true,
		RunCancelled: true,
	},
}

func IsStepTerminal(s StepStatus) bool {
	return terminalStepStatuses[s]
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

func ValidateStepTransition(from, to StepStatus) error {
	if IsStepTerminal(from) {
		return fmt.Errorf("cannot transition from terminal step status %q", from)
	}
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("unknown step status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q → %q", from, to)
	}
	return nil
}

func ValidateRunTransition(from, to RunStatus) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

// StepResult records one executed step. Steps that never started are absent
// from the run record entirely.
type StepResult struct {
	Name      string     `yaml:"name" json:"name"`
	Status    StepStatus `yaml:"status" json:"status"`
	ExitCode  *int       `yaml:"exit_code,omitempty" json:"exit_code,omitempty"`
	StartedAt time.Time  `yaml:"started_at" json:"started_at"`
	EndedAt   *time.Time `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
	// FirstSeq/LastSeq delimit this step's slice of the run's output
	// event sequence.
	FirstSeq uint64 `yaml:"first_seq" json:"first_seq"`
	LastSeq  uint64 `yaml:"last_seq" json:"last_seq"`
}

func (s StepResult) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// RunRecord is one full pipeline execution. At most one record has status
// RunRunning at any instant across the whole process.
type RunRecord struct {
	ID        RunID        `yaml:"id" json:"id"`
	Trigger   Trigger      `yaml:"trigger" json:"trigger"`
	Status    RunStatus    `yaml:"status" json:"status"`
	Steps     []StepResult `yaml:"steps" json:"steps"`
	StartedAt time.Time    `yaml:"started_at" json:"started_at"`
	EndedAt   *time.Time   `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
}

func (r *RunRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy safe to hand to observers while the original
// keeps mutating.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = make([]StepResult, len(r.Steps))
	copy(c.Steps, r.Steps)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.Trigger.ChangedPaths != nil {
		c.Trigger.ChangedPaths = append([]string(nil), r.Trigger.ChangedPaths...)
	}
	for i, s := range r.Steps {
		if s.ExitCode != nil {
			code := *s.ExitCode
			c.Steps[i].ExitCode = &code
		}
		if s.EndedAt != nil {
			t := *s.EndedAt
			c.Steps[i].EndedAt = &t
		}
	}
	return &c
}
