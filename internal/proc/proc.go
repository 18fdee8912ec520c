// Package proc spawns pipeline step commands and guarantees that stopping a
// step stops the entire process tree the command spawned, not just the
// direct child.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// lineBuffer is the capacity of the output line channel between the pump
// goroutine and the consumer.
const lineBuffer = 256

// Spec describes one command to execute. Exactly one of Shell and Argv is
// set: Shell runs via "sh -c", Argv is executed directly without a shell.
type Spec struct {
	Shell string
	Argv  []string
	// Dir is the working directory; empty inherits the parent's.
	Dir string
	// Env entries are appended to the parent environment.
	Env []string
}

func (s Spec) display() string {
	if s.Shell != "" {
		return s.Shell
	}
	return strings.Join(s.Argv, " ")
}

// SpawnError reports a command that could not be started at all (missing
// executable, bad working directory). Distinct from a command that started
// and exited nonzero.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Outcome is the terminal state of a reaped process.
type Outcome struct {
	ExitCode int
	// Killed reports that the process died from a signal rather than
	// exiting on its own.
	Killed bool
}

// Proc is a running command together with its output pump. The zero value
// is not usable; obtain one from Start.
type Proc struct {
	cmd      *exec.Cmd
	readEnd  *os.File
	grace    time.Duration
	lines    chan string
	pumpDone chan struct{}
	// abort unblocks a pump stuck sending to an abandoned consumer.
	abort chan struct{}
	// waited is closed once the child is reaped, releasing the pending
	// SIGKILL escalation so it cannot hit a recycled process group.
	waited        chan struct{}
	terminateOnce sync.Once
}

// Start spawns the command described by spec in its own process group, with
// stdout and stderr combined into a single line stream. Cancelling ctx
// triggers the same graceful teardown as Terminate. grace is how long the
// process group gets between the interrupt and the follow-up SIGKILL.
func Start(ctx context.Context, spec Spec, grace time.Duration) (*Proc, error) {
	var cmd *exec.Cmd
	switch {
	case spec.Shell != "":
		cmd = exec.CommandContext(ctx, "sh", "-c", spec.Shell)
	case len(spec.Argv) > 0:
		cmd = exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	default:
		return nil, &SpawnError{Command: "", Err: errors.New("empty command")}
	}

	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	// Own process group so signals reach the command and all its children
	// (negative PID = the whole group).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	p := &Proc{
		cmd:      cmd,
		readEnd:  pr,
		grace:    grace,
		lines:    make(chan string, lineBuffer),
		pumpDone: make(chan struct{}),
		abort:    make(chan struct{}),
		waited:   make(chan struct{}),
	}
	cmd.Cancel = func() error {
		p.Terminate()
		return nil
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &SpawnError{Command: spec.display(), Err: err}
	}

	// The child holds its own dup of the write end; ours must close so the
	// pump sees EOF once every process in the tree has let go of the pipe.
	pw.Close()

	go p.pump()
	return p, nil
}

// Lines is the combined stdout+stderr of the process, one line per receive.
// The channel closes when output is exhausted.
func (p *Proc) Lines() <-chan string { return p.lines }

// PID returns the direct child's process ID.
func (p *Proc) PID() int { return p.cmd.Process.Pid }

// pump copies the output pipe to the line channel until EOF. EOF arrives
// only after the last process holding the write end has exited.
func (p *Proc) pump() {
	defer close(p.pumpDone)
	defer close(p.lines)
	defer p.readEnd.Close()

	reader := bufio.NewReader(p.readEnd)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			select {
			case p.lines <- strings.TrimRight(line, "\r\n"):
			case <-p.abort:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Terminate stops the whole process group: SIGINT first so the command can
// clean up, then SIGKILL to the group after the grace period if anything is
// still alive. Idempotent; safe to call concurrently with Wait.
func (p *Proc) Terminate() {
	p.terminateOnce.Do(func() {
		pgid := -p.cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGINT); err != nil {
			// Group already gone or interrupt refused; escalate
			// immediately. ESRCH from a dead group is harmless.
			syscall.Kill(pgid, syscall.SIGKILL)
			return
		}
		go func() {
			select {
			case <-time.After(p.grace):
				syscall.Kill(pgid, syscall.SIGKILL)
			case <-p.waited:
				// Reaped in time; do not signal a group ID the
				// kernel may have reused.
			}
		}()
	})
}

// Wait reaps the command and returns its outcome once the output pump has
// drained. A stray grandchild that keeps the pipe open past the grace
// period is cut loose: the pipe is force-closed and its remaining output
// dropped.
func (p *Proc) Wait() Outcome {
	err := p.cmd.Wait()
	close(p.waited)

	select {
	case <-p.pumpDone:
	case <-time.After(p.grace + time.Second):
		close(p.abort)
		p.readEnd.Close()
		<-p.pumpDone
	}

	if err == nil {
		return Outcome{ExitCode: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Outcome{ExitCode: 128 + int(status.Signal()), Killed: true}
		}
		return Outcome{ExitCode: exitErr.ExitCode()}
	}

	// Non-exit errors (context cancelled before the child finished its
	// exit sequence) count as a teardown.
	return Outcome{ExitCode: -1, Killed: true}
}
