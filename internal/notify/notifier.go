package notify

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/msageha/mihari/internal/model"
)

// Notifier reports finished runs to the desktop. Cancelled runs are
// skipped: preemption is routine while editing and would spam the desktop
// with noise.
type Notifier struct {
	project string
	send    func(title, message string) error
	logger  *log.Logger
}

func New(project string, logger *log.Logger) *Notifier {
	return newNotifier(project, Send, logger)
}

func newNotifier(project string, send func(title, message string) error, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Notifier{project: project, send: send, logger: logger}
}

// RunFinished delivers the outcome notification for a terminal record.
// Delivery failures are logged, never fatal.
func (n *Notifier) RunFinished(rec *model.RunRecord) {
	if rec == nil || rec.Status == model.RunCancelled {
		return
	}

	title, message := formatRun(n.project, rec)
	if err := n.send(title, message); err != nil {
		n.logf("WARN", "desktop notification: %v", err)
	}
}

func formatRun(project string, rec *model.RunRecord) (title, message string) {
	title = fmt.Sprintf("run #%d %s", rec.ID, rec.Status)
	if project != "" {
		title = project + ": " + title
	}

	dur := rec.Duration().Round(100 * time.Millisecond)
	switch rec.Status {
	case model.RunPassed:
		message = fmt.Sprintf("%d steps in %s", len(rec.Steps), dur)
	case model.RunFailed:
		if st := firstBrokenStep(rec); st != nil {
			switch {
			case st.Status == model.StepTimedOut:
				message = fmt.Sprintf("step %q timed out", st.Name)
			case st.ExitCode != nil:
				message = fmt.Sprintf("step %q failed (exit %d)", st.Name, *st.ExitCode)
			default:
				message = fmt.Sprintf("step %q failed", st.Name)
			}
		} else {
			message = fmt.Sprintf("failed after %s", dur)
		}
	default:
		message = string(rec.Status)
	}
	return title, message
}

func firstBrokenStep(rec *model.RunRecord) *model.StepResult {
	for i := range rec.Steps {
		st := &rec.Steps[i]
		if st.Status == model.StepFailed || st.Status == model.StepTimedOut {
			return st
		}
	}
	return nil
}

func (n *Notifier) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	n.logger.Printf("%s %s notify: %s", time.Now().Format(time.RFC3339), level, msg)
}
