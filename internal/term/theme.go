// Package term renders the run event stream to the controlling terminal.
package term

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/msageha/mihari/internal/model"
)

// Theme defines the color palette for terminal output. All colors use
// lipgloss ANSI 256-color codes for broad terminal compatibility.
type Theme struct {
	Header    lipgloss.Color // run banners
	Faint     lipgloss.Color // timestamps, gap notices, dim spans
	Running   lipgloss.Color
	Passed    lipgloss.Color
	Failed    lipgloss.Color
	Cancelled lipgloss.Color
	TimedOut  lipgloss.Color
}

// DefaultTheme is the built-in scheme for dark 256-color terminals.
var DefaultTheme = Theme{
	Header:    lipgloss.Color("255"),
	Faint:     lipgloss.Color("245"),
	Running:   lipgloss.Color("75"),  // blue
	Passed:    lipgloss.Color("114"), // green
	Failed:    lipgloss.Color("196"), // red
	Cancelled: lipgloss.Color("245"), // gray
	TimedOut:  lipgloss.Color("220"), // amber
}

// StepColor returns the color for a step status. Unknown values get the
// faint color.
func (t Theme) StepColor(status model.StepStatus) lipgloss.Color {
	switch status {
	case model.StepRunning:
		return t.Running
	case model.StepPassed:
		return t.Passed
	case model.StepFailed:
		return t.Failed
	case model.StepCancelled:
		return t.Cancelled
	case model.StepTimedOut:
		return t.TimedOut
	default:
		return t.Faint
	}
}

// RunColor returns the color for a run status.
func (t Theme) RunColor(status model.RunStatus) lipgloss.Color {
	switch status {
	case model.RunRunning:
		return t.Running
	case model.RunPassed:
		return t.Passed
	case model.RunFailed:
		return t.Failed
	case model.RunCancelled:
		return t.Cancelled
	default:
		return t.Faint
	}
}
