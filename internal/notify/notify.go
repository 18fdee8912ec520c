// Package notify raises desktop notifications for finished runs.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Send delivers a desktop notification using the platform notifier:
// osascript on macOS, notify-send elsewhere.
func Send(title, message string) error {
	if runtime.GOOS == "darwin" {
		return sendDarwin(title, message)
	}
	return sendFreedesktop(title, message)
}

func sendDarwin(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendFreedesktop(title, message string) error {
	bin, err := exec.LookPath("notify-send")
	if err != nil {
		return fmt.Errorf("no desktop notifier available: %w", err)
	}

	cmd := exec.Command(bin, title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
