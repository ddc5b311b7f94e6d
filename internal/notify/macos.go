// Package notify provides desktop notification support.
package notify

import (
	"fmt"
	"os/exec"
	"strings"
)

// maxBodyLen keeps notification bodies readable; the notification center
// truncates long bodies anyway.
const maxBodyLen = 120

// Finding raises a notification for one stored finding.
func Finding(agent, file, message string) error {
	title, body := findingAlert(agent, file, message)
	return Send(title, body)
}

func findingAlert(agent, file, message string) (title, body string) {
	body = message
	if file != "" {
		body = file + ": " + message
	}
	if len(body) > maxBodyLen {
		body = body[:maxBodyLen-3] + "..."
	}
	return "sift: " + agent, body
}

// Send sends a macOS notification via osascript with sound.
func Send(title, message string) error {
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

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
