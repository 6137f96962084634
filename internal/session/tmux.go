package session

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// unsafeSessionChars matches characters that are unsafe in tmux session
// names. tmux uses `:` and `.` for target resolution, so these must be
// sanitized.
var unsafeSessionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeName replaces characters tmux cannot accept in session names.
func SanitizeName(name string) string {
	sanitized := unsafeSessionChars.ReplaceAllString(name, "_")
	if sanitized == "" {
		sanitized = "convoy"
	}
	return sanitized
}

// TmuxSession drives a tmux pane: send-keys for input, capture-pane for
// output, has-session for liveness.
type TmuxSession struct {
	name string
}

// NewTmux creates a session handle for the named tmux session. The
// session itself is created and owned by the session-management tooling,
// not by this handle.
func NewTmux(name string) *TmuxSession {
	return &TmuxSession{name: SanitizeName(name)}
}

// Name returns the sanitized tmux session name.
func (s *TmuxSession) Name() string {
	return s.name
}

// Send delivers a command line to the session (text + Enter).
func (s *TmuxSession) Send(command string) error {
	return run("send-keys", "-t", s.name, command, "Enter")
}

// CaptureOutput captures pane content with the -J flag, which joins
// wrapped lines to produce stable output regardless of terminal width.
// lines specifies how many lines from the bottom to capture (0 = entire
// visible pane).
func (s *TmuxSession) CaptureOutput(lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", s.name}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	return output(args...)
}

// IsAlive checks whether the tmux session exists.
func (s *TmuxSession) IsAlive() bool {
	err := exec.Command("tmux", "has-session", "-t", s.name).Run()
	return err == nil
}

// Interrupt sends Ctrl+C to the session pane.
func (s *TmuxSession) Interrupt() error {
	return run("send-keys", "-t", s.name, "", "C-c")
}

func run(args ...string) error {
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func output(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
