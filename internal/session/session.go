// Package session abstracts the interactive command session the engine
// drives. The engine only sends lines, captures recent output, and asks
// whether the session is alive; session process management lives
// elsewhere.
package session

import "errors"

// ErrCaptureUnsupported is returned by backends that cannot capture
// output. The completion detector degrades to pure timeout-based
// detection when it sees this error.
var ErrCaptureUnsupported = errors.New("session backend does not support output capture")

// Session is the external session collaborator.
type Session interface {
	// Send delivers one command line to the session.
	Send(command string) error
	// CaptureOutput returns the last lines of session output
	// (0 = entire visible output).
	CaptureOutput(lines int) (string, error)
	// IsAlive reports whether the session still exists.
	IsAlive() bool
}
