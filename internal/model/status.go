package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending:    true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusPaused:     true,
	StatusCancelled:  true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
}

// Task status transitions: pending → in_progress → {completed, failed},
// paused reachable from in_progress or failed, back to pending on resume.
// failed is not terminal for tasks — resume-from-step may reopen one.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusPaused:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusPaused:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusPending:   true, // resume → back to pending
		StatusCancelled: true,
	},
}

// Step status transitions: pending → in_progress → {completed, failed}.
// A failed step returns to in_progress when the recovery controller
// retries it; resume-from-step rewrites step statuses outside this table.
var validStepTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusInProgress: true,
	},
}

func ValidStatus(s Status) bool {
	return validStatuses[s]
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if from == to {
		return nil // idempotent no-op
	}
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateStepTransition(from, to Status) error {
	if from == to {
		return nil
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
