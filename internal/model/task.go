// Package model defines the data structures for convoy's configuration,
// queue entries, workflows, and checkpoints.
package model

import (
	"fmt"
	"time"
)

type TaskType string

const (
	TaskTypeSimple   TaskType = "simple"
	TaskTypeWorkflow TaskType = "workflow"
)

// Task is one queue entry. Simple tasks carry a single payload command;
// workflow tasks add ordered steps, a progress pointer, and checkpoints.
// Tasks are mutated only through lock-guarded store operations.
type Task struct {
	ID           string            `json:"id"`
	Type         TaskType          `json:"type"`
	Status       Status            `json:"status"`
	Priority     int               `json:"priority"`
	Payload      string            `json:"payload,omitempty"`
	RetryCount   int               `json:"retry_count"`
	ErrorHistory []ErrorRecord     `json:"error_history"`
	Results      map[string]string `json:"results"`
	LastError    *string           `json:"last_error,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`

	// Workflow-only fields.
	WorkflowType string       `json:"workflow_type,omitempty"`
	Steps        []Step       `json:"steps,omitempty"`
	CurrentStep  int          `json:"current_step,omitempty"`
	Checkpoints  []Checkpoint `json:"checkpoints,omitempty"`
	ResumedCount int          `json:"resumed_count,omitempty"`
}

// Step is one phase of a workflow. Its index in Steps is its identity.
type Step struct {
	Phase       string  `json:"phase"`
	Command     string  `json:"command"`
	Description string  `json:"description"`
	Status      Status  `json:"status"`
	RetryCount  int     `json:"retry_count"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Checkpoint is an immutable snapshot of a workflow's full state,
// appended to the owning workflow's checkpoint list.
type Checkpoint struct {
	CheckpointID  string `json:"checkpoint_id"`
	WorkflowID    string `json:"workflow_id"`
	CreatedAt     string `json:"created_at"`
	Reason        string `json:"reason"`
	WorkflowState Task   `json:"workflow_state"`
}

// ErrorRecord is one entry of a task's error history.
type ErrorRecord struct {
	Kind       string `json:"kind"`
	Snippet    string `json:"snippet"`
	StepIndex  int    `json:"step_index"`
	RetryCount int    `json:"retry_count"`
	Timestamp  string `json:"timestamp"`
}

// QueueState is the aggregate root persisted to queue.json.
type QueueState struct {
	Tasks        []Task `json:"tasks"`
	LastModified string `json:"last_modified"`
}

func (t *Task) IsWorkflow() bool {
	return t.Type == TaskTypeWorkflow
}

// Touch refreshes UpdatedAt.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// NewTask creates a pending simple task.
func NewTask(payload string, priority int) (*Task, error) {
	id, err := GenerateID(IDTypeTask)
	if err != nil {
		return nil, fmt.Errorf("generate task ID: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return &Task{
		ID:           id,
		Type:         TaskTypeSimple,
		Status:       StatusPending,
		Priority:     priority,
		Payload:      payload,
		ErrorHistory: []ErrorRecord{},
		Results:      map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NewWorkflow creates a pending workflow task with steps built from the
// workflow type's template. ref is the type-specific configuration (the
// issue id for issue-merge, the raw command for generic).
func NewWorkflow(workflowType, ref string, priority int) (*Task, error) {
	steps, err := StepsFor(workflowType, ref)
	if err != nil {
		return nil, err
	}
	id, err := GenerateID(IDTypeWorkflow)
	if err != nil {
		return nil, fmt.Errorf("generate workflow ID: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return &Task{
		ID:           id,
		Type:         TaskTypeWorkflow,
		Status:       StatusPending,
		Priority:     priority,
		Payload:      ref,
		WorkflowType: workflowType,
		Steps:        steps,
		ErrorHistory: []ErrorRecord{},
		Results:      map[string]string{},
		Checkpoints:  []Checkpoint{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Workflow phases. Each phase has its own completion patterns and timeout.
const (
	PhaseDevelop = "develop"
	PhaseClear   = "clear"
	PhaseReview  = "review"
	PhaseMerge   = "merge"
	PhaseGeneric = "generic"
)

// StepsFor expands a workflow type into its ordered step list.
func StepsFor(workflowType, ref string) ([]Step, error) {
	switch workflowType {
	case "issue-merge":
		if ref == "" {
			return nil, fmt.Errorf("issue-merge workflow requires an issue id")
		}
		return []Step{
			{Phase: PhaseDevelop, Command: fmt.Sprintf("/develop %s", ref), Description: fmt.Sprintf("implement issue %s", ref), Status: StatusPending},
			{Phase: PhaseClear, Command: "/clear", Description: "reset session context", Status: StatusPending},
			{Phase: PhaseReview, Command: fmt.Sprintf("/review %s", ref), Description: fmt.Sprintf("review changes for issue %s", ref), Status: StatusPending},
			{Phase: PhaseMerge, Command: fmt.Sprintf("/merge %s", ref), Description: fmt.Sprintf("merge approved changes for issue %s", ref), Status: StatusPending},
		}, nil
	case "generic":
		if ref == "" {
			return nil, fmt.Errorf("generic workflow requires a command")
		}
		return []Step{
			{Phase: PhaseGeneric, Command: ref, Description: "run command", Status: StatusPending},
		}, nil
	default:
		return nil, fmt.Errorf("unknown workflow type: %s", workflowType)
	}
}
