package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skobayashi/convoy/internal/model"
)

// CreateCheckpoint appends an immutable snapshot of the workflow's
// current state (step statuses and progress pointer included) and
// returns the checkpoint id. The snapshot itself carries no checkpoint
// list, so checkpoints never nest.
func CreateCheckpoint(task *model.Task, reason string) (string, error) {
	if !task.IsWorkflow() {
		return "", fmt.Errorf("task %s is not a workflow", task.ID)
	}

	snapshot, err := deepCopyTask(task)
	if err != nil {
		return "", fmt.Errorf("snapshot workflow %s: %w", task.ID, err)
	}
	snapshot.Checkpoints = nil

	cp := model.Checkpoint{
		CheckpointID:  uuid.NewString(),
		WorkflowID:    task.ID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Reason:        reason,
		WorkflowState: snapshot,
	}
	task.Checkpoints = append(task.Checkpoints, cp)
	task.Touch()
	return cp.CheckpointID, nil
}

// ResumeFromStep rewinds (or advances) a workflow to restart execution
// at the given step index: steps before it are marked completed, steps
// from it on are reset to pending, and the workflow returns to pending
// so the runner picks it up again.
func ResumeFromStep(task *model.Task, index int) error {
	if !task.IsWorkflow() {
		return fmt.Errorf("task %s is not a workflow", task.ID)
	}
	if index < 0 || index >= len(task.Steps) {
		return fmt.Errorf("step index %d out of range [0, %d)", index, len(task.Steps))
	}

	for i := range task.Steps {
		if i < index {
			task.Steps[i].Status = model.StatusCompleted
		} else {
			task.Steps[i].Status = model.StatusPending
			task.Steps[i].StartedAt = nil
			task.Steps[i].CompletedAt = nil
		}
	}
	task.CurrentStep = index
	task.ResumedCount++
	task.Status = model.StatusPending
	task.Touch()
	return nil
}

// RestoreCheckpoint rewrites the workflow's steps and progress pointer
// from a previously taken checkpoint. Error history, checkpoints, and
// identity fields are preserved.
func RestoreCheckpoint(task *model.Task, checkpointID string) error {
	if !task.IsWorkflow() {
		return fmt.Errorf("task %s is not a workflow", task.ID)
	}
	for _, cp := range task.Checkpoints {
		if cp.CheckpointID != checkpointID {
			continue
		}
		task.Steps = append([]model.Step(nil), cp.WorkflowState.Steps...)
		task.CurrentStep = cp.WorkflowState.CurrentStep
		task.Status = cp.WorkflowState.Status
		task.Results = map[string]string{}
		for k, v := range cp.WorkflowState.Results {
			task.Results[k] = v
		}
		task.Touch()
		return nil
	}
	return fmt.Errorf("checkpoint %s not found on workflow %s", checkpointID, task.ID)
}

func deepCopyTask(task *model.Task) (model.Task, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return model.Task{}, err
	}
	var out model.Task
	if err := json.Unmarshal(data, &out); err != nil {
		return model.Task{}, err
	}
	return out, nil
}
