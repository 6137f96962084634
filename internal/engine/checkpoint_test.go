package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobayashi/convoy/internal/model"
)

func newTestWorkflow(t *testing.T) *model.Task {
	t.Helper()
	task, err := model.NewWorkflow("issue-merge", "42", 0)
	require.NoError(t, err)
	return task
}

func TestCreateCheckpoint(t *testing.T) {
	task := newTestWorkflow(t)
	task.Status = model.StatusInProgress
	task.Steps[0].Status = model.StatusCompleted
	task.CurrentStep = 1

	id, err := CreateCheckpoint(task, "pre-execution")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, task.Checkpoints, 1)
	cp := task.Checkpoints[0]
	assert.Equal(t, id, cp.CheckpointID)
	assert.Equal(t, task.ID, cp.WorkflowID)
	assert.Equal(t, "pre-execution", cp.Reason)
	assert.Equal(t, model.StatusCompleted, cp.WorkflowState.Steps[0].Status)
	assert.Equal(t, 1, cp.WorkflowState.CurrentStep)
	assert.Nil(t, cp.WorkflowState.Checkpoints, "snapshots must not nest checkpoints")

	// The snapshot is a deep copy: later mutation does not leak in.
	task.Steps[0].Status = model.StatusFailed
	assert.Equal(t, model.StatusCompleted, task.Checkpoints[0].WorkflowState.Steps[0].Status)
}

func TestCreateCheckpointNonWorkflow(t *testing.T) {
	task, err := model.NewTask("echo", 0)
	require.NoError(t, err)
	_, err = CreateCheckpoint(task, "manual")
	require.Error(t, err)
}

func TestResumeFromStep(t *testing.T) {
	task := newTestWorkflow(t)
	now := "2026-03-10T10:00:00Z"
	for i := range task.Steps {
		task.Steps[i].Status = model.StatusCompleted
		task.Steps[i].StartedAt = &now
		task.Steps[i].CompletedAt = &now
	}
	task.Status = model.StatusFailed
	task.CurrentStep = 3

	require.NoError(t, ResumeFromStep(task, 2))

	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, 2, task.CurrentStep)
	assert.Equal(t, 1, task.ResumedCount)

	assert.Equal(t, model.StatusCompleted, task.Steps[0].Status)
	assert.Equal(t, model.StatusCompleted, task.Steps[1].Status)
	for i := 2; i < 4; i++ {
		assert.Equal(t, model.StatusPending, task.Steps[i].Status, "step %d", i)
		assert.Nil(t, task.Steps[i].StartedAt, "step %d", i)
		assert.Nil(t, task.Steps[i].CompletedAt, "step %d", i)
	}
}

func TestResumeFromStepOutOfRange(t *testing.T) {
	task := newTestWorkflow(t)
	require.Error(t, ResumeFromStep(task, -1))
	require.Error(t, ResumeFromStep(task, 4))
}

func TestRestoreCheckpoint(t *testing.T) {
	task := newTestWorkflow(t)
	task.Steps[0].Status = model.StatusCompleted
	task.CurrentStep = 1
	task.Results["step_0"] = "success"

	id, err := CreateCheckpoint(task, "manual")
	require.NoError(t, err)

	// Diverge past the checkpoint, then restore.
	task.Steps[1].Status = model.StatusCompleted
	task.Steps[2].Status = model.StatusFailed
	task.CurrentStep = 2
	task.Results["step_1"] = "success"

	require.NoError(t, RestoreCheckpoint(task, id))

	assert.Equal(t, 1, task.CurrentStep)
	assert.Equal(t, model.StatusCompleted, task.Steps[0].Status)
	assert.Equal(t, model.StatusPending, task.Steps[1].Status)
	assert.Equal(t, model.StatusPending, task.Steps[2].Status)
	assert.Equal(t, map[string]string{"step_0": "success"}, task.Results)
	assert.Len(t, task.Checkpoints, 1, "restore keeps the checkpoint list")
}

func TestRestoreCheckpointNotFound(t *testing.T) {
	task := newTestWorkflow(t)
	require.Error(t, RestoreCheckpoint(task, "nope"))
}

func TestResumeFromStepReopensFailedWorkflow(t *testing.T) {
	task := newTestWorkflow(t)
	failed := "2026-03-10T10:00:00Z"
	task.Status = model.StatusFailed
	task.Steps[0].Status = model.StatusCompleted
	task.Steps[1].Status = model.StatusFailed
	task.Steps[1].StartedAt = &failed
	task.Steps[1].CompletedAt = &failed
	task.CurrentStep = 1

	require.NoError(t, ResumeFromStep(task, 1))

	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, model.StatusCompleted, task.Steps[0].Status)
	assert.Equal(t, model.StatusPending, task.Steps[1].Status)
	assert.Nil(t, task.Steps[1].StartedAt)
	assert.Nil(t, task.Steps[1].CompletedAt)
	assert.Equal(t, 1, task.CurrentStep)
	assert.Equal(t, 1, task.ResumedCount)
}
