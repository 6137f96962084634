package model

import (
	"strings"
	"testing"
)

func TestNewTask(t *testing.T) {
	task, err := NewTask("echo hello", 5)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.Type != TaskTypeSimple {
		t.Errorf("Type = %q, want %q", task.Type, TaskTypeSimple)
	}
	if task.Status != StatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if task.Priority != 5 {
		t.Errorf("Priority = %d, want 5", task.Priority)
	}
	if !ValidateID(task.ID) {
		t.Errorf("invalid task ID %q", task.ID)
	}
	if task.Results == nil || task.ErrorHistory == nil {
		t.Error("Results and ErrorHistory must be initialized")
	}
}

func TestNewWorkflowIssueMerge(t *testing.T) {
	task, err := NewWorkflow("issue-merge", "42", 0)
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	if task.Type != TaskTypeWorkflow || !task.IsWorkflow() {
		t.Error("expected workflow type")
	}
	if len(task.Steps) != 4 {
		t.Fatalf("len(Steps) = %d, want 4", len(task.Steps))
	}

	wantPhases := []string{PhaseDevelop, PhaseClear, PhaseReview, PhaseMerge}
	wantCommands := []string{"/develop 42", "/clear", "/review 42", "/merge 42"}
	for i, s := range task.Steps {
		if s.Phase != wantPhases[i] {
			t.Errorf("step %d phase = %q, want %q", i, s.Phase, wantPhases[i])
		}
		if s.Command != wantCommands[i] {
			t.Errorf("step %d command = %q, want %q", i, s.Command, wantCommands[i])
		}
		if s.Status != StatusPending {
			t.Errorf("step %d status = %q, want pending", i, s.Status)
		}
	}
	if task.CurrentStep != 0 {
		t.Errorf("CurrentStep = %d, want 0", task.CurrentStep)
	}
	if !strings.HasPrefix(task.ID, "wf_") {
		t.Errorf("workflow ID %q should have wf_ prefix", task.ID)
	}
}

func TestNewWorkflowGeneric(t *testing.T) {
	task, err := NewWorkflow("generic", "make release", 0)
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	if len(task.Steps) != 1 {
		t.Fatalf("len(Steps) = %d, want 1", len(task.Steps))
	}
	if task.Steps[0].Phase != PhaseGeneric || task.Steps[0].Command != "make release" {
		t.Errorf("unexpected step %+v", task.Steps[0])
	}
}

func TestNewWorkflowErrors(t *testing.T) {
	if _, err := NewWorkflow("issue-merge", "", 0); err == nil {
		t.Error("issue-merge without issue id should fail")
	}
	if _, err := NewWorkflow("generic", "", 0); err == nil {
		t.Error("generic without command should fail")
	}
	if _, err := NewWorkflow("nope", "x", 0); err == nil {
		t.Error("unknown workflow type should fail")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := ApplyDefaults(Config{})
	if cfg.Detector.DevelopTimeoutSec != 600 {
		t.Errorf("DevelopTimeoutSec = %d, want 600", cfg.Detector.DevelopTimeoutSec)
	}
	if cfg.Detector.ClearTimeoutSec != 30 {
		t.Errorf("ClearTimeoutSec = %d, want 30", cfg.Detector.ClearTimeoutSec)
	}
	if cfg.Detector.ReviewTimeoutSec != 480 {
		t.Errorf("ReviewTimeoutSec = %d, want 480", cfg.Detector.ReviewTimeoutSec)
	}
	if cfg.Detector.MergeTimeoutSec != 300 {
		t.Errorf("MergeTimeoutSec = %d, want 300", cfg.Detector.MergeTimeoutSec)
	}
	if cfg.Detector.GenericTimeoutSec != 180 {
		t.Errorf("GenericTimeoutSec = %d, want 180", cfg.Detector.GenericTimeoutSec)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.MaxWorkflowRetries != 10 {
		t.Errorf("retry defaults = %d/%d, want 3/10", cfg.Retry.MaxRetries, cfg.Retry.MaxWorkflowRetries)
	}

	// Explicit values survive.
	cfg = ApplyDefaults(Config{Retry: RetryConfig{MaxRetries: 7}})
	if cfg.Retry.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.Retry.MaxRetries)
	}
}
