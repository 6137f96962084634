package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skobayashi/convoy/internal/detect"
	"github.com/skobayashi/convoy/internal/lock"
	"github.com/skobayashi/convoy/internal/model"
	"github.com/skobayashi/convoy/internal/recovery"
	"github.com/skobayashi/convoy/internal/session"
	"github.com/skobayashi/convoy/internal/store"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Executor drives one task at a time against the external session:
// status transitions are persisted through the lock-guarded store, while
// the blocking completion wait holds no lock at all.
type Executor struct {
	store     *store.Store
	sess      session.Session
	detector  *detect.Detector
	recoverer *recovery.Controller
	config    model.Config
	logger    *log.Logger
	logLevel  LogLevel
}

// NewExecutor wires the executor's collaborators.
func NewExecutor(st *store.Store, sess session.Session, det *detect.Detector, rec *recovery.Controller, cfg model.Config, logger *log.Logger) *Executor {
	return &Executor{
		store:     st,
		sess:      sess,
		detector:  det,
		recoverer: rec,
		config:    cfg,
		logger:    logger,
		logLevel:  parseLogLevel(cfg.Logging.Level),
	}
}

// ExecuteTask runs a task to a terminal or paused state. The returned
// error reports execution failure; queue bookkeeping has already been
// persisted by the time it returns. At most one task executes at a
// time across all processes: the call fails fast when another executor
// holds the execution lock.
func (e *Executor) ExecuteTask(ctx context.Context, id string) error {
	execLock, err := e.acquireExecLock()
	if err != nil {
		return err
	}
	defer execLock.Unlock()

	task, err := e.reloadTask(ctx, id)
	if err != nil {
		return err
	}

	if task.IsWorkflow() {
		return e.executeWorkflow(ctx, task)
	}
	return e.executeSimple(ctx, task)
}

// ErrExecutionBusy reports that another process holds the execution
// lock. The runner treats it as a deferral, not a task failure.
var ErrExecutionBusy = errors.New("execution lock held by another process")

// acquireExecLock takes the system-wide execution flock. Concurrent
// invocations contend for queue mutation only, never for simultaneous
// execution.
func (e *Executor) acquireExecLock() (*lock.FileLock, error) {
	lockPath := execLockPath(e.store.Dir())
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := lock.NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrExecutionBusy, err)
	}
	return fl, nil
}

func execLockPath(convoyDir string) string {
	return filepath.Join(convoyDir, "locks", "exec.lock")
}

func (e *Executor) executeSimple(ctx context.Context, task *model.Task) error {
	if task.Status != model.StatusPending && task.Status != model.StatusInProgress {
		e.log(LogLevelInfo, "task_skip id=%s status=%s", task.ID, task.Status)
		return nil
	}

	e.log(LogLevelInfo, "task_start id=%s", task.ID)

	task.Status = model.StatusInProgress
	task.Touch()
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}

	for {
		outcome, err := e.runCommand(ctx, task, -1, model.PhaseGeneric, task.Payload)
		if err != nil {
			return err
		}
		if outcome.Result == detect.ResultCompleted {
			task.Status = model.StatusCompleted
			task.Results["result"] = "success"
			task.Touch()
			if err := e.saveTask(ctx, task); err != nil {
				return err
			}
			e.log(LogLevelInfo, "task_completed id=%s", task.ID)
			return nil
		}

		kind := recovery.Classify(outcome.Output)
		if kind == recovery.KindGeneric {
			kind = recovery.KindTimeout
		}
		decision := e.recoverer.HandleFailure(task, -1, kind, outcome.Output)
		e.log(LogLevelWarn, "task_failure id=%s kind=%s action=%s reason=%q",
			task.ID, kind, decision.Action, decision.Reason)
		if err := e.saveTask(ctx, task); err != nil {
			return err
		}

		// Simple tasks have no per-step budget; the standard retry cap
		// applies to the task itself.
		fatal := decision.Action == recovery.ActionFatal ||
			(decision.Action == recovery.ActionRetry && task.RetryCount > e.config.Retry.MaxRetries)
		if fatal {
			task.Status = model.StatusFailed
			task.Results["result"] = "failed"
			task.Touch()
			if err := e.saveTask(ctx, task); err != nil {
				return err
			}
			e.log(LogLevelWarn, "task_failed id=%s", task.ID)
			return fmt.Errorf("task %s failed: %s", task.ID, decision.Reason)
		}
		if err := sleepCtx(ctx, decision.Delay); err != nil {
			return fmt.Errorf("recovery wait cancelled: %w", err)
		}
	}
}

func (e *Executor) executeWorkflow(ctx context.Context, task *model.Task) error {
	switch task.Status {
	case model.StatusPending, model.StatusInProgress:
	case model.StatusFailed:
		return fmt.Errorf("workflow %s has failed; resume it before executing", task.ID)
	default:
		e.log(LogLevelInfo, "workflow_skip id=%s status=%s", task.ID, task.Status)
		return nil
	}

	e.log(LogLevelInfo, "workflow_start id=%s type=%s step=%d/%d",
		task.ID, task.WorkflowType, task.CurrentStep, len(task.Steps))

	// Automatic checkpoint before touching any step.
	if _, err := CreateCheckpoint(task, "pre-execution"); err != nil {
		return err
	}
	task.Status = model.StatusInProgress
	task.Touch()
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}

	for i := task.CurrentStep; i < len(task.Steps); i++ {
		// Re-read before each step so an external pause or cancel wins.
		fresh, err := e.reloadTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if fresh.Status == model.StatusPaused || fresh.Status == model.StatusCancelled {
			e.log(LogLevelInfo, "workflow_interrupted id=%s status=%s step=%d", task.ID, fresh.Status, i)
			return nil
		}
		task = fresh

		if err := e.executeStep(ctx, task, i); err != nil {
			return err
		}

		task.CurrentStep = i + 1
		task.Touch()
		if err := e.saveTask(ctx, task); err != nil {
			return err
		}
	}

	task.Status = model.StatusCompleted
	task.Touch()
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}
	e.log(LogLevelInfo, "workflow_completed id=%s", task.ID)
	return nil
}

// executeStep runs one step to completion, retrying through the
// recovery controller until success, cooldown-then-success, or a fatal
// decision that fails the whole workflow.
func (e *Executor) executeStep(ctx context.Context, task *model.Task, index int) error {
	step := &task.Steps[index]
	if step.Status == model.StatusCompleted {
		return nil
	}

	e.log(LogLevelInfo, "step_start id=%s index=%d phase=%s", task.ID, index, step.Phase)

	if err := model.ValidateStepTransition(step.Status, model.StatusInProgress); err != nil {
		return fmt.Errorf("step %d of %s: %w", index, task.ID, err)
	}
	step.Status = model.StatusInProgress
	now := time.Now().UTC().Format(time.RFC3339)
	step.StartedAt = &now
	task.Touch()
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}

	for {
		outcome, err := e.runCommand(ctx, task, index, step.Phase, step.Command)
		if err != nil {
			return err
		}
		if outcome.Result == detect.ResultCompleted {
			step.Status = model.StatusCompleted
			done := time.Now().UTC().Format(time.RFC3339)
			step.CompletedAt = &done
			task.Results[fmt.Sprintf("step_%d", index)] = "success"
			task.Touch()
			if err := e.saveTask(ctx, task); err != nil {
				return err
			}
			e.log(LogLevelInfo, "step_completed id=%s index=%d phase=%s assumed=%v",
				task.ID, index, step.Phase, outcome.Assumed)
			return nil
		}

		kind := recovery.Classify(outcome.Output)
		if kind == recovery.KindGeneric {
			kind = recovery.KindTimeout
		}
		decision := e.recoverer.HandleFailure(task, index, kind, outcome.Output)
		e.log(LogLevelWarn, "step_failure id=%s index=%d kind=%s action=%s reason=%q",
			task.ID, index, kind, decision.Action, decision.Reason)
		if err := e.saveTask(ctx, task); err != nil {
			return err
		}

		switch decision.Action {
		case recovery.ActionFatal:
			return e.failWorkflow(ctx, task, index, decision.Reason)
		case recovery.ActionRetry, recovery.ActionCooldown:
			if err := sleepCtx(ctx, decision.Delay); err != nil {
				return fmt.Errorf("recovery wait cancelled: %w", err)
			}
		}
	}
}

// runCommand sends one command to the session and waits for phase
// completion. Failures to even send are folded into the recovery path
// by synthesizing a timed-out outcome carrying the error text.
func (e *Executor) runCommand(ctx context.Context, task *model.Task, stepIndex int, phase, command string) (detect.Outcome, error) {
	if !e.sess.IsAlive() {
		return e.handleSendFailure(ctx, task, stepIndex, fmt.Errorf("session has exited"))
	}
	if err := e.sess.Send(command); err != nil {
		return e.handleSendFailure(ctx, task, stepIndex, err)
	}
	return e.detector.WaitForCompletion(ctx, phase)
}

func (e *Executor) handleSendFailure(ctx context.Context, task *model.Task, stepIndex int, cause error) (detect.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return detect.Outcome{}, err
	}
	e.log(LogLevelWarn, "send_failure id=%s step=%d error=%v", task.ID, stepIndex, cause)
	return detect.Outcome{Result: detect.ResultTimedOut, Output: cause.Error()}, nil
}

func (e *Executor) failWorkflow(ctx context.Context, task *model.Task, index int, reason string) error {
	step := &task.Steps[index]
	step.Status = model.StatusFailed
	done := time.Now().UTC().Format(time.RFC3339)
	step.CompletedAt = &done
	task.Results[fmt.Sprintf("step_%d", index)] = "failed"
	task.Status = model.StatusFailed
	task.Touch()
	if err := e.saveTask(ctx, task); err != nil {
		return err
	}
	e.log(LogLevelError, "workflow_failed id=%s step=%d reason=%q", task.ID, index, reason)
	return fmt.Errorf("workflow %s failed at step %d: %s", task.ID, index, reason)
}

// saveTask persists the executor's working copy into the queue under
// the store's locks.
func (e *Executor) saveTask(ctx context.Context, task *model.Task) error {
	return e.store.Mutate(ctx, func(state *model.QueueState) error {
		existing, err := store.FindTask(state, task.ID)
		if err != nil {
			return err
		}
		*existing = *task
		return nil
	})
}

// reloadTask returns a fresh copy of the task from the store.
func (e *Executor) reloadTask(ctx context.Context, id string) (*model.Task, error) {
	var out model.Task
	err := e.store.Mutate(ctx, func(state *model.QueueState) error {
		task, err := store.FindTask(state, id)
		if err != nil {
			return err
		}
		out = *task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// sleepCtx sleeps for dur or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s executor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
