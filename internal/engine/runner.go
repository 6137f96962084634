package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/skobayashi/convoy/internal/lock"
	"github.com/skobayashi/convoy/internal/model"
	"github.com/skobayashi/convoy/internal/store"
)

// Throttle reports whether task dispatch should be deferred because the
// host is under resource pressure.
type Throttle interface {
	OverThreshold() bool
}

// watcher is implemented by throttles that keep their own sampling
// cadence alongside the on-demand checks.
type watcher interface {
	Watch(ctx context.Context)
}

// Runner is the long-lived dispatch loop. It holds the runner singleton
// lock, watches the queue file for changes, and executes pending tasks
// one at a time in priority order.
type Runner struct {
	convoyDir string
	config    model.Config
	logLevel  LogLevel
	logger    *log.Logger
	logFile   io.Closer

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store    *store.Store
	executor *Executor
	throttle Throttle

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	scanCh   chan struct{}
}

// NewRunner creates a Runner logging to logs/runner.log under convoyDir.
func NewRunner(convoyDir string, cfg model.Config, st *store.Store, exec *Executor, throttle Throttle) (*Runner, error) {
	logPath := filepath.Join(convoyDir, "logs", "runner.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open runner log: %w", err)
	}

	return newRunner(convoyDir, cfg, st, exec, throttle, logFile, logFile)
}

// newRunner is the internal constructor for testing.
func newRunner(convoyDir string, cfg model.Config, st *store.Store, exec *Executor, throttle Throttle, w io.Writer, closer io.Closer) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		convoyDir: convoyDir,
		config:    cfg,
		logLevel:  parseLogLevel(cfg.Logging.Level),
		logger:    log.New(w, "", 0),
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(convoyDir, "locks", "runner.lock")),
		ticker:    time.NewTicker(time.Duration(cfg.Queue.ScanIntervalSec) * time.Second),
		store:     st,
		executor:  exec,
		throttle:  throttle,
		ctx:       ctx,
		cancel:    cancel,
		scanCh:    make(chan struct{}, 1),
	}

	return r, nil
}

// Run starts the runner and blocks until shutdown completes.
func (r *Runner) Run() error {
	if err := r.fileLock.TryLock(); err != nil {
		return fmt.Errorf("runner lock: %w", err)
	}
	r.log(LogLevelInfo, "runner starting pid=%d", os.Getpid())

	if err := r.reconcileOrphans(); err != nil {
		r.log(LogLevelWarn, "startup reconciliation: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	r.watcher = watcher

	if err := watcher.Add(r.store.Dir()); err != nil {
		r.cleanup()
		return fmt.Errorf("watch %s: %w", r.store.Dir(), err)
	}

	r.wg.Add(3)
	go r.fsnotifyLoop()
	go r.tickerLoop()
	go r.dispatchLoop()
	r.startThrottleWatcher()

	r.requestScan()
	r.log(LogLevelInfo, "runner ready")

	r.waitSignals()

	return nil
}

// reconcileOrphans repairs tasks a crashed dispatcher left in_progress
// on disk so they dispatch again instead of stranding. Runs once at
// startup, and only while the execution lock is free: a live executor
// means the in_progress state is real.
func (r *Runner) reconcileOrphans() error {
	lockPath := execLockPath(r.convoyDir)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	execLock := lock.NewFileLock(lockPath)
	if err := execLock.TryLock(); err != nil {
		r.log(LogLevelInfo, "execution lock held, skipping orphan reconciliation")
		return nil
	}
	defer execLock.Unlock()

	repaired := 0
	err := r.store.Mutate(r.ctx, func(state *model.QueueState) error {
		repaired = 0
		for i := range state.Tasks {
			task := &state.Tasks[i]
			if task.Status != model.StatusInProgress {
				continue
			}
			// Crash repair bypasses the normal transition table.
			task.Status = model.StatusPending
			for j := range task.Steps {
				if task.Steps[j].Status == model.StatusInProgress {
					task.Steps[j].Status = model.StatusPending
					task.Steps[j].StartedAt = nil
				}
			}
			task.Touch()
			repaired++
			r.log(LogLevelWarn, "reconciled orphaned task id=%s back to pending", task.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile orphans: %w", err)
	}
	if repaired > 0 {
		r.log(LogLevelInfo, "reconciled %d orphaned tasks", repaired)
	}
	return nil
}

// startThrottleWatcher runs the throttle's own sampling loop when it
// has one, so resource warnings surface on their cadence rather than
// only at dispatch.
func (r *Runner) startThrottleWatcher() {
	w, ok := r.throttle.(watcher)
	if !ok {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w.Watch(r.ctx)
	}()
}

// requestScan schedules a dispatch pass. Coalesces bursts: a pass that
// is already pending absorbs further requests.
func (r *Runner) requestScan() {
	select {
	case r.scanCh <- struct{}{}:
	default:
	}
}

func (r *Runner) fsnotifyLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "queue.json" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				r.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				r.requestScan()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (r *Runner) tickerLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.ticker.C:
			r.log(LogLevelDebug, "periodic scan triggered")
			r.requestScan()
		}
	}
}

// dispatchLoop executes pending tasks one at a time. Each pass drains
// the queue until no dispatchable task remains.
func (r *Runner) dispatchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.scanCh:
			r.drainQueue()
		}
	}
}

func (r *Runner) drainQueue() {
	for {
		if r.ctx.Err() != nil {
			return
		}
		if r.throttle != nil && r.throttle.OverThreshold() {
			r.log(LogLevelWarn, "resource threshold exceeded, deferring dispatch")
			return
		}

		id, err := r.pickNext()
		if err != nil {
			r.log(LogLevelError, "pick next task: %v", err)
			return
		}
		if id == "" {
			return
		}

		if err := r.executor.ExecuteTask(r.ctx, id); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrExecutionBusy) {
				r.log(LogLevelInfo, "execution lock busy, deferring dispatch")
				return
			}
			r.log(LogLevelWarn, "execute id=%s: %v", id, err)
		}
	}
}

// pickNext returns the id of the next pending task, or "" when the
// queue has no pending work. Order: priority ascending, then creation
// time, then id.
func (r *Runner) pickNext() (string, error) {
	var id string
	err := r.store.Mutate(r.ctx, func(state *model.QueueState) error {
		pending := make([]model.Task, 0, len(state.Tasks))
		for _, t := range state.Tasks {
			if t.Status == model.StatusPending {
				pending = append(pending, t)
			}
		}
		sort.Slice(pending, func(i, j int) bool {
			if pending[i].Priority != pending[j].Priority {
				return pending[i].Priority < pending[j].Priority
			}
			if pending[i].CreatedAt != pending[j].CreatedAt {
				return pending[i].CreatedAt < pending[j].CreatedAt
			}
			return pending[i].ID < pending[j].ID
		})
		if len(pending) > 0 {
			id = pending[0].ID
		}
		return nil
	})
	return id, err
}

func (r *Runner) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	r.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		r.log(LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	r.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (r *Runner) Shutdown() {
	r.shutdown.Do(func() {
		r.log(LogLevelInfo, "shutdown started")

		r.cancel()
		r.ticker.Stop()
		if r.watcher != nil {
			r.watcher.Close()
		}

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(30 * time.Second):
			r.log(LogLevelWarn, "shutdown timeout, some operations may be incomplete")
		}

		r.cleanup()
		r.log(LogLevelInfo, "runner stopped")
	})
}

func (r *Runner) cleanup() {
	r.fileLock.Unlock()
	if r.logFile != nil {
		r.logFile.Close()
	}
}

func (r *Runner) log(level LogLevel, format string, args ...any) {
	if level < r.logLevel {
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
	r.logger.Printf("%s %s runner: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
