// Package lock provides the mutual-exclusion primitives guarding queue
// state: a directory-based cross-process lock with stale-holder
// reclamation, a flock-based singleton lock for the runner, and an
// in-process keyed mutex map.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ErrLockTimeout is returned when the lock could not be acquired within
// the bounded retry budget.
var ErrLockTimeout = errors.New("lock acquisition timed out")

type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// DirLock is a cross-process lock represented by an exclusively created
// directory. The directory's existence is the lock; the pid, timestamp,
// and hostname files inside it are diagnostic only.
type DirLock struct {
	dir         string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	staleAfter  time.Duration
	held        bool
}

// Option configures a DirLock.
type Option func(*DirLock)

func WithMaxAttempts(n int) Option {
	return func(l *DirLock) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func WithBackoff(base, max time.Duration) Option {
	return func(l *DirLock) {
		if base > 0 {
			l.baseBackoff = base
		}
		if max > 0 {
			l.maxBackoff = max
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(l *DirLock) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// NewDirLock creates a lock rooted at dir (conventionally
// <queue-dir>/.lock.d).
func NewDirLock(dir string, opts ...Option) *DirLock {
	l := &DirLock{
		dir:         dir,
		maxAttempts: 10,
		baseBackoff: 100 * time.Millisecond,
		maxBackoff:  5 * time.Second,
		staleAfter:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire attempts to create the lock directory, reclaiming stale locks
// and backing off exponentially between attempts. Returns ErrLockTimeout
// (wrapped) after maxAttempts failures.
func (l *DirLock) Acquire(ctx context.Context) error {
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("lock acquisition cancelled: %w", err)
		}

		err := os.Mkdir(l.dir, 0755)
		if err == nil {
			if werr := l.writeHolderInfo(); werr != nil {
				// Holder info is diagnostic; the lock itself is held.
				_ = werr
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock dir: %w", err)
		}

		if l.isStale() {
			// Remove and retry immediately; a racing remover is harmless
			// since the next Mkdir re-establishes exclusivity.
			_ = os.RemoveAll(l.dir)
			continue
		}

		backoff := l.baseBackoff << uint(attempt)
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
		}
	}
	return fmt.Errorf("acquire %s after %d attempts: %w", l.dir, l.maxAttempts, ErrLockTimeout)
}

// Release removes the lock directory. Safe to call when not held.
func (l *DirLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("remove lock dir: %w", err)
	}
	return nil
}

// With runs fn while holding the lock, releasing it on every exit path.
func (l *DirLock) With(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}

func (l *DirLock) writeHolderInfo() error {
	pid := strconv.Itoa(os.Getpid())
	hostname, _ := os.Hostname()
	now := time.Now().UTC().Format(time.RFC3339)
	for name, content := range map[string]string{
		"pid":       pid,
		"timestamp": now,
		"hostname":  hostname,
	} {
		if err := os.WriteFile(filepath.Join(l.dir, name), []byte(content+"\n"), 0644); err != nil {
			return fmt.Errorf("write lock %s file: %w", name, err)
		}
	}
	return nil
}

// isStale reports whether the existing lock can be reclaimed: its holder
// process is gone, or the lock is older than the staleness threshold.
func (l *DirLock) isStale() bool {
	info, err := os.Stat(l.dir)
	if err != nil {
		// Already gone — next Mkdir attempt decides.
		return false
	}
	if time.Since(info.ModTime()) > l.staleAfter {
		return true
	}

	pidData, err := os.ReadFile(filepath.Join(l.dir, "pid"))
	if err != nil {
		// No pid recorded yet; only age-based reclamation applies.
		return false
	}
	pid, err := strconv.Atoi(string(trimNewline(pidData)))
	if err != nil || pid <= 0 {
		return false
	}
	return !processAlive(pid)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// processAlive checks liveness with signal 0. EPERM means the process
// exists but belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// FileLock is a flock-based singleton lock. The runner holds one for
// its whole lifetime, and the executor takes one per task so at most
// one task executes at a time system-wide.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (held by another process): %w", err)
	}

	// Write PID to lock file
	if err := f.Truncate(0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}
