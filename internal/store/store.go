// Package store provides the durable JSON queue store with atomic
// writes, timestamped backups, corruption recovery, and lock-guarded
// mutation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/skobayashi/convoy/internal/lock"
	"github.com/skobayashi/convoy/internal/model"
)

const (
	queueFileName = "queue.json"
	lockDirName   = ".lock.d"
	backupDirName = "backups"
)

// ErrCorruptStore marks a queue file that is not valid JSON or is
// missing required top-level structure. Callers fall back to an empty
// state rather than crashing.
var ErrCorruptStore = errors.New("queue store is corrupt")

// Store owns queue.json under its directory. Cross-process access is
// guarded by the directory lock; the in-process mutex map keeps
// goroutines of one process from interleaving read-modify-write cycles.
type Store struct {
	dir          string
	dirLock      *lock.DirLock
	lockMap      *lock.MutexMap
	backupOnSave bool
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, cfg model.Config) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	dl := lock.NewDirLock(filepath.Join(dir, lockDirName),
		lock.WithMaxAttempts(cfg.Lock.MaxAttempts),
		lock.WithBackoff(
			time.Duration(cfg.Lock.BaseBackoffMs)*time.Millisecond,
			time.Duration(cfg.Lock.MaxBackoffMs)*time.Millisecond,
		),
		lock.WithStaleAfter(time.Duration(cfg.Lock.StaleAfterSec)*time.Second),
	)
	return &Store{
		dir:          dir,
		dirLock:      dl,
		lockMap:      lock.NewMutexMap(),
		backupOnSave: cfg.Queue.BackupOnSave,
	}, nil
}

// Dir returns the queue directory.
func (s *Store) Dir() string {
	return s.dir
}

// QueuePath returns the path of the queue file.
func (s *Store) QueuePath() string {
	return filepath.Join(s.dir, queueFileName)
}

// BackupDir returns the backup directory path.
func (s *Store) BackupDir() string {
	return filepath.Join(s.dir, backupDirName)
}

// Load reads the current queue state. A missing file yields an empty
// state; a malformed file yields ErrCorruptStore (wrapped).
func (s *Store) Load() (model.QueueState, error) {
	data, err := os.ReadFile(s.QueuePath())
	if err != nil {
		if os.IsNotExist(err) {
			return emptyState(), nil
		}
		return model.QueueState{}, fmt.Errorf("read queue file: %w", err)
	}

	var state model.QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.QueueState{}, fmt.Errorf("parse queue file: %w: %w", ErrCorruptStore, err)
	}
	if state.Tasks == nil {
		// "tasks" must be present even when empty.
		var top map[string]json.RawMessage
		if err := json.Unmarshal(data, &top); err != nil {
			return model.QueueState{}, fmt.Errorf("parse queue file: %w: %w", ErrCorruptStore, err)
		}
		if _, ok := top["tasks"]; !ok {
			return model.QueueState{}, fmt.Errorf("queue file missing tasks key: %w", ErrCorruptStore)
		}
		state.Tasks = []model.Task{}
	}
	return state, nil
}

// LoadOrRecover loads the queue state, quarantining a corrupt file and
// falling back to an empty state so readers never crash on corruption.
func (s *Store) LoadOrRecover() (model.QueueState, error) {
	state, err := s.Load()
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrCorruptStore) {
		return model.QueueState{}, err
	}
	if qerr := s.quarantine(); qerr != nil {
		return model.QueueState{}, fmt.Errorf("quarantine corrupt queue: %w", qerr)
	}
	return emptyState(), nil
}

// Save writes state atomically: marshal to a temp file in the queue
// directory, validate the written bytes by re-reading, then rename over
// the target. withBackup snapshots the previous file into backups/
// first, one timestamped file per save, never overwritten.
func (s *Store) Save(state model.QueueState, withBackup bool) error {
	state.LastModified = time.Now().UTC().Format(time.RFC3339)

	content, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	path := s.QueuePath()
	if withBackup {
		if err := s.backupCurrent(); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(s.dir, ".convoy-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		// Clean up temp file on any failure
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Validate written content by re-reading the temp file
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if err := validateJSON(written); err != nil {
		return fmt.Errorf("json validation failed: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Mutate runs fn against a fresh copy of the state under both the
// in-process mutex and the cross-process directory lock, then persists
// the result. The lock is released on every exit path.
func (s *Store) Mutate(ctx context.Context, fn func(*model.QueueState) error) error {
	s.lockMap.Lock(queueFileName)
	defer s.lockMap.Unlock(queueFileName)

	return s.dirLock.With(ctx, func() error {
		state, err := s.LoadOrRecover()
		if err != nil {
			return err
		}
		if err := fn(&state); err != nil {
			return err
		}
		return s.Save(state, s.backupOnSave)
	})
}

// AddTask appends a task after checking id uniqueness.
func AddTask(state *model.QueueState, task model.Task) error {
	for _, t := range state.Tasks {
		if t.ID == task.ID {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
	}
	state.Tasks = append(state.Tasks, task)
	return nil
}

// RemoveTask deletes a task by id.
func RemoveTask(state *model.QueueState, id string) error {
	for i, t := range state.Tasks {
		if t.ID == id {
			state.Tasks = append(state.Tasks[:i], state.Tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("task %s not found", id)
}

// FindTask returns a pointer into state.Tasks for in-place mutation.
func FindTask(state *model.QueueState, id string) (*model.Task, error) {
	for i := range state.Tasks {
		if state.Tasks[i].ID == id {
			return &state.Tasks[i], nil
		}
	}
	return nil, fmt.Errorf("task %s not found", id)
}

// UpdateStatus validates and applies a task status transition. Equal
// statuses are a no-op; otherwise UpdatedAt is refreshed.
func UpdateStatus(state *model.QueueState, id string, newStatus model.Status) error {
	task, err := FindTask(state, id)
	if err != nil {
		return err
	}
	if task.Status == newStatus {
		return nil
	}
	if err := model.ValidateTaskTransition(task.Status, newStatus); err != nil {
		return err
	}
	task.Status = newStatus
	task.Touch()
	return nil
}

func (s *Store) backupCurrent() error {
	data, err := os.ReadFile(s.QueuePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to back up
		}
		return err
	}
	if err := os.MkdirAll(s.BackupDir(), 0755); err != nil {
		return err
	}
	suffix := time.Now().UTC().Format("20060102T150405.000000000")
	name := fmt.Sprintf("queue-%s.json", suffix)
	return writeFileSync(filepath.Join(s.BackupDir(), name), data)
}

// ListBackups returns backup file paths, oldest first.
func (s *Store) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(s.BackupDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(s.BackupDir(), e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// quarantine moves a corrupt queue file aside so a fresh state can take
// its place, keeping the bad bytes for diagnosis.
func (s *Store) quarantine() error {
	quarantineDir := filepath.Join(s.dir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", queueFileName, timestamp))
	if err := os.Rename(s.QueuePath(), quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}
	return nil
}

func emptyState() model.QueueState {
	return model.QueueState{Tasks: []model.Task{}}
}

func validateJSON(content []byte) error {
	var v any
	return json.Unmarshal(content, &v)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
