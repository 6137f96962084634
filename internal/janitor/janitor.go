// Package janitor keeps the working directory from growing without
// bound: it prunes old queue backups and moves long-completed tasks
// out of the live queue into the archive.
package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skobayashi/convoy/internal/model"
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

// Janitor runs housekeeping on a cron schedule.
type Janitor struct {
	store    *store.Store
	config   model.JanitorConfig
	logger   *log.Logger
	logLevel LogLevel
	cron     *cron.Cron
	now      func() time.Time
}

// New creates a Janitor; it does nothing until Start is called.
func New(st *store.Store, cfg model.JanitorConfig, logger *log.Logger, logLevel string) *Janitor {
	return &Janitor{
		store:    st,
		config:   cfg,
		logger:   logger,
		logLevel: parseLogLevel(logLevel),
		now:      time.Now,
	}
}

// Start registers the housekeeping job on the configured schedule and
// begins running it. Returns an error if the schedule does not parse.
func (j *Janitor) Start() error {
	if !j.config.Enabled {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(j.config.PruneSchedule, func() {
		if err := j.RunOnce(context.Background()); err != nil {
			j.log(LogLevelWarn, "housekeeping failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("parse schedule %q: %w", j.config.PruneSchedule, err)
	}
	c.Start()
	j.cron = c
	j.log(LogLevelInfo, "janitor started schedule=%q", j.config.PruneSchedule)
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.log(LogLevelInfo, "janitor stopped")
}

// RunOnce performs one full housekeeping pass.
func (j *Janitor) RunOnce(ctx context.Context) error {
	if err := j.PruneBackups(); err != nil {
		return err
	}
	return j.ArchiveCompleted(ctx)
}

// PruneBackups deletes the oldest backups beyond MaxBackups.
func (j *Janitor) PruneBackups() error {
	backups, err := j.store.ListBackups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	excess := len(backups) - j.config.MaxBackups
	if excess <= 0 {
		return nil
	}
	for _, path := range backups[:excess] {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("prune backup %s: %w", path, err)
		}
		j.log(LogLevelDebug, "pruned backup %s", filepath.Base(path))
	}
	j.log(LogLevelInfo, "pruned %d backups", excess)
	return nil
}

// ArchiveCompleted moves tasks that reached a terminal state more than
// ArchiveAfterDays ago out of the live queue into archive/ as one JSON
// file per task.
func (j *Janitor) ArchiveCompleted(ctx context.Context) error {
	cutoff := j.now().UTC().AddDate(0, 0, -j.config.ArchiveAfterDays)
	archiveDir := filepath.Join(j.store.Dir(), "archive")

	var archived []model.Task
	err := j.store.Mutate(ctx, func(state *model.QueueState) error {
		archived = archived[:0]
		kept := state.Tasks[:0]
		for _, t := range state.Tasks {
			if j.archivable(t, cutoff) {
				archived = append(archived, t)
			} else {
				kept = append(kept, t)
			}
		}
		if len(archived) == 0 {
			return nil
		}
		if err := os.MkdirAll(archiveDir, 0755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		for _, t := range archived {
			if err := writeArchiveEntry(archiveDir, t); err != nil {
				return err
			}
		}
		state.Tasks = kept
		return nil
	})
	if err != nil {
		return err
	}
	if len(archived) > 0 {
		j.log(LogLevelInfo, "archived %d tasks", len(archived))
	}
	return nil
}

func (j *Janitor) archivable(t model.Task, cutoff time.Time) bool {
	if !model.IsTerminal(t.Status) {
		return false
	}
	updated, err := time.Parse(time.RFC3339, t.UpdatedAt)
	if err != nil {
		// Unparseable timestamps stay in the queue for inspection.
		return false
	}
	return updated.Before(cutoff)
}

func writeArchiveEntry(dir string, t model.Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	path := filepath.Join(dir, t.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write archive entry %s: %w", path, err)
	}
	return nil
}

func (j *Janitor) log(level LogLevel, format string, args ...any) {
	if level < j.logLevel {
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
	j.logger.Printf("%s %s janitor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
