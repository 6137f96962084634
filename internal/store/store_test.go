package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobayashi/convoy/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := model.DefaultConfig()
	s, err := New(t.TempDir(), cfg)
	require.NoError(t, err)
	return s
}

func mustTask(t *testing.T, payload string, priority int) model.Task {
	t.Helper()
	task, err := model.NewTask(payload, priority)
	require.NoError(t, err)
	return *task
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	state, err := s.Load()
	require.NoError(t, err)
	assert.NotNil(t, state.Tasks)
	assert.Empty(t, state.Tasks)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	task := mustTask(t, "echo hi", 3)
	state := model.QueueState{Tasks: []model.Task{task}}
	require.NoError(t, s.Save(state, false))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Tasks, 1)
	assert.Equal(t, task.ID, loaded.Tasks[0].ID)
	assert.Equal(t, task.Payload, loaded.Tasks[0].Payload)
	assert.NotEmpty(t, loaded.LastModified)

	// The file on disk is valid indented JSON with the tasks key.
	data, err := os.ReadFile(s.QueuePath())
	require.NoError(t, err)
	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &top))
	assert.Contains(t, top, "tasks")
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(model.QueueState{Tasks: []model.Task{}}, false))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".convoy-tmp-")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.QueuePath(), []byte("{not json"), 0644))

	_, err := s.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptStore))
}

func TestLoadMissingTasksKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.QueuePath(), []byte(`{"last_modified":"x"}`), 0644))

	_, err := s.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptStore))
}

func TestLoadOrRecoverQuarantines(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.QueuePath(), []byte("garbage"), 0644))

	state, err := s.LoadOrRecover()
	require.NoError(t, err)
	assert.Empty(t, state.Tasks)

	// Original bytes preserved under quarantine/.
	entries, err := os.ReadDir(filepath.Join(s.Dir(), "quarantine"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "queue.json")
	assert.Contains(t, entries[0].Name(), ".corrupt")
}

func TestSaveWithBackup(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(model.QueueState{Tasks: []model.Task{}}, true))
	// First save has nothing to back up.
	backups, err := s.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)

	require.NoError(t, s.Save(model.QueueState{Tasks: []model.Task{mustTask(t, "a", 0)}}, true))
	require.NoError(t, s.Save(model.QueueState{Tasks: []model.Task{mustTask(t, "b", 0)}}, true))

	backups, err = s.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 2, "each save gets its own timestamped backup")

	// Backups hold valid JSON.
	for _, b := range backups {
		data, err := os.ReadFile(b)
		require.NoError(t, err)
		var state model.QueueState
		require.NoError(t, json.Unmarshal(data, &state))
	}
}

func TestMutateAddRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustTask(t, "echo hi", 0)
	require.NoError(t, s.Mutate(ctx, func(state *model.QueueState) error {
		return AddTask(state, task)
	}))

	// Duplicate id is rejected and nothing is persisted for it.
	err := s.Mutate(ctx, func(state *model.QueueState) error {
		return AddTask(state, task)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	require.NoError(t, s.Mutate(ctx, func(state *model.QueueState) error {
		return RemoveTask(state, task.ID)
	}))

	state, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, state.Tasks)

	err = s.Mutate(ctx, func(state *model.QueueState) error {
		return RemoveTask(state, task.ID)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMutateFailedFnDoesNotPersist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustTask(t, "keep me", 0)
	require.NoError(t, s.Mutate(ctx, func(state *model.QueueState) error {
		return AddTask(state, task)
	}))

	err := s.Mutate(ctx, func(state *model.QueueState) error {
		state.Tasks = nil
		return errors.New("boom")
	})
	require.Error(t, err)

	state, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, state.Tasks, 1, "failed mutation must not be persisted")
}

func TestUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustTask(t, "x", 0)
	require.NoError(t, s.Mutate(ctx, func(state *model.QueueState) error {
		return AddTask(state, task)
	}))

	require.NoError(t, s.Mutate(ctx, func(state *model.QueueState) error {
		return UpdateStatus(state, task.ID, model.StatusInProgress)
	}))

	// Invalid transition is rejected, state untouched.
	err := s.Mutate(ctx, func(state *model.QueueState) error {
		return UpdateStatus(state, task.ID, model.StatusPending)
	})
	require.Error(t, err)

	state, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, state.Tasks[0].Status)

	// Same-status update is a no-op, not an error.
	require.NoError(t, s.Mutate(ctx, func(state *model.QueueState) error {
		return UpdateStatus(state, task.ID, model.StatusInProgress)
	}))
}

func TestMutateConcurrentWriters(t *testing.T) {
	s := newTestStore(t)

	const writers, perWriter = 8, 5
	batches := make([][]model.Task, writers)
	for w := range batches {
		for n := 0; n < perWriter; n++ {
			batches[w] = append(batches[w], mustTask(t, fmt.Sprintf("job %d-%d", w, n), w))
		}
	}

	errCh := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(batch []model.Task) {
			defer wg.Done()
			for _, task := range batch {
				errCh <- s.Mutate(context.Background(), func(state *model.QueueState) error {
					return AddTask(state, task)
				})
			}
		}(batches[w])
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	state, err := s.Load()
	require.NoError(t, err)
	require.Len(t, state.Tasks, writers*perWriter)

	seen := make(map[string]struct{}, len(state.Tasks))
	for _, task := range state.Tasks {
		seen[task.ID] = struct{}{}
	}
	assert.Len(t, seen, writers*perWriter, "every concurrent add lands exactly once")
}
