package storage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskrelay/taskrelay/internal/task"
)

const saveAttempts = 3

// Store is the in-memory task map plus its persistence. In shared
// mode the authoritative state lives on disk and every save merges
// with it; in single-worker mode the map is authoritative and saves
// replace today's directory contents.
type Store struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	daily  *Daily
	shared bool
}

// NewStore loads all persisted tasks into memory and returns the
// store. shared selects the multi-worker merge protocol.
func NewStore(daily *Daily, shared bool) (*Store, error) {
	loaded, err := daily.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load persisted tasks: %w", err)
	}
	slog.Info("loaded tasks from persistence", "count", len(loaded), "shared", shared)
	return &Store{tasks: loaded, daily: daily, shared: shared}, nil
}

// Len returns the number of tasks in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Get returns a copy of the task. In shared mode a memory miss (or a
// stale memory copy) falls back to disk and refreshes the cache.
func (s *Store) Get(id string) *task.Task {
	s.mu.RLock()
	mem, ok := s.tasks[id]
	if ok {
		mem = mem.Clone()
	}
	s.mu.RUnlock()

	if !s.shared {
		if !ok {
			return nil
		}
		return mem
	}

	disk, err := s.daily.LoadTask(id)
	if err != nil {
		slog.Warn("disk fallback failed", "task_id", id, "error", err)
	}
	if disk == nil {
		if !ok {
			return nil
		}
		return mem
	}
	if ok && !task.Newer(disk.UpdatedAt, mem.UpdatedAt) {
		return mem
	}

	// Disk copy is newer (or memory missed entirely): refresh cache.
	s.mu.Lock()
	current, exists := s.tasks[id]
	if !exists || task.Newer(disk.UpdatedAt, current.UpdatedAt) {
		s.tasks[id] = disk.Clone()
	}
	s.mu.Unlock()
	return disk
}

// Snapshot returns a copy of all tasks currently in memory.
func (s *Store) Snapshot() map[string]*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*task.Task, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = t.Clone()
	}
	return out
}

// Put inserts or replaces a task and persists the store.
func (s *Store) Put(t *task.Task) error {
	s.mu.Lock()
	s.tasks[t.TaskID] = t.Clone()
	s.mu.Unlock()
	return s.Save()
}

// Update applies fn to the stored task under the store lock, bumps
// updated_at and persists. Returns false when the task is unknown.
func (s *Store) Update(id string, fn func(t *task.Task)) (bool, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		if !s.shared {
			return false, nil
		}
		// The record may live on disk only (created by another worker).
		disk, err := s.daily.LoadTask(id)
		if err != nil || disk == nil {
			return false, err
		}
		s.mu.Lock()
		s.tasks[id] = disk
		t = disk
	}
	fn(t)
	t.Touch()
	s.mu.Unlock()
	return true, s.Save()
}

// Delete removes a task from memory. The on-disk copy ages out via
// the retention cleanup.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// Save persists the store, retrying a handful of times before giving
// up. Shared mode merges with the on-disk set first: for a task
// present on both sides the newer updated_at wins, and task files
// absent from the local view are never deleted.
func (s *Store) Save() error {
	var err error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		if err = s.saveOnce(); err == nil {
			return nil
		}
		slog.Warn("task save attempt failed", "attempt", attempt, "error", err)
	}
	slog.Error("failed to save tasks", "attempts", saveAttempts, "error", err)
	return fmt.Errorf("save tasks after %d attempts: %w", saveAttempts, err)
}

func (s *Store) saveOnce() error {
	if !s.shared {
		return s.daily.SaveAll(s.Snapshot(), true)
	}

	// MergeUpsert reads, merges and writes under a single hold of
	// today's lock, so a sibling worker cannot persist a newer record
	// between the read and the write.
	merged, err := s.daily.MergeUpsert(s.Snapshot())
	if err != nil {
		return err
	}

	// Refresh the local view from the merged result.
	s.mu.Lock()
	s.tasks = make(map[string]*task.Task, len(merged))
	for id, t := range merged {
		s.tasks[id] = t.Clone()
	}
	s.mu.Unlock()
	return nil
}

// EvictTerminalOlderThan removes terminal in-memory tasks whose
// created_at is older than the horizon. Returns the evicted ids.
func (s *Store) EvictTerminalOlderThan(horizon time.Duration) []string {
	cutoff := time.Now().Add(-horizon)
	var evicted []string

	s.mu.Lock()
	for id, t := range s.tasks {
		if !t.Status.Terminal() {
			continue
		}
		created, err := task.ParseISO(t.CreatedAt)
		if err != nil {
			continue
		}
		if created.Before(cutoff) {
			delete(s.tasks, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()
	return evicted
}
