// Package storage implements the manager's on-disk state: a daily
// rotated one-file-per-task JSON layout and the file locks that keep
// it coherent across worker processes.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/taskrelay/taskrelay/internal/task"
)

const (
	dateLayout   = "2006-01-02"
	lockFileName = ".lock"
)

// taskEnvelope is the on-disk shape of a task file. The metadata
// wrapper is stripped on load.
type taskEnvelope struct {
	task.Task
	Metadata *fileMetadata `json:"_metadata,omitempty"`
}

type fileMetadata struct {
	TaskID  string `json:"task_id"`
	SavedAt string `json:"saved_at"`
	Date    string `json:"date"`
}

// Daily persists tasks under <dir>/YYYY-MM-DD/<task_id>.json with a
// per-day lock file.
type Daily struct {
	dir         string
	lockTimeout time.Duration

	// testHookMerge runs inside MergeUpsert between the read and the
	// write, while today's lock is held.
	testHookMerge func()
}

// NewDaily creates the persistence root if needed.
func NewDaily(dir string, lockTimeout time.Duration) (*Daily, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Daily{dir: dir, lockTimeout: lockTimeout}, nil
}

// Dir returns the persistence root.
func (d *Daily) Dir() string { return d.dir }

func (d *Daily) dayDir(day time.Time) string {
	return filepath.Join(d.dir, day.Format(dateLayout))
}

func (d *Daily) dayLock(day time.Time) *FileLock {
	return NewFileLock(filepath.Join(d.dayDir(day), lockFileName), d.lockTimeout)
}

func safeTaskID(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	return strings.ReplaceAll(id, "\\", "_")
}

func (d *Daily) taskPath(id string, day time.Time) string {
	return filepath.Join(d.dayDir(day), safeTaskID(id)+".json")
}

// SaveAll writes every task in the map to today's directory and, when
// replaceAll is set, deletes task files that are no longer present in
// the map. Shared (multi-worker) callers must pass replaceAll=false:
// another worker may own files this process has never seen.
func (d *Daily) SaveAll(tasks map[string]*task.Task, replaceAll bool) error {
	now := time.Now()
	dir := d.dayDir(now)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create day directory: %w", err)
	}

	return d.dayLock(now).With(func() error {
		written := make(map[string]struct{}, len(tasks))
		for id, t := range tasks {
			path := d.taskPath(id, now)
			if err := d.writeTaskFile(path, id, t, now); err != nil {
				return err
			}
			written[filepath.Base(path)] = struct{}{}
		}

		if !replaceAll {
			return nil
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("list day directory: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			if _, ok := written[name]; ok {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				slog.Error("failed to delete removed task file", "file", name, "error", err)
			}
		}
		return nil
	})
}

// MergeUpsert merges the local view with the persisted set and writes
// the result, holding today's lock across the read, the merge and the
// write so no sibling worker can persist between them. For a task
// present on both sides the newer updated_at wins; persisted tasks
// absent from the local view are never deleted. Returns the merged
// set.
func (d *Daily) MergeUpsert(local map[string]*task.Task) (map[string]*task.Task, error) {
	now := time.Now()
	dir := d.dayDir(now)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create day directory: %w", err)
	}

	var merged map[string]*task.Task
	err := d.dayLock(now).With(func() error {
		onDisk, err := d.loadAllHoldingDay(now)
		if err != nil {
			return fmt.Errorf("load merge source: %w", err)
		}

		merged = onDisk
		for id, mem := range local {
			disk, ok := merged[id]
			if !ok || task.Newer(mem.UpdatedAt, disk.UpdatedAt) {
				merged[id] = mem.Clone()
			}
		}

		if d.testHookMerge != nil {
			d.testHookMerge()
		}

		for id, t := range merged {
			if err := d.writeTaskFile(d.taskPath(id, now), id, t, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// loadAllHoldingDay reads every date directory while the caller holds
// today's lock. Today's directory is read directly; older days take
// their own lock as usual. Today is read first so its copies win the
// per-id dedup.
func (d *Daily) loadAllHoldingDay(today time.Time) (map[string]*task.Task, error) {
	out := make(map[string]*task.Task)
	if err := d.readDirInto(d.dayDir(today), out); err != nil {
		return nil, err
	}

	dates, err := d.ListDates()
	if err != nil {
		return nil, err
	}
	todayName := today.Format(dateLayout)
	for i := len(dates) - 1; i >= 0; i-- {
		day := dates[i]
		if day.Format(dateLayout) == todayName {
			continue
		}
		lockErr := d.dayLock(day).With(func() error {
			return d.readDirInto(d.dayDir(day), out)
		})
		if lockErr != nil {
			slog.Warn("skipping date directory", "date", day.Format(dateLayout), "error", lockErr)
		}
	}
	return out, nil
}

func (d *Daily) writeTaskFile(path, id string, t *task.Task, now time.Time) error {
	env := taskEnvelope{
		Task: *t,
		Metadata: &fileMetadata{
			TaskID:  id,
			SavedAt: now.Format(time.RFC3339Nano),
			Date:    now.Format(dateLayout),
		},
	}
	data, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", id, err)
	}

	// Write to a temp file first, then rename (atomic).
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write task %s: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename task %s: %w", id, err)
	}
	return nil
}

// LoadDay reads all task files for one day, taking that day's lock.
// Corrupted files get a .bak sidecar and are skipped.
func (d *Daily) LoadDay(day time.Time) (map[string]*task.Task, error) {
	dir := d.dayDir(day)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return map[string]*task.Task{}, nil
	}

	out := make(map[string]*task.Task)
	err := d.dayLock(day).With(func() error {
		return d.readDirInto(dir, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Daily) readDirInto(dir string, out map[string]*task.Task) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		id, t, err := readTaskFile(path)
		if err != nil {
			slog.Error("skipping unreadable task file", "file", path, "error", err)
			backupCorruptedFile(path)
			continue
		}
		if _, exists := out[id]; exists {
			// Caller iterates newest date first; keep that copy.
			continue
		}
		out[id] = t
	}
	return nil
}

// LoadAll merges tasks from every date directory, preferring the most
// recent date's copy of a given task id.
func (d *Daily) LoadAll() (map[string]*task.Task, error) {
	dates, err := d.ListDates()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*task.Task)
	// Newest first so the freshest copy wins the dedup in readDirInto.
	for i := len(dates) - 1; i >= 0; i-- {
		day := dates[i]
		lockErr := d.dayLock(day).With(func() error {
			return d.readDirInto(d.dayDir(day), out)
		})
		if lockErr != nil {
			slog.Warn("skipping date directory", "date", day.Format(dateLayout), "error", lockErr)
		}
	}
	return out, nil
}

// LoadTask reads a single task, searching from the most recent date
// backwards. Returns nil when not found anywhere.
func (d *Daily) LoadTask(id string) (*task.Task, error) {
	dates, err := d.ListDates()
	if err != nil {
		return nil, err
	}
	for i := len(dates) - 1; i >= 0; i-- {
		day := dates[i]
		path := d.taskPath(id, day)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		var found *task.Task
		lockErr := d.dayLock(day).With(func() error {
			_, t, err := readTaskFile(path)
			if err != nil {
				backupCorruptedFile(path)
				return err
			}
			found = t
			return nil
		})
		if lockErr != nil {
			slog.Warn("failed to read task file", "task_id", id, "date", day.Format(dateLayout), "error", lockErr)
			continue
		}
		return found, nil
	}
	return nil, nil
}

// ListDates returns every date directory under the root, oldest first.
func (d *Daily) ListDates() ([]time.Time, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("list data directory: %w", err)
	}
	var dates []time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.Parse(dateLayout, e.Name())
		if err != nil {
			continue
		}
		dates = append(dates, day)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// Cleanup removes date directories older than daysToKeep. Returns the
// number of directories deleted.
func (d *Daily) Cleanup(daysToKeep int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -daysToKeep)
	dates, err := d.ListDates()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, day := range dates {
		if !day.Before(cutoff.Truncate(24 * time.Hour)) {
			continue
		}
		dir := d.dayDir(day)
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("failed to delete old task directory", "dir", dir, "error", err)
			continue
		}
		deleted++
		slog.Info("deleted old task directory", "dir", dir)
	}
	return deleted, nil
}

func readTaskFile(path string) (string, *task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	var env taskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", path, err)
	}

	id := strings.TrimSuffix(filepath.Base(path), ".json")
	if env.Metadata != nil && env.Metadata.TaskID != "" {
		id = env.Metadata.TaskID
	}
	t := env.Task
	return id, &t, nil
}

// backupCorruptedFile copies an unreadable task file to a .bak sidecar
// so the record can be recovered manually.
func backupCorruptedFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		slog.Error("failed to create backup of corrupted file", "file", path, "error", err)
		return
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		slog.Error("failed to back up corrupted file", "file", path, "error", err)
		return
	}
	slog.Warn("created backup of corrupted task file", "backup", path+".bak")
}
