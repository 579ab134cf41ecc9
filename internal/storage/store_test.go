package storage

import (
	"testing"
	"time"

	"github.com/taskrelay/taskrelay/internal/task"
)

func newTestStore(t *testing.T, shared bool) (*Store, *Daily) {
	t.Helper()
	d := newTestDaily(t)
	s, err := NewStore(d, shared)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, d
}

func TestStorePutGet(t *testing.T) {
	s, _ := newTestStore(t, false)
	if err := s.Put(sampleTask("t1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got := s.Get("t1")
	if got == nil || got.TaskID != "t1" {
		t.Fatalf("Get = %+v", got)
	}
	if s.Get("missing") != nil {
		t.Fatal("expected nil for unknown id")
	}

	// Returned tasks are copies.
	got.Status = task.StatusFailed
	if s.Get("t1").Status == task.StatusFailed {
		t.Fatal("Get must return a copy")
	}
}

func TestStoreUpdate(t *testing.T) {
	s, _ := newTestStore(t, false)
	if err := s.Put(sampleTask("t1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	before := s.Get("t1").UpdatedAt

	time.Sleep(5 * time.Millisecond)
	ok, err := s.Update("t1", func(tk *task.Task) {
		tk.Status = task.StatusCompleted
	})
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}

	got := s.Get("t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if !task.Newer(got.UpdatedAt, before) {
		t.Fatal("updated_at should advance on update")
	}

	ok, err = s.Update("missing", func(tk *task.Task) {})
	if err != nil {
		t.Fatalf("Update missing: %v", err)
	}
	if ok {
		t.Fatal("Update on unknown id should report false")
	}
}

func TestStorePersistAcrossRestart(t *testing.T) {
	d := newTestDaily(t)
	s, err := NewStore(d, false)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Put(sampleTask("t1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reloaded, err := NewStore(d, false)
	if err != nil {
		t.Fatalf("NewStore (reload): %v", err)
	}
	if reloaded.Get("t1") == nil {
		t.Fatal("task lost across restart")
	}
}

func TestStoreSharedMergePrefersNewer(t *testing.T) {
	d := newTestDaily(t)

	// Worker B already persisted a newer copy of t1.
	newer := sampleTask("t1")
	newer.Status = task.StatusCompleted
	newer.UpdatedAt = time.Now().Add(time.Minute).Format(time.RFC3339Nano)
	if err := d.SaveAll(map[string]*task.Task{"t1": newer}, false); err != nil {
		t.Fatalf("seed disk: %v", err)
	}

	s, err := NewStore(d, true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	// Worker A holds a stale copy and saves.
	stale := sampleTask("t1")
	stale.Status = task.StatusRunning
	stale.UpdatedAt = time.Now().Add(-time.Minute).Format(time.RFC3339Nano)
	s.mu.Lock()
	s.tasks["t1"] = stale
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	onDisk, _ := d.LoadAll()
	if onDisk["t1"].Status != task.StatusCompleted {
		t.Fatalf("newer disk copy overwritten by stale save: %s", onDisk["t1"].Status)
	}
	// The local view refreshed from the merge.
	if s.Get("t1").Status != task.StatusCompleted {
		t.Fatal("local view not refreshed from merged result")
	}
}

func TestStoreSharedSaveKeepsOtherWorkersTasks(t *testing.T) {
	d := newTestDaily(t)

	// Worker A knows ta.
	a, err := NewStore(d, true)
	if err != nil {
		t.Fatalf("NewStore A: %v", err)
	}
	if err := a.Put(sampleTask("ta")); err != nil {
		t.Fatalf("Put ta: %v", err)
	}

	// Worker B, a separate process with its own partial view, adds tb.
	b, err := NewStore(d, true)
	if err != nil {
		t.Fatalf("NewStore B: %v", err)
	}
	if err := b.Put(sampleTask("tb")); err != nil {
		t.Fatalf("Put tb: %v", err)
	}

	// A saves again: tb must survive, and both workers see both tasks.
	if err := a.Save(); err != nil {
		t.Fatalf("Save A: %v", err)
	}

	onDisk, _ := d.LoadAll()
	if onDisk["ta"] == nil || onDisk["tb"] == nil {
		t.Fatalf("expected both tasks on disk, got %d", len(onDisk))
	}
	if a.Get("ta") == nil || a.Get("tb") == nil {
		t.Fatal("worker A should see both tasks")
	}
	if b.Get("ta") == nil || b.Get("tb") == nil {
		t.Fatal("worker B should see both tasks")
	}
}

func TestStoreSharedGetRefreshesFromDisk(t *testing.T) {
	d := newTestDaily(t)
	s, err := NewStore(d, true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stale := sampleTask("t1")
	stale.UpdatedAt = time.Now().Add(-time.Hour).Format(time.RFC3339Nano)
	s.mu.Lock()
	s.tasks["t1"] = stale
	s.mu.Unlock()

	newer := sampleTask("t1")
	newer.Status = task.StatusWarning
	if err := d.SaveAll(map[string]*task.Task{"t1": newer}, false); err != nil {
		t.Fatalf("seed disk: %v", err)
	}

	got := s.Get("t1")
	if got.Status != task.StatusWarning {
		t.Fatalf("expected disk copy to win, got %s", got.Status)
	}
}

func TestStoreEvictTerminalOlderThan(t *testing.T) {
	s, _ := newTestStore(t, false)

	oldDone := sampleTask("old-done")
	oldDone.Status = task.StatusCompleted
	oldDone.CreatedAt = time.Now().Add(-48 * time.Hour).Format(time.RFC3339Nano)

	oldRunning := sampleTask("old-running")
	oldRunning.CreatedAt = oldDone.CreatedAt

	fresh := sampleTask("fresh")
	fresh.Status = task.StatusFailed

	for _, tk := range []*task.Task{oldDone, oldRunning, fresh} {
		if err := s.Put(tk); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	evicted := s.EvictTerminalOlderThan(24 * time.Hour)
	if len(evicted) != 1 || evicted[0] != "old-done" {
		t.Fatalf("evicted = %v", evicted)
	}
	if s.Get("old-running") == nil {
		t.Fatal("running tasks must never be evicted")
	}
	if s.Get("fresh") == nil {
		t.Fatal("fresh terminal tasks must survive")
	}
}
