package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskrelay/taskrelay/internal/task"
)

const (
	livenessPoll = 30 * time.Second
	timeoutPoll  = 10 * time.Minute
	cleanupPoll  = time.Hour

	// TaskTimeout is the budget after which a silent running task is
	// declared dead.
	TaskTimeout = 24 * time.Hour
)

// Supervisor owns the manager's periodic maintenance: runner liveness
// eviction, the task timeout sweep and retention cleanup.
type Supervisor struct {
	svc *Service

	// Poll intervals, overridable in tests.
	LivenessPoll time.Duration
	TimeoutPoll  time.Duration
	CleanupPoll  time.Duration

	Stale      time.Duration
	TaskBudget time.Duration
}

// NewSupervisor returns a supervisor with production intervals.
func NewSupervisor(svc *Service) *Supervisor {
	return &Supervisor{
		svc:          svc,
		LivenessPoll: livenessPoll,
		TimeoutPoll:  timeoutPoll,
		CleanupPoll:  cleanupPoll,
		Stale:        StaleThreshold,
		TaskBudget:   TaskTimeout,
	}
}

// Run starts all loops and blocks until ctx is cancelled and every
// loop has stopped.
func (s *Supervisor) Run(ctx context.Context) {
	slog.Info("starting background supervisor")
	s.svc.background(func(ctx context.Context) { s.loop(ctx, s.LivenessPoll, s.livenessPass) })
	s.svc.background(func(ctx context.Context) { s.loop(ctx, s.TimeoutPoll, s.timeoutPass) })
	s.svc.background(func(ctx context.Context) { s.loop(ctx, s.CleanupPoll, s.cleanupPass) })
	<-ctx.Done()
}

func (s *Supervisor) loop(ctx context.Context, interval time.Duration, pass func() error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if err := pass(); err != nil {
				slog.Error("supervisor pass failed", "error", err)
			}
		}
	}
}

// livenessPass evicts runners whose heartbeat went silent.
func (s *Supervisor) livenessPass() error {
	evicted, err := s.svc.registry.EvictStale(s.Stale)
	if err != nil {
		return fmt.Errorf("evict stale runners: %w", err)
	}
	for _, id := range evicted {
		slog.Info("runner removed due to inactivity", "runner_id", id)
	}
	return nil
}

// timeoutPass marks running tasks silent for longer than the budget as
// timed out and emits their stats rows.
func (s *Supervisor) timeoutPass() error {
	cutoff := time.Now().Add(-s.TaskBudget)
	for id, t := range s.svc.tasks.Snapshot() {
		if t.Status != task.StatusRunning {
			continue
		}
		updated, err := task.ParseISO(t.UpdatedAt)
		if err != nil || !updated.Before(cutoff) {
			continue
		}
		slog.Warn("task timed out", "task_id", id, "updated_at", t.UpdatedAt)
		_, err = s.svc.tasks.Update(id, func(t *task.Task) {
			// Another worker may have completed it in the meantime.
			if t.Status != task.StatusRunning {
				return
			}
			t.Status = task.StatusTimeout
			t.Error = fmt.Sprintf("task exceeded the %s execution budget", s.TaskBudget)
		})
		if err != nil {
			slog.Error("could not persist task timeout", "task_id", id, "error", err)
			continue
		}
		if final := s.svc.tasks.Get(id); final != nil && final.Status == task.StatusTimeout {
			s.svc.recordStats(id)
		}
	}
	return nil
}

// cleanupPass applies the retention horizon to disk and memory.
func (s *Supervisor) cleanupPass() error {
	days := s.svc.cfg.Current().CleanupTaskFilesDays
	deleted, err := s.svc.daily.Cleanup(days)
	if err != nil {
		return fmt.Errorf("cleanup task directories: %w", err)
	}
	if deleted > 0 {
		slog.Info("retention cleanup removed old directories", "count", deleted)
	}

	horizon := time.Duration(days) * 24 * time.Hour
	for _, id := range s.svc.tasks.EvictTerminalOlderThan(horizon) {
		slog.Info("evicted terminal task from memory", "task_id", id)
	}
	return nil
}
