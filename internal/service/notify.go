package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/taskrelay/taskrelay/internal/runner"
	"github.com/taskrelay/taskrelay/internal/task"
)

// ErrInvalidStatus rejects completion reports with an unknown status.
var ErrInvalidStatus = errors.New("invalid completion status")

// Completion handles a runner's end-of-task report: verifies the
// runner token, applies the terminal status, frees the runner, fires
// the notify callback once and schedules background retries on
// failure. Never blocks on retries.
func (s *Service) Completion(ctx context.Context, presentedToken string, n *task.CompletionNotification) error {
	if !n.Status.Terminal() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, n.Status)
	}

	t := s.tasks.Get(n.TaskID)
	if t == nil {
		return ErrTaskNotFound
	}
	r, err := s.registry.Get(t.RunnerID)
	if err != nil {
		if errors.Is(err, runner.ErrNotFound) {
			return ErrRunnerNotFound
		}
		return fmt.Errorf("look up runner %s: %w", t.RunnerID, err)
	}
	if !tokenEqual(r.Token, presentedToken) {
		return ErrForbidden
	}

	// Persist the terminal status before the callback so clients that
	// poll right after being notified see the final state.
	_, err = s.tasks.Update(n.TaskID, func(t *task.Task) {
		t.Status = n.Status
		if n.Status == task.StatusCompleted {
			t.Error = ""
		} else if n.ErrorMessage != "" {
			t.Error = n.ErrorMessage
		}
		if n.ScriptOutput != "" {
			t.ScriptOutput = n.ScriptOutput
		}
	})
	if err != nil {
		return fmt.Errorf("persist completion of %s: %w", n.TaskID, err)
	}

	if err := s.registry.SetAvailability(t.RunnerID, runner.Available); err != nil {
		slog.Warn("could not mark runner available", "runner_id", t.RunnerID, "error", err)
	}

	s.handleNotify(ctx, n)

	slog.Info("task completion recorded", "task_id", n.TaskID, "status", n.Status)
	s.recordStats(n.TaskID)
	return nil
}

// handleNotify makes the single synchronous callback attempt and
// schedules the retry loop when it fails.
func (s *Service) handleNotify(ctx context.Context, n *task.CompletionNotification) {
	t := s.tasks.Get(n.TaskID)
	if t == nil || t.NotifyURL == "" {
		return
	}

	ok, errMsg := s.sendNotify(ctx, t, n)
	if ok {
		return
	}
	s.setNotifyWarning(n.TaskID, errMsg)
	s.background(func(ctx context.Context) {
		s.retryNotify(ctx, n)
	})
}

// sendNotify makes one callback attempt. The URL goes through the full
// hardening pipeline again at send time.
func (s *Service) sendNotify(ctx context.Context, t *task.Task, n *task.CompletionNotification) (bool, string) {
	if err := s.checker().ValidateNotify(ctx, t.NotifyURL); err != nil {
		return false, fmt.Sprintf("notify callback rejected: %v", err)
	}

	payload := map[string]any{
		"task_id":       n.TaskID,
		"status":        n.Status,
		"error_message": n.ErrorMessage,
		"script_output": n.ScriptOutput,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Sprintf("encode notify payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Sprintf("build notify request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.ClientToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.ClientToken)
	}

	resp, err := s.notifyClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("notify callback %s failed: %v", t.NotifyURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		slog.Info("notify callback delivered", "task_id", n.TaskID, "url", t.NotifyURL)
		return true, ""
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return false, fmt.Sprintf("notify callback %s failed: %d - %s", t.NotifyURL, resp.StatusCode, detail)
}

// setNotifyWarning downgrades the task for a failed callback. Tasks
// that already ended in failure keep their terminal status, with the
// callback diagnostic appended to the existing error.
func (s *Service) setNotifyWarning(taskID, message string) {
	_, err := s.tasks.Update(taskID, func(t *task.Task) {
		if t.Status.Failure() {
			switch {
			case t.Error == "":
				t.Error = message
			case !containsLine(t.Error, message):
				t.Error = t.Error + "\n\nNotify callback warning: " + message
			}
			return
		}
		t.Status = task.StatusWarning
		t.Error = message
	})
	if err != nil {
		slog.Error("could not persist notify warning", "task_id", taskID, "error", err)
	}
}

func containsLine(haystack, needle string) bool {
	return needle != "" && strings.Contains(haystack, needle)
}

// restoreAfterNotify puts the task back to the status the runner
// originally reported once a retry finally delivers the callback.
func (s *Service) restoreAfterNotify(n *task.CompletionNotification) {
	_, err := s.tasks.Update(n.TaskID, func(t *task.Task) {
		t.Status = n.Status
		if n.Status == task.StatusCompleted {
			t.Error = ""
		} else if n.ErrorMessage != "" {
			t.Error = n.ErrorMessage
		}
	})
	if err != nil {
		slog.Error("could not restore status after notify", "task_id", n.TaskID, "error", err)
	}
}

// retryNotify runs the backoff loop: sleep delay, attempt, multiply
// the delay. Gives up after the configured attempt budget, leaving the
// task in warning.
func (s *Service) retryNotify(ctx context.Context, n *task.CompletionNotification) {
	c := s.cfg.Current()
	delay := c.NotifyRetryDelay()
	factor := c.NotifyBackoffFactor

	for attempt := 1; attempt <= c.NotifyMaxRetries; attempt++ {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		t := s.tasks.Get(n.TaskID)
		if t == nil || t.NotifyURL == "" {
			return
		}
		ok, errMsg := s.sendNotify(ctx, t, n)
		if ok {
			s.restoreAfterNotify(n)
			slog.Info("notify callback succeeded after retry", "task_id", n.TaskID, "attempt", attempt)
			return
		}
		slog.Warn("notify retry failed", "task_id", n.TaskID, "attempt", attempt, "error", errMsg)
		s.setNotifyWarning(n.TaskID, errMsg)

		delay = time.Duration(float64(delay) * factor)
	}
	slog.Warn("notify callback retries exhausted", "task_id", n.TaskID, "attempts", c.NotifyMaxRetries)
}

// MarkWarningCompleted flips a warning task back to completed. Called
// when a client successfully fetches the task's result, which proves
// the outcome reached them despite the failed callback.
func (s *Service) MarkWarningCompleted(taskID string) {
	t := s.tasks.Get(taskID)
	if t == nil || t.Status != task.StatusWarning {
		return
	}
	_, err := s.tasks.Update(taskID, func(t *task.Task) {
		if t.Status != task.StatusWarning {
			return
		}
		t.Status = task.StatusCompleted
		t.Error = ""
	})
	if err != nil {
		slog.Error("could not flip warning to completed", "task_id", taskID, "error", err)
	}
}
