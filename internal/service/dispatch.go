package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/taskrelay/taskrelay/internal/runner"
	"github.com/taskrelay/taskrelay/internal/task"
)

// dispatchPayload is the body pushed to the runner's /task/run.
type dispatchPayload struct {
	TaskID             string         `json:"task_id"`
	EtabName           string         `json:"etab_name"`
	AppName            string         `json:"app_name"`
	AppVersion         string         `json:"app_version"`
	TaskType           string         `json:"task_type"`
	SourceURL          string         `json:"source_url"`
	Affiliation        string         `json:"affiliation"`
	Parameters         map[string]any `json:"parameters"`
	NotifyURL          string         `json:"notify_url"`
	CompletionCallback string         `json:"completion_callback"`
}

// dispatch pushes the task to the selected runner. Success marks the
// runner busy; failure marks the task failed and leaves the runner
// alone. Nothing is surfaced to the submitting client directly.
func (s *Service) dispatch(ctx context.Context, taskID string, r *runner.Runner, req *task.Request) {
	payload := dispatchPayload{
		TaskID:             taskID,
		EtabName:           req.EtabName,
		AppName:            req.AppName,
		AppVersion:         req.AppVersion,
		TaskType:           req.TaskType,
		SourceURL:          req.SourceURL,
		Affiliation:        req.Affiliation,
		Parameters:         req.Parameters,
		NotifyURL:          req.NotifyURL,
		CompletionCallback: s.cfg.Current().ManagerURL() + "/task/completion",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.failDispatch(taskID, fmt.Sprintf("encode dispatch payload: %v", err))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL+"/task/run", bytes.NewReader(body))
	if err != nil {
		s.failDispatch(taskID, fmt.Sprintf("build dispatch request: %v", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.Token)

	resp, err := s.dispatchClient.Do(httpReq)
	if err != nil {
		s.failDispatch(taskID, fmt.Sprintf("push to runner %s: %v", r.ID, err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		s.failDispatch(taskID, fmt.Sprintf("runner returned status %d: %s", resp.StatusCode, detail))
		return
	}

	if err := s.registry.SetAvailability(r.ID, runner.Busy); err != nil {
		slog.Warn("could not mark runner busy", "runner_id", r.ID, "error", err)
	}
	slog.Info("task dispatched", "task_id", taskID, "runner_id", r.ID)
}

// failDispatch records the handoff failure on the task and emits the
// terminal stats row.
func (s *Service) failDispatch(taskID, message string) {
	slog.Error("task dispatch failed", "task_id", taskID, "error", message)
	_, err := s.tasks.Update(taskID, func(t *task.Task) {
		t.Status = task.StatusFailed
		t.Error = message
	})
	if err != nil {
		slog.Error("could not persist dispatch failure", "task_id", taskID, "error", err)
	}
	s.recordStats(taskID)
}

// recordStats appends a stats row for the task's current state.
func (s *Service) recordStats(taskID string) {
	t := s.tasks.Get(taskID)
	if t == nil {
		return
	}
	if err := s.stats.Record(t); err != nil {
		slog.Error("failed to append task stats row", "task_id", taskID, "error", err)
	}
}
