package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/taskrelay/taskrelay/internal/runner"
	"github.com/taskrelay/taskrelay/internal/task"
)

// probeResponse is the runner's health shape.
type probeResponse struct {
	Available  bool     `json:"available"`
	Registered bool     `json:"registered"`
	TaskTypes  []string `json:"task_types"`
}

// SubmitTask validates the request, applies the priority quota, picks
// a runner by probing and hands the task off asynchronously. Returns
// the minted task id; the task record is the only progress channel
// after that.
func (s *Service) SubmitTask(ctx context.Context, req *task.Request, clientToken string) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	check := s.checker()
	if err := check.ValidateSource(req.SourceURL); err != nil {
		return "", err
	}
	if req.NotifyURL != "" {
		if err := check.ValidateNotify(ctx, req.NotifyURL); err != nil {
			return "", err
		}
	}

	runners, err := s.registry.List()
	if err != nil {
		return "", fmt.Errorf("list runners: %w", err)
	}
	if err := s.gate().Admit(req.NotifyURL, len(runners), s.tasks.Snapshot()); err != nil {
		return "", err
	}

	selected := s.probeRunners(ctx, runners, req.TaskType)
	if selected == nil {
		return "", ErrNoRunners
	}

	now := task.NowISO()
	t := &task.Task{
		TaskID:      uuid.NewString(),
		RunnerID:    selected.ID,
		Status:      task.StatusRunning,
		EtabName:    req.EtabName,
		AppName:     req.AppName,
		AppVersion:  req.AppVersion,
		TaskType:    req.TaskType,
		SourceURL:   req.SourceURL,
		Affiliation: req.Affiliation,
		Parameters:  req.Parameters,
		NotifyURL:   req.NotifyURL,
		ClientToken: clientToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tasks.Put(t); err != nil {
		return "", fmt.Errorf("persist task %s: %w", t.TaskID, err)
	}
	slog.Info("task admitted", "task_id", t.TaskID, "runner_id", selected.ID, "task_type", req.TaskType)

	s.background(func(ctx context.Context) {
		s.dispatch(ctx, t.TaskID, selected, req)
	})
	return t.TaskID, nil
}

// probeRunners returns the first runner that declares the task type
// and reports itself ready. Registry iteration order; no ranking.
func (s *Service) probeRunners(ctx context.Context, runners []*runner.Runner, taskType string) *runner.Runner {
	for _, r := range runners {
		if !r.Handles(taskType) {
			continue
		}
		probe, err := s.probe(ctx, r)
		if err != nil {
			slog.Warn("runner probe failed", "runner_id", r.ID, "error", err)
			continue
		}
		if !probe.Available || !probe.Registered {
			continue
		}
		declared := false
		for _, t := range probe.TaskTypes {
			if t == taskType {
				declared = true
				break
			}
		}
		if declared {
			return r
		}
	}
	return nil
}

func (s *Service) probe(ctx context.Context, r *runner.Runner) (*probeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL+"/runner/health", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.probeClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner health returned %d", resp.StatusCode)
	}
	var probe probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &probe, nil
}
