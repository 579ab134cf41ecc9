package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/runner"
	"github.com/taskrelay/taskrelay/internal/service"
	"github.com/taskrelay/taskrelay/internal/task"
	"github.com/taskrelay/taskrelay/internal/version"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "taskrelay manager",
		"version":     version.Version,
		"environment": s.svc.Config().Environment,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	runners, err := s.svc.Registry().List()
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"runners":   len(runners),
		"tasks":     s.svc.Tasks().Len(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info, err := version.Parse(version.Version)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version.Version,
		"version_info": map[string]int{
			"major": info.Major,
			"minor": info.Minor,
			"patch": info.Patch,
		},
	})
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.svc.Registry().List()
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	now := time.Now()
	out := make([]map[string]any, 0, len(runners))
	for _, rn := range runners {
		age := now.Sub(rn.LastHeartbeat).Seconds()
		status := "offline"
		if rn.Online(now, service.StaleThreshold) {
			status = "online"
		}
		out = append(out, map[string]any{
			"id":             rn.ID,
			"url":            rn.URL,
			"status":         status,
			"last_heartbeat": rn.LastHeartbeat.Format(time.RFC3339),
			"age_seconds":    int(age),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": out})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	snapshot := s.svc.Tasks().Snapshot()
	out := make([]map[string]any, 0, len(snapshot))
	for id, t := range snapshot {
		out = append(out, map[string]any{
			"id":        id,
			"runner_id": t.RunnerID,
			"status":    t.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// registerBody is the runner's self-description at registration.
type registerBody struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	TaskTypes []string `json:"task_types"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ID == "" || body.URL == "" {
		writeErr(w, http.StatusBadRequest, "runner id and url are required")
		return
	}

	registered, err := s.svc.RegisterRunner(&runner.Runner{
		ID:        body.ID,
		URL:       body.URL,
		TaskTypes: body.TaskTypes,
	}, r.Header.Get("X-Runner-Version"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "registered",
		"runner_id": registered.ID,
		"token":     registered.Token,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	runnerVersion := r.Header.Get("X-Runner-Version")
	if runnerVersion == "" {
		writeErr(w, http.StatusBadRequest, "missing X-Runner-Version header")
		return
	}
	compatible, err := version.Compatible(runnerVersion, version.Version)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid X-Runner-Version header")
		return
	}
	if !compatible {
		writeErr(w, http.StatusConflict, "runner version incompatible with manager")
		return
	}

	id := chi.URLParam(r, "runnerID")
	if err := s.svc.HeartbeatRunner(id, bearerToken(r)); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.svc.SubmitTask(r.Context(), &req, bearerToken(r))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  string(task.StatusRunning),
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	t := s.svc.Tasks().Get(chi.URLParam(r, "taskID"))
	if t == nil {
		writeErr(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Tasks().Snapshot())
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var n task.CompletionNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if n.TaskID == "" {
		writeErr(w, http.StatusBadRequest, "task_id is required")
		return
	}

	if err := s.svc.Completion(r.Context(), bearerToken(r), &n); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
