package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/taskrelay/internal/task"
)

const (
	manifestReadAttempts = 5
	manifestReadDelay    = 200 * time.Millisecond
)

// proxyClient streams results from runners. Connection establishment
// is bounded; the body read is not, results can be large.
var proxyClient = &http.Client{
	Transport: &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		ResponseHeaderTimeout: 30 * time.Second,
	},
}

// validTask loads the task and enforces the result-retrieval state
// machine. Writes the error response itself and returns nil when the
// caller should stop.
func (s *Server) validTask(w http.ResponseWriter, taskID string) *task.Task {
	t := s.svc.Tasks().Get(taskID)
	if t == nil {
		writeErr(w, http.StatusNotFound, "task not found")
		return nil
	}
	switch {
	case t.Status == task.StatusFailed:
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("task failed: %s", t.Error))
		return nil
	case t.Status != task.StatusCompleted && t.Status != task.StatusWarning:
		writeErr(w, http.StatusTooEarly, fmt.Sprintf("task not completed, status: %s", t.Status))
		return nil
	}
	return t
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	t := s.validTask(w, chi.URLParam(r, "taskID"))
	if t == nil {
		return
	}
	if s.svc.Config().RunnersStorageEnabled {
		s.localManifest(w, t)
		return
	}
	s.proxyFromRunner(w, r, t, "/task/result/"+url.PathEscape(t.TaskID), "application/json", "")
}

func (s *Server) handleTaskResultFile(w http.ResponseWriter, r *http.Request) {
	t := s.validTask(w, chi.URLParam(r, "taskID"))
	if t == nil {
		return
	}
	rel := chi.URLParam(r, "*")
	if !validResultPath(rel) {
		writeErr(w, http.StatusBadRequest, "invalid result file path")
		return
	}
	if s.svc.Config().RunnersStorageEnabled {
		s.localFile(w, t, rel)
		return
	}
	target := "/task/result/" + url.PathEscape(t.TaskID) + "/file/" + escapePathKeepSlash(rel)
	s.proxyFromRunner(w, r, t, target, "application/octet-stream", filepath.Base(rel))
}

// validResultPath rejects absolute paths and any traversal component.
func validResultPath(rel string) bool {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\") {
		return false
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}

func escapePathKeepSlash(rel string) string {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// taskStorageDir resolves the task's subtree under the shared mount,
// refusing anything that escapes it.
func (s *Server) taskStorageDir(w http.ResponseWriter, taskID string) (string, bool) {
	base, err := filepath.Abs(s.svc.Config().RunnersStoragePath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "invalid runners storage path")
		return "", false
	}
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		writeErr(w, http.StatusInternalServerError, "runners storage path does not exist")
		return "", false
	}

	dir := filepath.Join(base, taskID)
	if dir != base && !strings.HasPrefix(dir, base+string(filepath.Separator)) {
		writeErr(w, http.StatusInternalServerError, "resolved result path is outside runners storage")
		return "", false
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		writeErr(w, http.StatusNotFound, "result directory not found in shared storage")
		return "", false
	}
	return dir, true
}

// localManifest serves manifest.json from the shared mount. Writers
// on the runner side replace the file, so short read races get a few
// retries before declaring it missing.
func (s *Server) localManifest(w http.ResponseWriter, t *task.Task) {
	dir, ok := s.taskStorageDir(w, t.TaskID)
	if !ok {
		return
	}
	path := filepath.Join(dir, "manifest.json")

	var manifest map[string]any
	sawBadJSON := false
	for attempt := 1; attempt <= manifestReadAttempts; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			if json.Unmarshal(data, &manifest) == nil {
				break
			}
			sawBadJSON = true
			manifest = nil
		}
		if attempt < manifestReadAttempts {
			time.Sleep(manifestReadDelay)
		}
	}
	if manifest == nil {
		if sawBadJSON {
			writeErr(w, http.StatusInternalServerError, "invalid manifest JSON")
		} else {
			writeErr(w, http.StatusNotFound, "manifest not found in shared storage")
		}
		return
	}
	if _, ok := manifest["task_id"]; !ok {
		manifest["task_id"] = t.TaskID
	}

	s.svc.MarkWarningCompleted(t.TaskID)
	w.Header().Set("X-Task-ID", t.TaskID)
	writeJSON(w, http.StatusOK, manifest)
}

// localFile streams one result file from the shared mount.
func (s *Server) localFile(w http.ResponseWriter, t *task.Task, rel string) {
	dir, ok := s.taskStorageDir(w, t.TaskID)
	if !ok {
		return
	}
	outputDir := filepath.Join(dir, "output")
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		writeErr(w, http.StatusNotFound, "result output directory not found in shared storage")
		return
	}

	full := filepath.Join(outputDir, filepath.FromSlash(rel))
	if full != outputDir && !strings.HasPrefix(full, outputDir+string(filepath.Separator)) {
		writeErr(w, http.StatusBadRequest, "invalid result file path")
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeErr(w, http.StatusNotFound, "result file not found in shared storage")
		return
	}

	f, err := os.Open(full)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "could not open result file")
		return
	}
	defer func() { _ = f.Close() }()

	s.svc.MarkWarningCompleted(t.TaskID)
	w.Header().Set("X-Task-ID", t.TaskID)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(full)))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// proxyFromRunner streams the resource from the assigned runner,
// authenticating with the runner's token.
func (s *Server) proxyFromRunner(w http.ResponseWriter, r *http.Request, t *task.Task, target, accept, filename string) {
	rn, err := s.svc.Registry().Get(t.RunnerID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "runner not available")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, rn.URL+target, nil)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "could not build runner request")
		return
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+rn.Token)

	resp, err := proxyClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			writeErr(w, http.StatusGatewayTimeout, "runner request timed out")
			return
		}
		writeErr(w, http.StatusBadGateway, fmt.Sprintf("error contacting runner: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		writeErr(w, resp.StatusCode, "error fetching result from runner")
		return
	}

	s.svc.MarkWarningCompleted(t.TaskID)
	w.Header().Set("X-Task-ID", t.TaskID)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = accept
	}
	w.Header().Set("Content-Type", contentType)
	switch {
	case filename != "":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	case resp.Header.Get("Content-Disposition") != "":
		w.Header().Set("Content-Disposition", resp.Header.Get("Content-Disposition"))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
