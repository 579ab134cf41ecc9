package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/priority"
	"github.com/taskrelay/taskrelay/internal/runner"
	"github.com/taskrelay/taskrelay/internal/service"
	"github.com/taskrelay/taskrelay/internal/stats"
	"github.com/taskrelay/taskrelay/internal/storage"
	"github.com/taskrelay/taskrelay/internal/task"
	"github.com/taskrelay/taskrelay/internal/version"
)

const clientToken = "test-client-token"

type testServer struct {
	ts    *httptest.Server
	svc   *service.Service
	reg   runner.Registry
	store *storage.Store
	cfg   *config.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TASK_DATA_DIRECTORY", dir)
	t.Setenv("NOTIFY_URL_ALLOW_PRIVATE_NETWORKS", "true")
	t.Setenv("COMPLETION_NOTIFY_RETRY_DELAY_SECONDS", "0")
	t.Setenv("AUTHORIZED_TOKENS__test", clientToken)

	cfg, err := config.NewStore("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	daily, err := storage.NewDaily(dir, time.Second)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	store, err := storage.NewStore(daily, false)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	st, err := stats.NewCSV(dir, time.Second)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := runner.NewMemory()
	svc := service.New(ctx, cfg, reg, store, daily, st)

	ts := httptest.NewServer(New(svc).Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, svc: svc, reg: reg, store: store, cfg: cfg}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func putTask(t *testing.T, s *testServer, id string, status task.Status) {
	t.Helper()
	now := task.NowISO()
	err := s.store.Put(&task.Task{
		TaskID: id, RunnerID: "r1", Status: status, EtabName: "UM", AppName: "pod",
		TaskType: "encoding", SourceURL: "https://cdn.example.com/in.mp4",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestPublicEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusOK || body["version"] != version.Version {
		t.Fatalf("root: %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodGet, "/manager/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestClientAuth(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/api/version", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/api/version", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", resp.StatusCode)
	}

	resp, body := s.do(t, http.MethodGet, "/api/version", clientToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: %d", resp.StatusCode)
	}
	if _, ok := body["version_info"].(map[string]any); !ok {
		t.Fatalf("version body = %v", body)
	}

	// X-API-Token works as well and takes priority.
	req, _ := http.NewRequest(http.MethodGet, s.ts.URL+"/api/version", nil)
	req.Header.Set("X-API-Token", clientToken)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("X-API-Token: %d", resp2.StatusCode)
	}
}

func registerRunner(t *testing.T, s *testServer, id string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, s.ts.URL+"/runner/register",
		bytes.NewReader([]byte(`{"id":"`+id+`","url":"http://10.0.0.5:8090","task_types":["encoding"]}`)))
	req.Header.Set("Authorization", "Bearer "+clientToken)
	req.Header.Set("X-Runner-Version", version.Version)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: %d", resp.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	tok, _ := body["token"].(string)
	if tok == "" {
		t.Fatalf("register body = %v", body)
	}
	return tok
}

func TestRegisterAndHeartbeat(t *testing.T) {
	s := newTestServer(t)
	tok := registerRunner(t, s, "r1")

	heartbeat := func(id, token, ver string) int {
		req, _ := http.NewRequest(http.MethodPost, s.ts.URL+"/runner/heartbeat/"+id, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if ver != "" {
			req.Header.Set("X-Runner-Version", ver)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	if code := heartbeat("r1", tok, version.Version); code != http.StatusOK {
		t.Fatalf("heartbeat ok: %d", code)
	}
	if code := heartbeat("r1", "wrong", version.Version); code != http.StatusForbidden {
		t.Fatalf("heartbeat bad token: %d", code)
	}
	if code := heartbeat("ghost", tok, version.Version); code != http.StatusNotFound {
		t.Fatalf("heartbeat unknown: %d", code)
	}
	if code := heartbeat("r1", tok, ""); code != http.StatusBadRequest {
		t.Fatalf("heartbeat missing version: %d", code)
	}
	if code := heartbeat("r1", tok, "99.0.0"); code != http.StatusConflict {
		t.Fatalf("heartbeat wrong version: %d", code)
	}
}

func TestRegisterVersionMismatch(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, s.ts.URL+"/runner/register",
		bytes.NewReader([]byte(`{"id":"r1","url":"http://10.0.0.5"}`)))
	req.Header.Set("Authorization", "Bearer "+clientToken)
	req.Header.Set("X-Runner-Version", "99.0.0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("version mismatch: %d", resp.StatusCode)
	}
}

func TestExecuteAndStatus(t *testing.T) {
	s := newTestServer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /runner/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"available": true, "registered": true, "task_types": []string{"encoding"},
		})
	})
	mux.HandleFunc("POST /task/run", func(w http.ResponseWriter, r *http.Request) {})
	rn := httptest.NewServer(mux)
	defer rn.Close()
	if _, err := s.reg.Register(&runner.Runner{ID: "r1", URL: rn.URL, TaskTypes: []string{"encoding"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp, body := s.do(t, http.MethodPost, "/task/execute", clientToken, map[string]any{
		"etab_name": "UM", "app_name": "pod", "task_type": "encoding",
		"source_url": "https://cdn.example.com/in.mp4",
		"notify_url": "http://cb.example.com/done",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %v", resp.StatusCode, body)
	}
	id, _ := body["task_id"].(string)
	if id == "" || body["status"] != "running" {
		t.Fatalf("execute body = %v", body)
	}

	resp, body = s.do(t, http.MethodGet, "/task/status/"+id, clientToken, nil)
	if resp.StatusCode != http.StatusOK || body["task_id"] != id {
		t.Fatalf("status: %d %v", resp.StatusCode, body)
	}
	resp, _ = s.do(t, http.MethodGet, "/task/status/ghost", clientToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status unknown: %d", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodGet, "/task/list", clientToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	if _, ok := body[id]; !ok {
		t.Fatalf("task %s missing from list: %v", id, body)
	}

	resp, body = s.do(t, http.MethodGet, "/api/tasks", clientToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api tasks: %d", resp.StatusCode)
	}
	if tasks, ok := body["tasks"].([]any); !ok || len(tasks) != 1 {
		t.Fatalf("api tasks body = %v", body)
	}
}

func TestExecuteValidation(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/task/execute", clientToken, map[string]any{
		"app_name": "pod", "task_type": "encoding",
		"source_url": "https://cdn.example.com/in.mp4",
		"notify_url": "http://cb.example.com/done",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing etab_name: %d", resp.StatusCode)
	}

	// No runners registered at all.
	resp, _ = s.do(t, http.MethodPost, "/task/execute", clientToken, map[string]any{
		"etab_name": "UM", "app_name": "pod", "task_type": "encoding",
		"source_url": "https://cdn.example.com/in.mp4",
		"notify_url": "http://cb.example.com/done",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("no runners: %d", resp.StatusCode)
	}
}

func TestCompletionEndpoint(t *testing.T) {
	s := newTestServer(t)
	tok := registerRunner(t, s, "r1")
	putTask(t, s, "t1", task.StatusRunning)

	resp, body := s.do(t, http.MethodPost, "/task/completion", tok, map[string]any{
		"task_id": "t1", "status": "completed", "script_output": "done",
	})
	if resp.StatusCode != http.StatusOK || body["status"] != "acknowledged" {
		t.Fatalf("completion: %d %v", resp.StatusCode, body)
	}
	if got := s.store.Get("t1"); got.Status != task.StatusCompleted {
		t.Fatalf("task after completion = %+v", got)
	}

	resp, _ = s.do(t, http.MethodPost, "/task/completion", "wrong", map[string]any{
		"task_id": "t1", "status": "completed",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("completion bad token: %d", resp.StatusCode)
	}

	resp, _ = s.do(t, http.MethodPost, "/task/completion", tok, map[string]any{
		"task_id": "ghost", "status": "completed",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("completion unknown task: %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	t.Setenv("RATE_LIMIT_PER_MINUTE", "3")
	s := newTestServer(t)

	last := 0
	for i := 0; i < 4; i++ {
		resp, _ := s.do(t, http.MethodGet, "/", "", nil)
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding the budget, got %d", last)
	}
}

func TestResultStateMachine(t *testing.T) {
	s := newTestServer(t)
	putTask(t, s, "running", task.StatusRunning)
	putTask(t, s, "failed", task.StatusFailed)

	resp, _ := s.do(t, http.MethodGet, "/task/result/running", clientToken, nil)
	if resp.StatusCode != http.StatusTooEarly {
		t.Fatalf("running task: %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/task/result/failed", clientToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("failed task: %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/task/result/ghost", clientToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: %d", resp.StatusCode)
	}
}

func setupSharedStorage(t *testing.T, taskID string) string {
	t.Helper()
	base := t.TempDir()
	outDir := filepath.Join(base, taskID, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := `{"files": ["out.mp4"]}`
	if err := os.WriteFile(filepath.Join(base, taskID, "manifest.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "out.mp4"), []byte("video-bytes"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	return base
}

func TestResultLocalStorage(t *testing.T) {
	base := setupSharedStorage(t, "t1")
	t.Setenv("RUNNERS_STORAGE_ENABLED", "true")
	t.Setenv("RUNNERS_STORAGE_PATH", base)
	s := newTestServer(t)
	putTask(t, s, "t1", task.StatusWarning)

	resp, body := s.do(t, http.MethodGet, "/task/result/t1", clientToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest: %d %v", resp.StatusCode, body)
	}
	if body["task_id"] != "t1" {
		t.Fatalf("manifest task_id = %v", body["task_id"])
	}
	if resp.Header.Get("X-Task-ID") != "t1" {
		t.Fatal("missing X-Task-ID header")
	}

	// Fetching the result proves delivery: warning flips to completed.
	if got := s.store.Get("t1"); got.Status != task.StatusCompleted {
		t.Fatalf("warning not flipped, status = %s", got.Status)
	}

	req, _ := http.NewRequest(http.MethodGet, s.ts.URL+"/task/result/t1/file/out.mp4", nil)
	req.Header.Set("Authorization", "Bearer "+clientToken)
	fileResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	defer func() { _ = fileResp.Body.Close() }()
	if fileResp.StatusCode != http.StatusOK {
		t.Fatalf("file: %d", fileResp.StatusCode)
	}
	data, _ := io.ReadAll(fileResp.Body)
	if string(data) != "video-bytes" {
		t.Fatalf("file body = %q", data)
	}

	resp, _ = s.do(t, http.MethodGet, "/task/result/t1/file/missing.bin", clientToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing file: %d", resp.StatusCode)
	}
}

func TestResultLocalManifestMissing(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "t1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv("RUNNERS_STORAGE_ENABLED", "true")
	t.Setenv("RUNNERS_STORAGE_PATH", base)
	t.Setenv("COMPLETION_NOTIFY_MAX_RETRIES", "0")
	s := newTestServer(t)
	putTask(t, s, "t1", task.StatusCompleted)

	resp, _ := s.do(t, http.MethodGet, "/task/result/t1", clientToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing manifest: %d", resp.StatusCode)
	}
}

func TestResultProxy(t *testing.T) {
	s := newTestServer(t)

	rn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/result/t1" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id":"t1","files":["out.mp4"]}`))
	}))
	defer rn.Close()

	if _, err := s.reg.Register(&runner.Runner{ID: "r1", URL: rn.URL, TaskTypes: []string{"encoding"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	putTask(t, s, "t1", task.StatusCompleted)

	resp, body := s.do(t, http.MethodGet, "/task/result/t1", clientToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy manifest: %d %v", resp.StatusCode, body)
	}
	if body["task_id"] != "t1" || resp.Header.Get("X-Task-ID") != "t1" {
		t.Fatalf("proxy manifest body = %v", body)
	}
}

func TestResultProxyRunnerDown(t *testing.T) {
	s := newTestServer(t)

	rn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rn.Close()

	if _, err := s.reg.Register(&runner.Runner{ID: "r1", URL: rn.URL, TaskTypes: []string{"encoding"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	putTask(t, s, "t1", task.StatusCompleted)

	resp, _ := s.do(t, http.MethodGet, "/task/result/t1", clientToken, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("dead runner: %d", resp.StatusCode)
	}
}

func TestValidResultPath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"out.mp4", true},
		{"sub/dir/out.mp4", true},
		{"", false},
		{"/etc/passwd", false},
		{"../secret", false},
		{"sub/../../secret", false},
		{"sub\\..\\secret", false},
	}
	for _, tt := range tests {
		if got := validResultPath(tt.path); got != tt.ok {
			t.Errorf("validResultPath(%q) = %v, want %v", tt.path, got, tt.ok)
		}
	}
}

func TestWriteServiceErrStatusMap(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{service.ErrTaskNotFound, http.StatusNotFound},
		{service.ErrForbidden, http.StatusForbidden},
		{service.ErrVersionMismatch, http.StatusConflict},
		{service.ErrBadRequest, http.StatusBadRequest},
		{service.ErrNoRunners, http.StatusServiceUnavailable},
		{priority.ErrQuotaExceeded, http.StatusServiceUnavailable},
		{storage.ErrLockTimeout, http.StatusInternalServerError},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeServiceErr(rec, fmt.Errorf("op: %w", tt.err))
		if rec.Code != tt.status {
			t.Errorf("writeServiceErr(%v) = %d, want %d", tt.err, rec.Code, tt.status)
		}
	}
}

func TestCORSFollowsConfigReload(t *testing.T) {
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example.com")
	s := newTestServer(t)

	check := func(origin string, wantAllowed bool) {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/", nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET /: %v", err)
		}
		_ = resp.Body.Close()
		got := resp.Header.Get("Access-Control-Allow-Origin") != ""
		if got != wantAllowed {
			t.Fatalf("origin %q allowed = %v, want %v", origin, got, wantAllowed)
		}
	}

	check("https://a.example.com", true)
	check("https://b.example.com", false)

	t.Setenv("CORS_ALLOW_ORIGINS", "https://b.example.com")
	if err := s.cfg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	check("https://b.example.com", true)
	check("https://a.example.com", false)
}

func TestRateLimitFollowsConfigReload(t *testing.T) {
	perMin := 60
	l := newIPLimiter(func() int { return perMin })

	l.allow("1.2.3.4")
	b := l.buckets["1.2.3.4"]
	if b.lim.Burst() != 60 {
		t.Fatalf("initial burst = %d", b.lim.Burst())
	}

	perMin = 120
	l.allow("1.2.3.4")
	if b.lim.Burst() != 120 {
		t.Fatalf("burst after reload = %d", b.lim.Burst())
	}
	if got := float64(b.lim.Limit()); got != 2.0 {
		t.Fatalf("limit after reload = %v, want 2 tokens/s", got)
	}
}
