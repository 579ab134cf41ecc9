// Package task defines the task data model shared by the store, the
// services and the HTTP surface.
package task

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusWarning   Status = "warning"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTimeout, StatusWarning:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Warning counts as
// terminal: it only ever flips back to completed when a pending notify
// retry succeeds.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusWarning:
		return true
	}
	return false
}

// Failure reports whether s records an unsuccessful outcome.
func (s Status) Failure() bool {
	return s == StatusFailed || s == StatusTimeout
}

// Request is a client task submission.
type Request struct {
	EtabName    string         `json:"etab_name"`
	AppName     string         `json:"app_name"`
	AppVersion  string         `json:"app_version,omitempty"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Affiliation string         `json:"affiliation,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	NotifyURL   string         `json:"notify_url"`
}

// Validate checks the request fields that do not need I/O. URL safety
// is handled separately by the urlcheck pipeline.
func (r *Request) Validate() error {
	if r.EtabName == "" {
		return fmt.Errorf("etab_name is required")
	}
	if r.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if r.TaskType == "" {
		return fmt.Errorf("task_type is required")
	}
	if r.SourceURL == "" {
		return fmt.Errorf("source_url is required")
	}
	if r.NotifyURL == "" {
		return fmt.Errorf("notify_url is required")
	}
	return nil
}

// Task is one unit of work tracked by the manager.
type Task struct {
	TaskID      string         `json:"task_id"`
	RunnerID    string         `json:"runner_id"`
	Status      Status         `json:"status"`
	EtabName    string         `json:"etab_name"`
	AppName     string         `json:"app_name"`
	AppVersion  string         `json:"app_version,omitempty"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Affiliation string         `json:"affiliation,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	NotifyURL   string         `json:"notify_url"`

	// ClientToken is the bearer the client authenticated with at
	// submission; forwarded on notify callbacks.
	ClientToken string `json:"client_token,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`

	Error        string `json:"error,omitempty"`
	ScriptOutput string `json:"script_output,omitempty"`
}

// CompletionNotification is the payload runners POST when a task ends.
type CompletionNotification struct {
	TaskID       string `json:"task_id"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ScriptOutput string `json:"script_output,omitempty"`
}

// ResultManifest lists the files produced by a completed task,
// relative to its output directory.
type ResultManifest struct {
	TaskID string   `json:"task_id"`
	Files  []string `json:"files"`
}

// NowISO returns the current wall-clock time in the ISO-8601 format
// used for created_at and updated_at.
func NowISO() string {
	return time.Now().Format(time.RFC3339Nano)
}

// ParseISO parses a created_at/updated_at value. Accepts a trailing Z
// as well as offset timestamps.
func ParseISO(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999", s)
}

// Newer reports whether timestamp a is strictly newer than b. Records
// with unparseable timestamps lose the comparison.
func Newer(a, b string) bool {
	ta, errA := ParseISO(a)
	tb, errB := ParseISO(b)
	if errA != nil {
		return false
	}
	if errB != nil {
		return true
	}
	return ta.After(tb)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Parameters != nil {
		cp.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

// Touch bumps UpdatedAt, never letting it move backwards.
func (t *Task) Touch() {
	now := NowISO()
	if Newer(t.UpdatedAt, now) {
		return
	}
	t.UpdatedAt = now
}
