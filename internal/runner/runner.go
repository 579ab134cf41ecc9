// Package runner defines the runner data model and the registry that
// tracks registered runners, shared across worker processes when the
// registry file lives on common storage.
package runner

import "time"

// Availability says whether a runner can accept a new task.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
)

// Runner is a registered worker node.
type Runner struct {
	ID           string       `json:"id"`
	URL          string       `json:"url"`
	TaskTypes    []string     `json:"task_types"`
	Availability Availability `json:"availability"`

	// LastHeartbeat decides liveness: runners silent for longer than
	// the staleness threshold are evicted and never selected.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Token is minted by the manager at registration and must be
	// presented on every authenticated call from this runner.
	Token string `json:"token,omitempty"`

	Version string `json:"version,omitempty"`
}

// Handles reports whether the runner declares the given task type.
func (r *Runner) Handles(taskType string) bool {
	for _, t := range r.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Online reports whether the runner heartbeated within threshold.
func (r *Runner) Online(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastHeartbeat) < threshold
}

// Clone returns a deep copy of the runner.
func (r *Runner) Clone() *Runner {
	cp := *r
	if r.TaskTypes != nil {
		cp.TaskTypes = append([]string(nil), r.TaskTypes...)
	}
	return &cp
}
