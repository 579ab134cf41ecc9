package runner

import (
	"crypto/subtle"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means no runner with that id is registered.
	ErrNotFound = errors.New("runner not found")
	// ErrTokenMismatch means the presented runner token is wrong.
	ErrTokenMismatch = errors.New("runner token mismatch")
)

// Registry tracks registered runners. Implementations must be safe for
// concurrent use.
type Registry interface {
	// Register adds or replaces a runner, minting a fresh token and
	// stamping the heartbeat. The returned copy carries the token.
	Register(r *Runner) (*Runner, error)

	// Heartbeat authenticates the runner by token, stamps liveness and
	// records the reported availability.
	Heartbeat(id, token string, availability Availability) error

	// Authenticate checks the runner token without touching liveness.
	Authenticate(id, token string) error

	Get(id string) (*Runner, error)
	List() ([]*Runner, error)
	SetAvailability(id string, a Availability) error
	Remove(id string) error

	// EvictStale removes runners whose last heartbeat is older than
	// threshold and returns their ids.
	EvictStale(threshold time.Duration) ([]string, error)
}

// MintToken returns a fresh per-runner bearer token.
func MintToken() string { return uuid.NewString() }

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Memory is the single-worker registry.
type Memory struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{runners: make(map[string]*Runner)}
}

func (m *Memory) Register(r *Runner) (*Runner, error) {
	cp := r.Clone()
	cp.Token = MintToken()
	cp.LastHeartbeat = time.Now()
	if cp.Availability == "" {
		cp.Availability = Available
	}

	m.mu.Lock()
	m.runners[cp.ID] = cp
	m.mu.Unlock()
	return cp.Clone(), nil
}

func (m *Memory) Heartbeat(id, token string, availability Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return ErrNotFound
	}
	if !tokenEqual(r.Token, token) {
		return ErrTokenMismatch
	}
	r.LastHeartbeat = time.Now()
	if availability != "" {
		r.Availability = availability
	}
	return nil
}

func (m *Memory) Authenticate(id, token string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[id]
	if !ok {
		return ErrNotFound
	}
	if !tokenEqual(r.Token, token) {
		return ErrTokenMismatch
	}
	return nil
}

func (m *Memory) Get(id string) (*Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) List() ([]*Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetAvailability(id string, a Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return ErrNotFound
	}
	r.Availability = a
	return nil
}

func (m *Memory) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[id]; !ok {
		return ErrNotFound
	}
	delete(m.runners, id)
	return nil
}

func (m *Memory) EvictStale(threshold time.Duration) ([]string, error) {
	now := time.Now()
	var evicted []string

	m.mu.Lock()
	for id, r := range m.runners {
		if !r.Online(now, threshold) {
			delete(m.runners, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(evicted)
	return evicted, nil
}
