package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/taskrelay/taskrelay/internal/storage"
)

const registryFileName = "runners_state.json"

// SharedFile is the multi-worker registry: every operation does a
// read-modify-write of runners_state.json under its lock file, so any
// worker process sees runners registered through its siblings.
type SharedFile struct {
	path string
	lock *storage.FileLock
}

// NewSharedFile stores the registry under dir.
func NewSharedFile(dir string, lockTimeout time.Duration) (*SharedFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	path := filepath.Join(dir, registryFileName)
	return &SharedFile{
		path: path,
		lock: storage.NewFileLock(path+".lock", lockTimeout),
	}, nil
}

func (s *SharedFile) load() (map[string]*Runner, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*Runner{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var runners map[string]*Runner
	if err := json.Unmarshal(data, &runners); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	if runners == nil {
		runners = map[string]*Runner{}
	}
	return runners, nil
}

func (s *SharedFile) save(runners map[string]*Runner) error {
	data, err := json.MarshalIndent(runners, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}

// mutate runs fn against the persisted registry under the lock and
// writes the result back when fn asks for it.
func (s *SharedFile) mutate(fn func(runners map[string]*Runner) (write bool, err error)) error {
	return s.lock.With(func() error {
		runners, err := s.load()
		if err != nil {
			return err
		}
		write, err := fn(runners)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}
		return s.save(runners)
	})
}

func (s *SharedFile) Register(r *Runner) (*Runner, error) {
	cp := r.Clone()
	cp.Token = MintToken()
	cp.LastHeartbeat = time.Now()
	if cp.Availability == "" {
		cp.Availability = Available
	}

	err := s.mutate(func(runners map[string]*Runner) (bool, error) {
		runners[cp.ID] = cp
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

func (s *SharedFile) Heartbeat(id, token string, availability Availability) error {
	return s.mutate(func(runners map[string]*Runner) (bool, error) {
		r, ok := runners[id]
		if !ok {
			return false, ErrNotFound
		}
		if !tokenEqual(r.Token, token) {
			return false, ErrTokenMismatch
		}
		r.LastHeartbeat = time.Now()
		if availability != "" {
			r.Availability = availability
		}
		return true, nil
	})
}

func (s *SharedFile) Authenticate(id, token string) error {
	return s.mutate(func(runners map[string]*Runner) (bool, error) {
		r, ok := runners[id]
		if !ok {
			return false, ErrNotFound
		}
		if !tokenEqual(r.Token, token) {
			return false, ErrTokenMismatch
		}
		return false, nil
	})
}

func (s *SharedFile) Get(id string) (*Runner, error) {
	var found *Runner
	err := s.mutate(func(runners map[string]*Runner) (bool, error) {
		r, ok := runners[id]
		if !ok {
			return false, ErrNotFound
		}
		found = r.Clone()
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *SharedFile) List() ([]*Runner, error) {
	var out []*Runner
	err := s.mutate(func(runners map[string]*Runner) (bool, error) {
		out = make([]*Runner, 0, len(runners))
		for _, r := range runners {
			out = append(out, r.Clone())
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SharedFile) SetAvailability(id string, a Availability) error {
	return s.mutate(func(runners map[string]*Runner) (bool, error) {
		r, ok := runners[id]
		if !ok {
			return false, ErrNotFound
		}
		r.Availability = a
		return true, nil
	})
}

func (s *SharedFile) Remove(id string) error {
	return s.mutate(func(runners map[string]*Runner) (bool, error) {
		if _, ok := runners[id]; !ok {
			return false, ErrNotFound
		}
		delete(runners, id)
		return true, nil
	})
}

func (s *SharedFile) EvictStale(threshold time.Duration) ([]string, error) {
	now := time.Now()
	var evicted []string
	err := s.mutate(func(runners map[string]*Runner) (bool, error) {
		for id, r := range runners {
			if !r.Online(now, threshold) {
				delete(runners, id)
				evicted = append(evicted, id)
			}
		}
		return len(evicted) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(evicted)
	return evicted, nil
}
