// Package service implements the manager's core flows: runner
// registration, task admission and dispatch, completion handling with
// notify callbacks, and the background maintenance loops.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/priority"
	"github.com/taskrelay/taskrelay/internal/runner"
	"github.com/taskrelay/taskrelay/internal/stats"
	"github.com/taskrelay/taskrelay/internal/storage"
	"github.com/taskrelay/taskrelay/internal/urlcheck"
	"github.com/taskrelay/taskrelay/internal/version"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrRunnerNotFound is returned for unknown runner ids.
	ErrRunnerNotFound = errors.New("runner not found")
	// ErrForbidden is returned when a presented token does not match.
	ErrForbidden = errors.New("token not authorized")
	// ErrNoRunners is returned when no runner accepts the task.
	ErrNoRunners = errors.New("no runners available")
	// ErrBadRequest is returned for structurally invalid submissions.
	ErrBadRequest = errors.New("invalid request")
	// ErrBadVersion is returned when a version string does not parse.
	ErrBadVersion = errors.New("invalid version")
	// ErrVersionMismatch is returned when runner and manager disagree
	// at MAJOR.MINOR.
	ErrVersionMismatch = errors.New("runner version incompatible with manager")
)

const (
	probeTimeout    = 5 * time.Second
	dispatchTimeout = 30 * time.Second
	notifyTimeout   = 30 * time.Second

	// A runner counts as online while its last heartbeat is younger
	// than this.
	StaleThreshold = 60 * time.Second
)

// Service owns the manager's domain logic. Handlers and background
// loops call into it; it never touches HTTP request plumbing.
type Service struct {
	cfg      *config.Store
	registry runner.Registry
	tasks    *storage.Store
	daily    *storage.Daily
	stats    *stats.CSV

	// Resolver overrides DNS for the notify pipeline in tests.
	Resolver urlcheck.Resolver

	probeClient    *http.Client
	dispatchClient *http.Client
	notifyClient   *http.Client

	ctx context.Context
	wg  sync.WaitGroup
}

// New wires the service. ctx bounds all background work the service
// spawns (dispatch handoffs, notify retries).
func New(ctx context.Context, cfg *config.Store, reg runner.Registry, tasks *storage.Store, daily *storage.Daily, st *stats.CSV) *Service {
	return &Service{
		cfg:            cfg,
		registry:       reg,
		tasks:          tasks,
		daily:          daily,
		stats:          st,
		probeClient:    &http.Client{Timeout: probeTimeout},
		dispatchClient: &http.Client{Timeout: dispatchTimeout},
		notifyClient:   &http.Client{Timeout: notifyTimeout},
		ctx:            ctx,
	}
}

// Wait blocks until all spawned background work has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Config returns the live config snapshot.
func (s *Service) Config() *config.Config { return s.cfg.Current() }

// Registry exposes the runner registry to the transport layer.
func (s *Service) Registry() runner.Registry { return s.registry }

// Tasks exposes the task store to the transport layer.
func (s *Service) Tasks() *storage.Store { return s.tasks }

// Stats exposes the stats sink to the transport layer.
func (s *Service) Stats() *stats.CSV { return s.stats }

func (s *Service) checker() *urlcheck.Checker {
	c := s.cfg.Current()
	return &urlcheck.Checker{
		AllowedHostSuffixes:  c.NotifyURLAllowedHosts,
		AllowPrivateNetworks: c.NotifyURLAllowPrivateNet,
		Resolver:             s.Resolver,
	}
}

func (s *Service) gate() *priority.Gate {
	c := s.cfg.Current()
	return &priority.Gate{
		Enabled:         c.PrioritiesEnabled,
		Domain:          c.PriorityDomain,
		MaxOtherPercent: c.MaxOtherDomainTaskPercent,
	}
}

// RegisterRunner validates version compatibility, upserts the runner
// and returns the record with its minted token.
func (s *Service) RegisterRunner(r *runner.Runner, runnerVersion string) (*runner.Runner, error) {
	if runnerVersion == "" {
		return nil, fmt.Errorf("%w: missing X-Runner-Version", ErrBadVersion)
	}
	compatible, err := version.Compatible(runnerVersion, version.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadVersion, err)
	}
	if !compatible {
		return nil, fmt.Errorf("%w: runner %s, manager %s", ErrVersionMismatch, runnerVersion, version.Version)
	}
	r.Version = runnerVersion
	registered, err := s.registry.Register(r)
	if err != nil {
		return nil, fmt.Errorf("register runner %s: %w", r.ID, err)
	}
	return registered, nil
}

// HeartbeatRunner authenticates and stamps liveness.
func (s *Service) HeartbeatRunner(id, token string) error {
	err := s.registry.Heartbeat(id, token, "")
	switch {
	case errors.Is(err, runner.ErrNotFound):
		return ErrRunnerNotFound
	case errors.Is(err, runner.ErrTokenMismatch):
		return ErrForbidden
	}
	return err
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// background runs fn in a tracked goroutine bound to the service
// lifetime.
func (s *Service) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}
