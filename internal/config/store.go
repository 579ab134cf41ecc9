package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// Store publishes the live Config. Readers call Current on every use
// so a reload takes effect without restarting; registered runners and
// in-flight tasks are never touched by a reload.
type Store struct {
	envFile string
	current atomic.Pointer[Config]
}

// NewStore loads the initial snapshot.
func NewStore(envFile string) (*Store, error) {
	cfg, err := Load(envFile)
	if err != nil {
		return nil, err
	}
	s := &Store{envFile: envFile}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the live snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Reload re-reads environment and .env and swaps the snapshot. A
// failed reload keeps the previous snapshot.
func (s *Store) Reload() error {
	cfg, err := Load(s.envFile)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	s.current.Store(cfg)
	slog.Info("configuration reloaded", "environment", cfg.Environment)
	return nil
}

// HandleSIGHUP reloads on each hangup signal until ctx is cancelled.
func (s *Store) HandleSIGHUP(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if err := s.Reload(); err != nil {
					slog.Error("SIGHUP reload failed, keeping previous config", "error", err)
				}
			}
		}
	}()
}

// Watch reloads whenever the .env file changes. Watches the parent
// directory because editors and orchestrators typically replace the
// file rather than write it in place.
func (s *Store) Watch(ctx context.Context) error {
	if s.envFile == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(s.envFile)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.envFile)

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					slog.Error("config watch reload failed, keeping previous config", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
