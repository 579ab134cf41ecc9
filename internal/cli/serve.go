package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/runner"
	"github.com/taskrelay/taskrelay/internal/server"
	"github.com/taskrelay/taskrelay/internal/service"
	"github.com/taskrelay/taskrelay/internal/stats"
	"github.com/taskrelay/taskrelay/internal/storage"
)

const shutdownGrace = 10 * time.Second

// App holds everything a running manager owns. Built once in serve;
// handlers and loops receive it rather than reaching for globals.
type App struct {
	Config     *config.Store
	Registry   runner.Registry
	Tasks      *storage.Store
	Daily      *storage.Daily
	Stats      *stats.CSV
	Service    *service.Service
	Supervisor *service.Supervisor
}

// buildApp wires the application from the live config snapshot.
func buildApp(ctx context.Context, cfgStore *config.Store) (*App, error) {
	cfg := cfgStore.Current()

	daily, err := storage.NewDaily(cfg.DataDirectory, cfg.LockTimeout())
	if err != nil {
		return nil, fmt.Errorf("init persistence: %w", err)
	}
	tasks, err := storage.NewStore(daily, cfg.Shared())
	if err != nil {
		return nil, fmt.Errorf("init task store: %w", err)
	}

	var registry runner.Registry
	if cfg.Shared() {
		registry, err = runner.NewSharedFile(cfg.DataDirectory, cfg.LockTimeout())
		if err != nil {
			return nil, fmt.Errorf("init runner registry: %w", err)
		}
	} else {
		registry = runner.NewMemory()
	}

	st, err := stats.NewCSV(cfg.DataDirectory, cfg.LockTimeout())
	if err != nil {
		return nil, fmt.Errorf("init stats sink: %w", err)
	}

	svc := service.New(ctx, cfgStore, registry, tasks, daily, st)
	return &App{
		Config:     cfgStore,
		Registry:   registry,
		Tasks:      tasks,
		Daily:      daily,
		Stats:      st,
		Service:    svc,
		Supervisor: service.NewSupervisor(svc),
	}, nil
}

func newServeCmd() *cobra.Command {
	var (
		envFile     string
		watchConfig bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(envFile, watchConfig)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "path to the .env file (ignored when absent)")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", false, "reload configuration when the .env file changes")
	return cmd
}

func runServe(envFile string, watchConfig bool) error {
	cfgStore, err := config.NewStore(envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := cfgStore.Current()

	// Re-level the logger now that the config is known; --verbose
	// still wins.
	if !verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		})))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgStore.HandleSIGHUP(ctx)
	if watchConfig {
		if err := cfgStore.Watch(ctx); err != nil {
			return err
		}
	}

	app, err := buildApp(ctx, cfgStore)
	if err != nil {
		return err
	}
	go app.Supervisor.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ManagerHost, cfg.ManagerPort),
		Handler: server.New(app.Service).Router(),
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("manager listening",
		"addr", srv.Addr,
		"environment", cfg.Environment,
		"shared_state", cfg.Shared(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	// Let in-flight dispatches and notify retries wind down.
	app.Service.Wait()
	return nil
}
