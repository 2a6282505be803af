package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	cron "github.com/netresearch/go-cron"
	"github.com/urfave/cli/v3"

	"github.com/pkgferry/pkgferry/internal/config"
	"github.com/pkgferry/pkgferry/internal/events"
	"github.com/pkgferry/pkgferry/internal/gateway"
	"github.com/pkgferry/pkgferry/internal/orchestrator"
	"github.com/pkgferry/pkgferry/internal/packager"
	"github.com/pkgferry/pkgferry/internal/pipeline"
	"github.com/pkgferry/pkgferry/internal/storage/eventlog"
	"github.com/pkgferry/pkgferry/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the pkgferry gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.TasksDir, 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}

	// Event hub
	hub := events.NewHub(cfg.Events.BufferSize)
	defer hub.Close()

	// Durable event history
	elog, err := eventlog.Open(cfg.Storage.EventLogDB)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	elog.Attach(hub)
	defer elog.Close()

	// Task store: recover durable records before accepting triggers
	store := tasks.NewFileStore(cfg.Storage.TasksDir)
	recovered, err := tasks.RecoverTasks(store)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	slog.Info("task store ready", "dir", cfg.Storage.TasksDir, "tasks", recovered)

	// Pipelines and orchestration
	npm := pipeline.NewNpm(hub, cfg.Node, cfg.Limits.PackConcurrency)
	pypi := pipeline.NewPypi(hub, cfg.Python)
	pack := packager.New(hub)
	orch := orchestrator.New(store, hub, npm, pypi, pack,
		cfg.Limits.MaxInFlight, cfg.Limits.TriggerTimeout.Duration())

	// Scheduled expiry sweep
	sched := cron.New()
	maxAge := time.Duration(cfg.Storage.ExpireHours) * time.Hour
	if _, err := sched.AddFunc(cfg.Storage.CleanupSpec, func() {
		store.CleanupExpired(maxAge)
	}); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// Gateway server
	server := gateway.NewServer(store, orch, hub, elog,
		cfg.Gateway.Host, cfg.Gateway.Port, cfg.Limits.MaxUploadBytes)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Wait(shutdownCtx); err != nil {
			slog.Warn("triggers still running at shutdown", "error", err)
		}
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
