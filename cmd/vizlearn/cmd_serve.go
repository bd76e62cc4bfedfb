package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/vizlearn/internal/api"
	"github.com/user/vizlearn/internal/delivery"
	"github.com/user/vizlearn/internal/gateway"
	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/render"
	"github.com/user/vizlearn/internal/scheduler"
	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/telegram"
	"github.com/user/vizlearn/internal/types"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, Telegram bot and scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "vizlearn.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	a.gateway.Start(ctx)
	defer a.gateway.Stop()

	go func() {
		if err := a.template.Watch(ctx); err != nil {
			slog.Error("prompt template watch stopped", "error", err)
		}
	}()

	deliveries := delivery.NewRegistry()

	if cfg.Telegram.Token != "" {
		var opts []telegram.Option
		if cfg.Telegram.SnapshotHTML {
			opts = append(opts, telegram.WithSnapshots(render.NewSnapshotter(a.artifacts, cfg.Render.BrowserURL)))
		}
		adapter, err := telegram.New(cfg.Telegram.Token, a.gateway, a.store, a.artifacts, opts...)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveries.Register(telegram.SessionPrefix, adapter.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	sched := scheduler.New(a.tasks, taskHandler(ctx, a.gateway, a.tasks, deliveries))
	if err := sched.AddJob("prune-render-cache", cfg.Scheduler.PruneSchedule, func() {
		if n := a.cache.Prune(); n > 0 {
			slog.Info("pruned render cache", "removed", n, "remaining", a.cache.Len())
		}
	}); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := api.NewServer(api.Config{
		Store:     a.store,
		Turns:     a.gateway,
		Tasks:     a.tasks,
		Artifacts: a.artifacts,
		Delivery:  deliveries,
		Logger:    slog.Default(),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}()

	slog.Info("vizlearn started",
		"data_dir", cfg.DataDir,
		"max_concurrent", cfg.MaxConcurrent,
		"pid_file", pidFile,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return errors.New("http server stopped")
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, reloading tasks")
				if err := sched.Reload(); err != nil {
					slog.Error("reload scheduler", "error", err)
				}
				continue
			}
			slog.Info("shutting down", "signal", sig.String())
			return nil
		}
	}
}

// taskHandler runs a fired task as a turn in its session and delivers the
// result to the session's channel.
func taskHandler(ctx context.Context, gw *gateway.Gateway, tasks *state.TaskStore, deliveries *delivery.Registry) scheduler.Handler {
	return func(task *state.Task) {
		event := &types.InboundEvent{
			Source:    "task",
			SessionID: task.SessionID,
			UserID:    "system",
			Text:      task.Prompt,
			Provider:  task.Provider,
		}
		_, err := gw.HandleInbound(ctx, event, gateway.WithOnComplete(func(res *pipeline.Result, err error) {
			if err != nil {
				slog.Error("scheduled task failed", "name", task.Name, "session_id", string(task.SessionID), "error", err)
				return
			}
			msg := delivery.Message{Text: res.Explanation, Artifact: res.Artifact}
			if err := deliveries.Deliver(ctx, task.SessionID, msg); err != nil {
				slog.Error("scheduled task delivery failed", "name", task.Name, "error", err)
			}
		}))
		if err != nil {
			slog.Error("enqueue scheduled task", "name", task.Name, "error", err)
			return
		}
		if err := tasks.MarkRun(task.Name, time.Now()); err != nil {
			slog.Warn("record task run", "name", task.Name, "error", err)
		}
	}
}
