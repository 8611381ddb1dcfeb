package main

import (
	"context"
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

	"github.com/user/sandboxd/internal/agent"
	"github.com/user/sandboxd/internal/eventlog"
	"github.com/user/sandboxd/internal/httpapi"
	"github.com/user/sandboxd/internal/maintenance"
	"github.com/user/sandboxd/internal/persist"
	"github.com/user/sandboxd/internal/projection"
	"github.com/user/sandboxd/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandboxd daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "sandboxd.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Revision sources: a credentials change restarts the subprocess on
	// the next call, invisibly to subscribers.
	revs := &agent.Revisions{}
	if cfg.Agent.CredentialsPath != "" {
		closeWatch, err := agent.WatchCredentials(cfg.Agent.CredentialsPath, revs)
		if err != nil {
			slog.Warn("credential watcher unavailable", "error", err)
		} else {
			defer closeWatch()
		}
	}

	factory := &agent.SubprocessFactory{
		Command:         cfg.Agent.Command,
		Args:            cfg.Agent.Args,
		WorkDir:         cfg.Agent.WorkDir,
		CredentialsPath: cfg.Agent.CredentialsPath,
		RequestTimeout:  time.Duration(cfg.Agent.RequestTimeout) * time.Second,
		Revs:            revs,
	}
	supervisor := agent.NewSupervisor(factory)
	defer supervisor.Stop()

	log := eventlog.New()

	// Persistence pipeline.
	var counter persist.TokenCounter
	if tk, err := persist.NewTiktokenCounter(cfg.Store.TokenizerName); err != nil {
		slog.Warn("tokenizer unavailable, token counts disabled", "error", err)
	} else {
		counter = tk
	}
	archiveDir := filepath.Join(cfg.DataDir, "archive")
	checkpoints := persist.NewCheckpointStore(filepath.Join(cfg.DataDir, "checkpoint.json"))
	retry := &persist.RetryPolicy{
		MaxAttempts: cfg.Store.Attempts,
		BaseDelay:   time.Duration(cfg.Store.BaseDelayMS) * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
	}
	var pipeline *persist.Pipeline
	if cfg.Store.BaseURL != "" {
		store := persist.NewStoreClient(cfg.Store.BaseURL)
		pipeline, err = persist.New(store, checkpoints, retry, counter, archiveDir, 1)
		if err != nil {
			return fmt.Errorf("create persistence pipeline: %w", err)
		}
		pipeline.Start(ctx)
		defer pipeline.Stop()
	} else {
		slog.Warn("persistence disabled (no store base_url)")
	}

	// Projection feeds completed turns into the pipeline.
	sandboxID := types.SandboxID(cfg.SandboxID)
	engine := projection.New(func(turn projection.CompletedTurn) {
		slog.Info("turn finished",
			"turn", turn.Turn.Index,
			"status", string(turn.Turn.Status),
			"messages", len(turn.Messages),
			"tool_calls", len(turn.Turn.ToolCalls))
		if pipeline == nil {
			return
		}
		if err := pipeline.Enqueue(sandboxID, turn); err != nil {
			slog.Error("enqueue turn for persistence", "turn", turn.Turn.Index, "error", err)
		}
	})

	// Event flow: supervisor -> log -> {projection, stream subscribers}.
	log.Subscribe(engine.Apply)
	supervisor.OnEvent(func(ev types.Event) { log.Append(ev) })

	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	// Housekeeping.
	sched := maintenance.New(archiveDir, cfg.Archive.RetentionDays, cfg.Archive.PruneSchedule)
	if err := sched.Start(); err != nil {
		slog.Warn("maintenance scheduler disabled", "error", err)
	} else {
		defer sched.Stop()
	}

	// HTTP surface.
	api := httpapi.NewServer(log, engine, supervisor,
		time.Duration(cfg.Stream.HeartbeatSeconds)*time.Second)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: api}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("sandboxd started",
		"data_dir", cfg.DataDir,
		"sandbox_id", cfg.SandboxID,
		"listen", cfg.Listen,
		"agent_command", cfg.Agent.Command,
		"store_url", cfg.Store.BaseURL,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	return nil
}
