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
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/internal/api"
	"github.com/retracehq/retrace/internal/config"
	"github.com/retracehq/retrace/internal/engine"
	"github.com/retracehq/retrace/internal/index"
	"github.com/retracehq/retrace/internal/privacy"
	"github.com/retracehq/retrace/internal/scheduler"
	"github.com/retracehq/retrace/internal/storage"
	"github.com/retracehq/retrace/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the retrace daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running retrace daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show retrace system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "retrace.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "retrace version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.LoadOrCreateToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse a second instance. The health probe catches a live server
	// even when a stale PID file is lying around.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("retrace is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("retrace is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check the embedding backend and pull the model if needed.
	eng := engine.NewOllama(cfg.Engine.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Engine.EmbedModel); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			printWarning("Ollama is not running at %s; ingestion will wait until it comes up", cfg.Engine.BaseURL)
		} else {
			return err
		}
	}
	gate := engine.NewReadinessGate(eng, cfg.Engine.EmbedModel)

	// Open storage and recover anything a crash left in flight.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if cfg.Scheduler.BucketWindowMinutes > 0 {
		store.SetBucketWindow(time.Duration(cfg.Scheduler.BucketWindowMinutes) * time.Minute)
	}
	recovered, err := store.ResetProcessing()
	if err != nil {
		return fmt.Errorf("recovering in-flight records: %w", err)
	}
	if recovered > 0 {
		slog.Info("recovered in-flight queue records", "count", recovered)
	}

	// Rebuild the search index from persisted chunks.
	hybrid := index.NewHybrid()
	chunkCount, err := worker.RebuildIndex(store, hybrid)
	if err != nil {
		return fmt.Errorf("rebuilding search index: %w", err)
	}
	slog.Info("search index rebuilt", "chunks", chunkCount)

	workers := worker.NewManager(eng, cfg.Engine.EmbedModel, store, hybrid)
	defer workers.Shutdown()

	wipes := privacy.NewController(store, workers, hybrid, eng, cfg.Engine.EmbedModel)
	if err := wipes.RecoverStartup(); err != nil {
		return fmt.Errorf("recovering wipe state: %w", err)
	}

	sched := scheduler.New(store, gate, workers, wipes.Wiping)
	if cfg.Scheduler.PollIntervalSeconds > 0 {
		sched.Interval = time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second
	}
	go sched.Run(ctx)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:  store,
		Search: workers,
		Sched:  sched,
		Wipes:  wipes,
		Gate:   gate,
		Hybrid: hybrid,
		Token:  apiToken,

		DefaultAlpha: cfg.Search.Alpha,
		DefaultTopK:  cfg.Search.TopK,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// MCP server over stdio so local assistants can search history.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:  store,
		Search: workers,
		Sched:  sched,
		Gate:   gate,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "retrace listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("retrace is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop retrace (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to retrace (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	serverUp := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Engine.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Engine.BaseURL)
	}
	printStatus("Embed model", "%s", cfg.Engine.EmbedModel)

	if serverUp {
		if apiC, err := newAPIClient(); err == nil {
			if statusResp, err := apiC.get("/status"); err == nil {
				var st struct {
					Paused bool `json:"paused"`
					Queue  struct {
						Pending    int `json:"pending"`
						Processing int `json:"processing"`
					} `json:"queue"`
					Counters struct {
						Successes int64 `json:"successes"`
						Failures  int64 `json:"failures"`
					} `json:"counters"`
					IndexedChunks int `json:"indexed_chunks"`
				}
				if decodeJSON(statusResp, &st) == nil {
					if st.Paused {
						printStatus("Ingestion", "paused")
					} else {
						printStatus("Ingestion", "running")
					}
					printStatus("Queue", "%d pending, %d processing", st.Queue.Pending, st.Queue.Processing)
					printStatus("Indexed", "%d chunks", st.IndexedChunks)
					printStatus("Lifetime", "%d indexed, %d failed", st.Counters.Successes, st.Counters.Failures)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
