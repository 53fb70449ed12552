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

	"github.com/openhire/matchd/internal/api"
	"github.com/openhire/matchd/internal/config"
	"github.com/openhire/matchd/internal/embedding"
	"github.com/openhire/matchd/internal/explain"
	"github.com/openhire/matchd/internal/matching"
	"github.com/openhire/matchd/internal/storage"
	"github.com/openhire/matchd/internal/vector"
	"github.com/openhire/matchd/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the matchd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running matchd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show matchd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "matchd.pid")
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
	fmt.Fprintf(os.Stderr, "matchd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.Server.APIToken == "" {
		return fmt.Errorf("server.api_token is not configured")
	}

	// Check whether a server is already running before claiming the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("matchd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("matchd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	embedder := embedding.New(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.MaxTokens)
	vectorStore := vector.NewStore(store.DB(), cfg.Embedding.Dimensions)
	engine := matching.NewEngine(store, vectorStore, embedder, cfg.Matching.Threshold, matching.Weights{
		Must:   cfg.Matching.MustWeight,
		Should: cfg.Matching.ShouldWeight,
		Nice:   cfg.Matching.NiceWeight,
	})

	// Explanations run without the LLM when no Gemini key is configured.
	var generator explain.ContentGenerator
	if cfg.Gemini.APIKey != "" {
		gen, err := explain.NewGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Gemini.FastModel)
		if err != nil {
			return fmt.Errorf("initializing gemini client: %w", err)
		}
		generator = gen
		slog.Info("explanation enhancement enabled", "model", cfg.Gemini.Model)
	} else {
		slog.Info("no gemini api key configured, explanations are deterministic only")
	}
	explanations := explain.NewService(store, generator)

	orchestrator := worker.NewOrchestrator(store)
	fitWorker := worker.NewWorker(store, engine, explanations, cfg.Worker.PollInterval)
	go fitWorker.Run(ctx)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:        store,
		Engine:       engine,
		Explanations: explanations,
		Orchestrator: orchestrator,
		Vectors:      vectorStore,
		Token:        cfg.Server.APIToken,
	})

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:        store,
		Engine:       engine,
		Explanations: explanations,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "matchd listening on %s\n", addr)
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
		printError("matchd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop matchd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to matchd (PID %d)", pid)
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
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding model", "%s (%d dims)", cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if cfg.Gemini.APIKey != "" {
		printStatus("Explanations", "%s", cfg.Gemini.Model)
	} else {
		printStatus("Explanations", "deterministic only")
	}

	if running && cfg.Server.APIToken != "" {
		statsResp, err := apiGet(client, serverURL+"/stats", cfg.Server.APIToken)
		if err == nil {
			var stats struct {
				Embeddings vector.Stats   `json:"embeddings"`
				Queue      map[string]int `json:"queue"`
			}
			if decodeErr := decodeJSON(statsResp, &stats); decodeErr == nil {
				printStatus("Candidates", "%d (%d embedded, %.1f%%)",
					stats.Embeddings.TotalCandidates, stats.Embeddings.WithEmbeddings, stats.Embeddings.CoveragePercent)
				printStatus("Queue", "%d pending, %d running, %d failed",
					stats.Queue["pending"], stats.Queue["running"], stats.Queue["failed"])
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
