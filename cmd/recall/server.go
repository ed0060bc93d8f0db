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

	"github.com/recallkb/recall/internal/api"
	"github.com/recallkb/recall/internal/config"
	"github.com/recallkb/recall/internal/embed"
	"github.com/recallkb/recall/internal/kb"
	"github.com/recallkb/recall/internal/storage"
	"github.com/recallkb/recall/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the recall server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running recall server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recall system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recall.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(baseCtx context.Context) error {
	fmt.Fprintf(os.Stderr, "recall version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// Refuse to double-start: probe the health endpoint before claiming
	// the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("recall is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("recall is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Optional embedding backend. Without one, search runs keyword-only
	// and no backfill worker starts.
	var backend *embed.Ollama
	if cfg.Embedding.Enabled {
		backend = embed.NewOllama(cfg.Embedding.BaseURL, cfg.Embedding.Model)
		if !backend.IsRunning(ctx) {
			printWarning("embedding backend not reachable at %s, falling back to keyword search", cfg.Embedding.BaseURL)
			backend = nil
		} else if !backend.HasModel(ctx) {
			printWarning("embedding model %q not available, falling back to keyword search", cfg.Embedding.Model)
			backend = nil
		}
	}

	opts := kb.StoreOptions{Queue: db, Logger: slog.Default()}
	if backend != nil {
		opts.Embedder = backend
	}
	store := kb.NewStore(db, opts)

	// Hydrate the in-memory registry from SQLite.
	entries, err := db.LoadEntries(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("loading entries: %w", err)
	}
	store.Load(entries)
	vectors, err := db.LoadEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("loading embeddings: %w", err)
	}
	store.LoadVectors(vectors)
	slog.Info("registry loaded", "entries", len(entries), "embeddings", len(vectors))

	patterns := kb.NewPatterns(store, kb.PatternConfig{
		MinOccurrences: cfg.Patterns.MinOccurrences,
		MinSuccessRate: cfg.Patterns.MinSuccessRate,
		Staleness:      time.Duration(cfg.Patterns.StalenessDays) * 24 * time.Hour,
	})

	deps := api.Deps{
		Store:        store,
		Patterns:     patterns,
		Token:        cfg.Server.Token,
		DefaultLimit: cfg.Search.DefaultLimit,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	// Start the embedding backfill worker.
	if backend != nil {
		w := worker.New(db, store, backend, 500*time.Millisecond)
		go w.Run(ctx)
		slog.Info("embedding worker started", "model", backend.Model())
	}

	// MCP server over streamable HTTP on its own port.
	mcpSrv := api.NewMCPServer(deps)
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	mcpHTTP := server.NewStreamableHTTPServer(mcpSrv)
	go func() {
		slog.Info("MCP server listening", "addr", mcpAddr)
		if err := mcpHTTP.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("MCP server error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "recall listening on %s\n", addr)
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
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("recall is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop recall (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to recall (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load(configPath)
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

	if cfg.Embedding.Enabled {
		backend := embed.NewOllama(cfg.Embedding.BaseURL, cfg.Embedding.Model)
		if backend.IsRunning(ctx) {
			printStatus("Embedding", "running at %s (model %s)", cfg.Embedding.BaseURL, cfg.Embedding.Model)
		} else {
			printStatus("Embedding", "not reachable at %s", cfg.Embedding.BaseURL)
		}
	} else {
		printStatus("Embedding", "disabled (keyword search only)")
	}

	if running {
		apic, err := newAPIClient()
		if err == nil {
			statsResp, err := apic.get(ctx, "/stats")
			if err == nil {
				var stats struct {
					Entries int `json:"entries"`
					Tags    int `json:"tags"`
				}
				if decodeJSON(statsResp, &stats) == nil {
					printStatus("Entries", "%d", stats.Entries)
					printStatus("Tags", "%d", stats.Tags)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
