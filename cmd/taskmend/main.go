// Package main provides the taskmend binary entry point.
// Taskmend is an auto-healing task orchestration platform: templated
// executions run in a sandbox, failures feed an LLM repair loop, and
// repaired templates retry automatically.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/taskmend/taskmend/llm/providers"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskmend/taskmend/apiqueue"
	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/embedding"
	"github.com/taskmend/taskmend/llm"
	"github.com/taskmend/taskmend/memory"
	"github.com/taskmend/taskmend/model"
	"github.com/taskmend/taskmend/objectstore"
	"github.com/taskmend/taskmend/orchestrator"
	"github.com/taskmend/taskmend/queue"
	"github.com/taskmend/taskmend/repair"
	"github.com/taskmend/taskmend/sandbox"
	"github.com/taskmend/taskmend/store"
	"github.com/taskmend/taskmend/template"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskmend"
)

// primaryProvider is the config key of the provider serving callAPI;
// every other configured provider is exposed to templates as an adapter.
const primaryProvider = "primary"

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "taskmend",
		Short: "Auto-healing task orchestration platform",
		Long: `Taskmend runs templated background tasks in a sandboxed interpreter.

It provides:
- Durable task dispatch over NATS JetStream work queues
- A capability-scoped ECMAScript sandbox for template code
- An LLM repair loop that patches failing templates and retries

State lives in NATS JetStream (KV, streams, object store).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address (empty to disable)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel, metricsAddr string) error {
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to NATS
	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer conn.Close()

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	// Durable state
	ds, err := store.NewStore(ctx, js)
	if err != nil {
		return fmt.Errorf("create document store: %w", err)
	}

	wq, err := queue.New(ctx, js, cfg.Queue, queue.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create work queue: %w", err)
	}

	reports, err := objectstore.New(ctx, js, cfg.ObjectStore, objectstore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create report store: %w", err)
	}

	// Model plumbing
	registry := model.NewDefaultRegistry()
	registry.SetDefault(cfg.Model.Default)
	validator := model.NewValidator(cfg.Model.Valid, cfg.Model.Invalid, cfg.Model.Default)
	llmClient := llm.NewClient(registry, llm.WithLogger(logger))
	embedder := embedding.NewClient(cfg.Embedding, embedding.WithLogger(logger))

	// Template + memory layer
	sandboxRuntime := sandbox.New(cfg.Sandbox, sandbox.WithLogger(logger))
	templates := template.New(ds, embedder, sandboxRuntime, cfg.Sandbox, template.WithLogger(logger))
	memories := memory.New(ds, embedder, memory.WithLogger(logger))

	// Outbound provider queues: "primary" serves callAPI, the rest become
	// named adapters for callAdapter.
	var apiQueue *apiqueue.Queue
	adapters := make(map[string]*apiqueue.Queue)
	for name, p := range cfg.Providers {
		q := apiqueue.New(apiqueue.NewHTTPClient(name, p.BaseURL), p)
		defer q.Close()
		if name == primaryProvider {
			apiQueue = q
			continue
		}
		adapters[name] = q
	}
	if apiQueue == nil {
		logger.Warn("No primary API provider configured; callAPI will be unavailable to templates")
	}

	// Repair loop
	tracker := repair.NewTracker(cfg.Repair, repair.WithTrackerLogger(logger))
	go tracker.Run(ctx)

	engineOpts := []repair.Option{repair.WithLogger(logger)}
	if len(cfg.Repair.KnowledgeSources) > 0 {
		engineOpts = append(engineOpts,
			repair.WithKnowledgeFetcher(repair.NewKnowledgeFetcher(cfg.Repair.KnowledgeSources, logger)))
	}
	engine := repair.New(templates, memories, llmClient, tracker, cfg.Repair, engineOpts...)

	orch := orchestrator.New(orchestrator.Params{
		Store:     ds,
		Queue:     wq,
		Templates: templates,
		Runtime:   sandboxRuntime,
		JetStream: js,
		APIQueue:  apiQueue,
		Adapters:  adapters,
		LLM:       llmClient,
		Validator: validator,
		Reports:   reports,
		Memories:  memories,
		Repairer:  engine,
		Sandbox:   cfg.Sandbox,
		Repair:    cfg.Repair,
		Logger:    logger,
	})

	// Hot-reload the model validation sets when the config file changes.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, logger)
		go func() {
			if err := watcher.Watch(ctx, func(c *config.Config) {
				validator.Update(c.Model.Valid, c.Model.Invalid, c.Model.Default)
				registry.SetDefault(c.Model.Default)
			}); err != nil {
				logger.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	if metricsAddr != "" {
		startMetricsServer(ctx, metricsAddr, logger)
	}

	slog.Info("Taskmend ready",
		"version", Version,
		"nats_url", cfg.NATS.URL,
		"providers", len(cfg.Providers),
		"max_concurrent", cfg.Queue.MaxConcurrent)

	// Block consuming work deliveries until shutdown.
	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}

	slog.Info("Shutting down")
	return nil
}

// startMetricsServer serves Prometheus metrics until ctx is cancelled.
func startMetricsServer(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func printBanner() {
	fmt.Fprintf(os.Stderr, `
 _            _                             _
| |_ __ _ ___| | ___ __ ___   ___ _ __   __| |
| __/ _`+"`"+` / __| |/ / '_ `+"`"+` _ \ / _ \ '_ \ / _`+"`"+` |
| || (_| \__ \   <| | | | | |  __/ | | | (_| |
 \__\__,_|___/_|\_\_| |_| |_|\___|_| |_|\__,_|

  %s %s - auto-healing task orchestration
`, appName, Version)
}
