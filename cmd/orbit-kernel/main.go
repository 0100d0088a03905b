package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/orbitOS/internal/adapters/docker"
	"github.com/manthysbr/orbitOS/internal/adapters/duckdb"
	"github.com/manthysbr/orbitOS/internal/adapters/llm"
	"github.com/manthysbr/orbitOS/internal/adapters/localexec"
	"github.com/manthysbr/orbitOS/internal/adapters/notify"
	"github.com/manthysbr/orbitOS/internal/adapters/taskfile"
	appconfig "github.com/manthysbr/orbitOS/internal/config"
	"github.com/manthysbr/orbitOS/internal/core/ports"
	"github.com/manthysbr/orbitOS/internal/core/services"
	"github.com/manthysbr/orbitOS/pkg/kernel"
	"github.com/rs/cors"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting orbitOS kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Adapters
	audit, err := duckdb.NewAuditSink(logger, cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("init audit sink: %w", err)
	}
	defer audit.Close()

	var sandbox ports.Sandbox
	switch cfg.SandboxBackend {
	case "docker":
		sandbox, err = docker.NewSandbox(logger, cfg.WorkspaceDir, audit)
	case "local":
		sandbox, err = localexec.New(logger, cfg.WorkspaceDir, audit)
	}
	if err != nil {
		return fmt.Errorf("init %s sandbox: %w", cfg.SandboxBackend, err)
	}

	var storageOpts []taskfile.Option
	if cfg.RemoteSeedURL != "" {
		storageOpts = append(storageOpts, taskfile.WithRemoteSeed(cfg.RemoteSeedURL))
	}
	storage := taskfile.New(logger, cfg.TaskFile, storageOpts...)

	notifier := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookToken)
	llmProvider := llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)

	// Core services
	eventBus := services.NewEventBus(logger)

	evaluator, err := services.NewIntervalEvaluator(cfg.DefaultTimezone)
	if err != nil {
		return fmt.Errorf("init interval evaluator: %w", err)
	}

	store := services.NewTaskStore(logger, storage)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	reminders := services.NewReminderEngine(logger, notifier, store, eventBus)
	workflows := services.NewWorkflowExecutor(logger, notifier, store, eventBus)

	scheduler := services.NewSchedulerLoop(
		logger, store, evaluator, reminders, workflows, sandbox, eventBus, audit,
		services.SchedulerConfig{
			Tick:                    cfg.Tick,
			StopGrace:               cfg.StopGrace,
			MaxConcurrentDispatches: cfg.MaxDispatches,
			CommandTimeout:          cfg.CommandTimeout,
		},
	)

	policy := services.NewCommandPolicy(cfg.AllowedBinaries...)
	operator := services.NewAutonomousOperator(logger, llmProvider, sandbox, policy, audit, eventBus, cfg.OperatorMaxSteps)

	// HTTP surface
	apiServer := kernel.NewServer(logger, store, scheduler, operator, eventBus, audit)
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	g.Go(func() error {
		if err := store.StartWatch(gCtx); err != nil {
			logger.Warn("task file watch unavailable", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
