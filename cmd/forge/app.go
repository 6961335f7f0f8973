package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"codeforge/internal/config"
	"codeforge/internal/cron"
	"codeforge/internal/dispatch"
	"codeforge/internal/embedding"
	"codeforge/internal/harness"
	"codeforge/internal/llm"
	"codeforge/internal/logging"
	"codeforge/internal/pipeline"
	"codeforge/internal/planner"
	"codeforge/internal/registry"
	"codeforge/internal/repair"
	"codeforge/internal/scheduler"
	"codeforge/internal/store"
	"codeforge/internal/synth"
	"codeforge/internal/tools"
	"codeforge/internal/workflow"
)

// app wires every subsystem together. Commands build one, use what they
// need, and Close it on the way out.
type app struct {
	cfg *config.Config

	artifacts *store.ArtifactStore
	fixes     *store.FixLibrary
	embedder  embedding.Engine
	client    llm.Client
	sched     *scheduler.Scheduler
	registry  *registry.Registry
	runner    *registry.Runner
	tasks     *cron.Manager
	tools     *tools.Registry
	pipeline  *pipeline.Pipeline

	schedStarted bool
}

// newApp builds the full dependency graph from the workspace config.
// Construction is explicit; nothing here lives in package globals.
func newApp(ctx context.Context, workspace string) (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logging.Initialize(workspace, logging.Options{
		Debug:      cfg.Logging.DebugMode || debugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		Dimensions:     cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}

	artifacts, err := store.Open(inWorkspace(workspace, cfg.Store.DatabasePath), engine, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	fixes := store.NewFixLibrary(artifacts)

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		artifacts.Close()
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueSize:     cfg.Scheduler.QueueSize,
		BackgroundGap: config.Duration(cfg.Scheduler.BackgroundGap, 100*time.Millisecond),
	})

	reg, err := registry.Open(inWorkspace(workspace, cfg.Registry.Root))
	if err != nil {
		artifacts.Close()
		return nil, fmt.Errorf("failed to open node registry: %w", err)
	}
	if err := tools.WriteShim(reg.ShimDir()); err != nil {
		artifacts.Close()
		return nil, err
	}
	runner := registry.NewRunner(reg, registry.RunnerConfig{
		Python:  cfg.Registry.Interpreter,
		Timeout: config.Duration(cfg.Registry.RunTimeout, 30*time.Second),
	})

	pl := planner.New(planner.Config{ReuseThreshold: cfg.Store.ReuseScore}, client, artifacts)
	dec := workflow.NewDecomposer(client)

	formatter := synth.NewFormatter(synth.FormatterConfig{AllowInstall: true}, fixes)
	sy := synth.New(synth.Config{}, client, artifacts, formatter)

	h := harness.New(harness.Config{
		Python:            cfg.Registry.Interpreter,
		Timeout:           config.Duration(cfg.Registry.RunTimeout, 30*time.Second),
		CoverageThreshold: cfg.Harness.CoverageThreshold,
		EvoBudget:         config.Duration(cfg.Harness.GenBudget, 30*time.Second),
		TDD:               cfg.Harness.TestDriven,
		ShimDir:           reg.ShimDir(),
	}, client, nil)

	rep := repair.New(repair.Config{
		MaxAttempts:      cfg.Repair.MaxAttempts,
		PatternThreshold: cfg.Store.FixThreshold,
	}, client, h, fixes)

	tr := tools.NewRegistry()
	tools.RegisterBuiltins(tr, client)

	pipe := pipeline.New(artifacts, sched, pl, dec, sy, h, rep, reg, runner, tr)
	if err := pipe.SyncTools(ctx); err != nil {
		artifacts.Close()
		return nil, fmt.Errorf("failed to sync tool catalog: %w", err)
	}

	tasks, err := cron.NewManager(cron.Config{
		Path:      inWorkspace(workspace, cfg.Cron.TasksPath),
		MaxErrors: cfg.Cron.MaxErrors,
	}, artifacts, client)
	if err != nil {
		artifacts.Close()
		return nil, fmt.Errorf("failed to load scheduled tasks: %w", err)
	}

	return &app{
		cfg:       cfg,
		artifacts: artifacts,
		fixes:     fixes,
		embedder:  engine,
		client:    client,
		sched:     sched,
		registry:  reg,
		runner:    runner,
		tasks:     tasks,
		tools:     tr,
		pipeline:  pipe,
	}, nil
}

// healthCheck verifies the infrastructure the kernel cannot run without.
func (a *app) healthCheck(ctx context.Context) error {
	if err := a.artifacts.Ping(ctx); err != nil {
		return err
	}
	if hc, ok := a.embedder.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("embedding engine unavailable: %w", err)
		}
	}
	return nil
}

// startScheduler launches the worker pool. Idempotent per app.
func (a *app) startScheduler(ctx context.Context) {
	if !a.schedStarted {
		a.sched.Start(ctx)
		a.schedStarted = true
	}
}

// newDispatcher builds the background dispatcher that routes due cron
// tasks through the pipeline.
func (a *app) newDispatcher() *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		Period: config.Duration(a.cfg.Scheduler.DispatchPeriod, 30*time.Second),
		Window: time.Duration(a.cfg.Cron.WindowMinutes) * time.Minute,
	}, a.tasks, a.sched, func(ctx context.Context, task *cron.ScheduledTask) (string, error) {
		request := task.FunctionRef
		if request == "" {
			request = task.Description
		}
		resp, err := a.pipeline.Generate(ctx, request)
		if err != nil {
			return "", err
		}
		return fmt.Sprint(resp.Result), nil
	})
}

func (a *app) Close() {
	if a.schedStarted {
		a.sched.Stop(true, 10*time.Second)
	}
	if a.artifacts != nil {
		a.artifacts.Close()
	}
	logging.Sync()
}

// inWorkspace resolves config paths relative to the workspace root.
func inWorkspace(workspace, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "genai":
		c, err := llm.NewGenAIClient(ctx, cfg.LLM.APIKey, cfg.LLM.Models, cfg.LLM.MaxRetries)
		if err != nil {
			return nil, fmt.Errorf("failed to create genai client: %w", err)
		}
		return c, nil
	default:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			Timeout:    config.Duration(cfg.LLM.Timeout, 120*time.Second),
			MaxRetries: cfg.LLM.MaxRetries,
			Models:     cfg.LLM.Models,
		}), nil
	}
}
