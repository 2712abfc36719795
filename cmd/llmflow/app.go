package main

import (
	"context"
	"fmt"
	"log/slog"

	"llmflow/internal/adapter/embedding"
	"llmflow/internal/adapter/llm"
	"llmflow/internal/adapter/retrieval"
	"llmflow/internal/adapter/toolserver"
	"llmflow/internal/domain"
	"llmflow/internal/infra/config"
	"llmflow/internal/infra/logger"
	"llmflow/internal/infra/tracer"
	"llmflow/internal/usecase/eventbus"
	"llmflow/internal/usecase/orchestration"
	"llmflow/internal/usecase/workflow"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg            *config.Config
	logger         *slog.Logger
	ollama         *llm.OllamaClient
	client         domain.ModelClient
	bus            *eventbus.Bus
	retrieval      *retrieval.Manager
	workflows      *workflow.Compiler
	orchestrations *orchestration.Compiler

	runs    *workflow.FileStore
	closers []func()
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	// 1. Config
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logger.Level = opts.logLevel
	}

	a := &app{cfg: cfg}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.logger = log
	a.closers = append(a.closers, func() { logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() { tracerShutdown(context.WithoutCancel(ctx)) })

	// 3. Model backend
	a.ollama = llm.NewOllamaClient(cfg.Backend, log)
	a.client = a.ollama
	if cfg.Backend.CircuitBreaker.Enabled {
		a.client = llm.NewCircuitBreakerClient(a.ollama, cfg.Backend.CircuitBreaker, log)
	}

	// 4. Event bus
	a.bus = eventbus.New(log)
	a.bus.SubscribeAll(eventbus.LogSink(log))
	a.closers = append(a.closers, a.bus.Close)

	// 5. Retrieval
	a.retrieval = retrieval.NewManager(a.embedder, a.retrievalDefaults(), log)

	// 6. Compilers
	a.workflows, err = workflow.NewCompiler(log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("workflow compiler: %w", err)
	}
	a.orchestrations, err = orchestration.NewCompiler(a.workflows, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("orchestration compiler: %w", err)
	}
	return a, nil
}

// Close releases collaborators in reverse order of construction.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) embedder(model string) domain.EmbeddingProvider {
	if model == "" {
		model = a.cfg.Backend.EmbeddingModel
	}
	return embedding.NewCachedEmbedder(embedding.NewModelEmbedder(a.client, model, 0), a.cfg.Retrieval.QueryCacheSize)
}

func (a *app) retrievalDefaults() domain.RetrievalConfig {
	r := a.cfg.Retrieval
	return domain.RetrievalConfig{
		ChunkSize:      r.ChunkSize,
		ChunkOverlap:   r.ChunkOverlap,
		TopK:           r.TopK,
		EmbeddingModel: a.cfg.Backend.EmbeddingModel,
		StorageFormat:  r.StorageFormat,
	}
}

// store opens the run history lazily so read-only commands leave no trace.
func (a *app) store() (*workflow.FileStore, error) {
	if a.runs != nil {
		return a.runs, nil
	}
	runs, err := workflow.NewFileStore(a.cfg.Server.RunsDir)
	if err != nil {
		return nil, fmt.Errorf("run store: %w", err)
	}
	a.runs = runs
	return runs, nil
}

// engine builds a workflow engine reporting to fe. Each engine owns a fresh
// tool-server manager, disconnected when its run ends.
func (a *app) engine(fe domain.FrontEnd, runs domain.RunStore) *workflow.Engine {
	opts := []workflow.Option{
		workflow.WithToolServers(toolserver.NewManager(a.logger)),
		workflow.WithRetrieval(a.retrieval),
		workflow.WithEventBus(a.bus),
	}
	if fe != nil {
		opts = append(opts, workflow.WithFrontEnd(fe))
	}
	if runs != nil {
		opts = append(opts, workflow.WithRunStore(runs))
	}
	return workflow.NewEngine(a.client, workflow.EngineConfig{
		DefaultModel:   a.cfg.Backend.DefaultModel,
		CallTimeout:    a.cfg.Engine.CallTimeout,
		MaxTransitions: a.cfg.Engine.MaxTransitions,
	}, a.logger, opts...)
}

// orchestrator builds an orchestration engine whose entries run on fresh
// workflow engines.
func (a *app) orchestrator(fe domain.FrontEnd, runs domain.RunStore) *orchestration.Engine {
	runners := func(domain.Entry) orchestration.Runner {
		return a.engine(fe, runs)
	}
	return orchestration.NewEngine(runners, a.client, orchestration.Config{
		DefaultModel:   a.cfg.Backend.DefaultModel,
		DefaultTimeout: a.cfg.Orchestration.DefaultTimeout,
	}, a.logger, orchestration.WithEventBus(a.bus))
}

// withApp wraps a command body with app construction and teardown.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		a, err := newApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}
}
