package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oscillatelabsllc/neuralfeed/internal/api"
	"github.com/oscillatelabsllc/neuralfeed/internal/cluster"
	"github.com/oscillatelabsllc/neuralfeed/internal/config"
	"github.com/oscillatelabsllc/neuralfeed/internal/db"
	"github.com/oscillatelabsllc/neuralfeed/internal/dedup"
	"github.com/oscillatelabsllc/neuralfeed/internal/embedding"
	"github.com/oscillatelabsllc/neuralfeed/internal/llm"
	"github.com/oscillatelabsllc/neuralfeed/internal/mcp"
	"github.com/oscillatelabsllc/neuralfeed/internal/pipeline"
	"github.com/oscillatelabsllc/neuralfeed/internal/rag"
	"github.com/oscillatelabsllc/neuralfeed/internal/scoring"
)

// app holds every wired component for one process
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *db.Store
	gateway *embedding.Gateway
	runner  *pipeline.Runner
	rag     *rag.Service

	closeLog func() error
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, closeLog := config.SetupLogger(cfg.Log.File, cfg.LogLevel())
	slog.SetDefault(logger)

	store, err := db.NewStore(cfg.Storage.Path,
		db.WithDimension(cfg.Storage.Dimension),
		db.WithLogger(logger),
	)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	provider, err := llm.NewProvider(cfg, logger)
	if err != nil {
		store.Close()
		closeLog()
		return nil, err
	}
	gateway := embedding.NewGateway(provider, nil, embedding.Options{
		BatchSize:      cfg.Embedding.BatchSize,
		MaxConcurrency: cfg.Embedding.MaxConcurrency,
		MaxAttempts:    cfg.Embedding.MaxAttempts,
		BaseBackoff:    cfg.Embedding.BaseBackoff,
		MaxBackoff:     cfg.Embedding.MaxBackoff,
		CallTimeout:    cfg.Embedding.CallTimeout,
		Logger:         logger,
	})
	if err := gateway.Cache().Load(ctx, store, gateway.ModelTag()); err != nil {
		logger.Warn("failed to warm embedding cache", "error", err)
	}

	model, err := llm.NewModel(cfg.LLM, logger)
	if err != nil {
		store.Close()
		closeLog()
		return nil, err
	}

	profiles := pipeline.BuildProfiles(ctx, gateway, cfg.Scoring.Interests, logger)

	runner := pipeline.NewRunner(pipeline.Deps{
		Gateway:      gateway,
		CacheStore:   store,
		PendingStore: store,
		Scorer: scoring.NewScorer(scoring.Options{
			FallbackConfidence: cfg.Scoring.FallbackConfidence,
			FallbackCeiling:    cfg.Scoring.FallbackCeiling,
			RelevanceThreshold: cfg.Scoring.RelevanceThreshold,
		}),
		Profiles: profiles,
		Dedup: dedup.New(dedup.Options{
			Threshold:        cfg.Dedup.Threshold,
			HistoryThreshold: cfg.Dedup.HistoryThreshold,
			SourcePriority:   cfg.Dedup.SourcePriority,
			Logger:           logger,
		}),
		Clusters: cluster.New(model, cluster.Options{
			Mode:              cfg.Cluster.Mode,
			Threshold:         cfg.Cluster.Threshold,
			MinPoints:         cfg.Cluster.MinPoints,
			NamingConcurrency: cfg.Cluster.NamingConcurrency,
			Logger:            logger,
		}),
		Index: store,
		Repo:  store,
	}, pipeline.Options{
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		UpsertAttempts: cfg.Pipeline.UpsertAttempts,
		IndexTimeout:   cfg.RAG.IndexTimeout,
		Logger:         logger,
	})

	service := rag.NewService(gateway, store, model, rag.Options{
		TopK:          cfg.RAG.TopK,
		CitationLimit: cfg.RAG.CitationLimit,
		HistoryWindow: cfg.RAG.HistoryWindow,
		MaxHistory:    cfg.RAG.MaxHistory,
		IndexTimeout:  cfg.RAG.IndexTimeout,
		Logger:        logger,
	})

	logger.Info("neuralfeed initialized",
		"version", version,
		"database", cfg.Storage.Path,
		"dimension", cfg.Storage.Dimension,
		"embedding_model", gateway.ModelTag(),
		"llm", model.Model(),
		"profiles", len(profiles),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		gateway:  gateway,
		runner:   runner,
		rag:      service,
		closeLog: closeLog,
	}, nil
}

func (a *app) mcpServer() *mcp.Server {
	return mcp.NewServer(mcp.Deps{
		Pipeline: a.runner,
		RAG:      a.rag,
		Store:    a.store,
		Embedder: a.gateway,
		Index:    a.store,
	}, version, a.logger)
}

func (a *app) apiServer() *api.Server {
	return api.NewServer(api.Deps{
		Pipeline: a.runner,
		RAG:      a.rag,
		Store:    a.store,
		Embedder: a.gateway,
		Index:    a.store,
	}, a.cfg.Server.Port, a.cfg.Server.RequestTimeout, a.logger)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close database", "error", err)
	}
	a.closeLog()
}
