package main

import (
	"context"
	"fmt"

	"github.com/fabfab/thesis-rag/api"
	"github.com/fabfab/thesis-rag/chat"
	"github.com/fabfab/thesis-rag/config"
	"github.com/fabfab/thesis-rag/database"
	"github.com/fabfab/thesis-rag/embeddings"
	"github.com/fabfab/thesis-rag/ingestion"
	"github.com/fabfab/thesis-rag/knowledge"
	"github.com/fabfab/thesis-rag/llm"
	"github.com/fabfab/thesis-rag/logging"
	"github.com/fabfab/thesis-rag/search"
)

const redisKeyPrefix = "thesis-rag:"

// documentStore is what both storage backends provide.
type documentStore interface {
	search.DocumentStore
	ingestion.Store
	chat.TagCounter
	Clear(ctx context.Context) error
}

// app holds the wired services for one CLI invocation.
type app struct {
	cfg    config.Config
	logger logging.Logger

	store   documentStore
	graph   *knowledge.Graph
	gateway *embeddings.Gateway
	engine  *search.Engine
	llm     llm.Client
	chat    *chat.Service
	ingest  *ingestion.Service

	closers []func()
}

// openApp connects the configured backends. When requireLLM is false a missing or
// misconfigured language model only disables answers and summaries.
func openApp(ctx context.Context, cfg config.Config, logger logging.Logger, requireLLM bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.Neo4jEnabled {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		a.closers = append(a.closers, func() { _ = driver.Close(context.Background()) })
		a.graph = knowledge.NewGraph(driver)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	if cfg.RedisAddr != "" {
		client, err := database.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		cache := embeddings.NewRedisCache(client, redisKeyPrefix, cfg.CacheTTL)
		embedder = embeddings.NewCachedEmbedder(embedder, cache, cfg.Embeddings.Model, logger)
	}
	a.gateway = embeddings.NewGateway(embedder, cfg.Embeddings.Dimension, cfg.Timeouts.Embedding)

	a.engine = search.NewEngine(a.store, a.gateway, search.Config{
		Dimension:           cfg.Embeddings.Dimension,
		DefaultLimit:        cfg.Search.Limit,
		DefaultThreshold:    cfg.Search.Threshold,
		CandidateMultiplier: cfg.Search.CandidateMultiplier,
		StoreTimeout:        cfg.Timeouts.Store,
	}, logger)

	client, err := llm.NewClient(cfg)
	switch {
	case err == nil:
		a.llm = client
	case requireLLM:
		return nil, fmt.Errorf("llm setup: %w", err)
	default:
		logger.Warn("language model unavailable, answers and summaries disabled: %v", err)
	}

	var tags chat.TagCounter = a.store
	var graphSync ingestion.GraphSync
	if a.graph != nil {
		tags = a.graph
		graphSync = a.graph
	}

	rewriter := chat.NewRewriter(a.llm, cfg.Timeouts.Generation, logger)
	a.chat = chat.NewService(a.engine, a.gateway, rewriter, a.llm, tags, chat.Config{
		TopK:              cfg.RAG.TopK,
		Threshold:         cfg.RAG.Threshold,
		HistoryTurns:      cfg.RAG.HistoryTurns,
		GenerationTimeout: cfg.Timeouts.Generation,
	}, logger)

	a.ingest = ingestion.NewService(a.store, graphSync, a.gateway,
		ingestion.NewTagger(a.llm, cfg.Timeouts.Generation, logger),
		ingestion.Config{
			Concurrency: cfg.Ingest.Concurrency,
			RatePerSec:  cfg.Ingest.RatePerSec,
			Dimension:   cfg.Embeddings.Dimension,
		}, logger)

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case config.BackendSQLite:
		db, err := database.NewSQLiteDB(ctx, a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite connection: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := database.EnsureSQLiteSchema(ctx, db); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
		a.store = database.NewSQLiteStore(db)
	default:
		pool, err := database.NewPostgresPool(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.EnsurePostgresSchema(ctx, pool, a.cfg.Embeddings.Dimension); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.store = database.NewPostgresStore(pool)
	}
	a.logger.Debug("using %s document store", a.cfg.StoreBackend)
	return nil
}

// server builds the HTTP API over the wired services.
func (a *app) server() *api.Server {
	var related api.RelatedFinder
	if a.graph != nil {
		related = a.graph
	}
	return api.New(a.engine, a.chat, related, a.logger)
}

// clear empties the document store and, when enabled, the knowledge graph.
func (a *app) clear(ctx context.Context) error {
	if err := a.store.Clear(ctx); err != nil {
		return err
	}
	a.logger.Info("cleared %s document store", a.cfg.StoreBackend)
	if a.graph != nil {
		if err := a.graph.Purge(ctx); err != nil {
			return fmt.Errorf("clear knowledge graph: %w", err)
		}
		a.logger.Info("cleared knowledge graph")
	}
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
