// Package runtime assembles the driven adapters selected by configuration
// into a ready matching pipeline.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/bidmatch/internal/adapters/driven/ai"
	"github.com/custodia-labs/bidmatch/internal/adapters/driven/auth"
	"github.com/custodia-labs/bidmatch/internal/adapters/driven/filesystem"
	"github.com/custodia-labs/bidmatch/internal/adapters/driven/metrics"
	"github.com/custodia-labs/bidmatch/internal/adapters/driven/pgvector"
	"github.com/custodia-labs/bidmatch/internal/adapters/driven/postgres"
	postgresqueue "github.com/custodia-labs/bidmatch/internal/adapters/driven/queue/postgres"
	redisqueue "github.com/custodia-labs/bidmatch/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/bidmatch/internal/adapters/driven/redis"
	"github.com/custodia-labs/bidmatch/internal/adapters/driven/vespa"
	"github.com/custodia-labs/bidmatch/internal/config"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driving"
	"github.com/custodia-labs/bidmatch/internal/core/services"
)

// App holds every component built from one Config.
// Optional components are nil when their backend is not configured.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store         driven.ObjectStore
	Queue         driven.WorkQueue
	Lock          driven.DistributedLock
	LLM           driven.LLMService
	Embedding     driven.EmbeddingService
	KnowledgeBase driven.KnowledgeBase
	Tokens        driven.TokenService

	// CapabilityStore is set for the pgvector backend and accepts
	// knowledge base documents
	CapabilityStore *pgvector.KnowledgeBase

	Observer driven.PipelineObserver
	Metrics  *metrics.Observer

	// MetricsHandler serves the App's registry; nil when metrics are disabled
	MetricsHandler http.Handler

	Coordinator *services.BatchCoordinator
	Intake      driving.WorkItemIntake

	// Checks are the readiness probes of the configured backends
	Checks map[string]func(ctx context.Context) error

	closers []func() error
}

// Build connects the configured backends and wires the pipeline.
// On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Observer: driven.NopObserver{},
		Checks:   make(map[string]func(ctx context.Context) error),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	var (
		db          *postgres.DB
		redisClient *redis.Client
	)
	if needsPostgres(cfg) {
		db, err = postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		app.onClose(db.Close)
		if err = db.InitSchema(ctx); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
		logger.Info("connected to postgres")
	}
	if needsRedis(cfg) {
		redisClient, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		app.onClose(redisClient.Close)
		logger.Info("connected to redis")
	}

	if err = app.buildStore(db); err != nil {
		return nil, err
	}
	if err = app.buildQueue(ctx, db, redisClient); err != nil {
		return nil, err
	}
	app.buildLock(db, redisClient)
	app.buildMetrics()

	if err = app.buildAI(ctx); err != nil {
		return nil, err
	}
	if err = app.buildKnowledgeBase(ctx); err != nil {
		return nil, err
	}

	if cfg.Auth.JWTSecret != "" {
		app.Tokens = auth.NewAdapter(cfg.Auth.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set, API authentication disabled")
	}

	app.Coordinator = NewPipeline(cfg, PipelineDeps{
		Store:         app.Store,
		LLM:           app.LLM,
		KnowledgeBase: app.KnowledgeBase,
		Lock:          app.Lock,
		Observer:      app.Observer,
		Logger:        logger,
	})
	if app.Queue != nil {
		app.Intake = services.NewIntakeService(app.Queue, cfg.Queue.MaxAttempts, logger)
	}

	logger.Info("pipeline ready",
		"storage", cfg.Storage.Backend,
		"queue", cfg.QueueBackend(),
		"lock", cfg.LockBackend(),
		"llm", cfg.LLM.Provider,
		"knowledge_base", cfg.KnowledgeBase.Backend,
		"metrics", app.Metrics != nil,
	)
	return app, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildStore(db *postgres.DB) error {
	switch a.Config.Storage.Backend {
	case config.BackendPostgres:
		a.Store = postgres.NewObjectStore(db)
	default:
		store, err := filesystem.NewObjectStore(a.Config.Storage.Root)
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}
		a.Store = store
	}
	a.Checks["storage"] = a.Store.Ping
	return nil
}

func (a *App) buildQueue(ctx context.Context, db *postgres.DB, client *redis.Client) error {
	switch a.Config.QueueBackend() {
	case config.BackendRedis:
		consumer := a.Config.Queue.ConsumerName
		if consumer == "" {
			consumer = defaultConsumerName()
		}
		q, err := redisqueue.NewQueue(ctx, client, redisqueue.Config{
			ConsumerName: consumer,
			ClaimTimeout: a.Config.Queue.ClaimTimeout,
		})
		if err != nil {
			return fmt.Errorf("create redis queue: %w", err)
		}
		a.Queue = q
	case config.BackendPostgres:
		a.Queue = postgresqueue.NewQueue(db.DB, postgresqueue.Config{
			VisibilityTimeout: a.Config.Queue.VisibilityTimeout,
		})
	default:
		return nil
	}
	a.onClose(a.Queue.Close)
	a.Checks["queue"] = a.Queue.Ping
	return nil
}

func (a *App) buildLock(db *postgres.DB, client *redis.Client) {
	switch a.Config.LockBackend() {
	case config.BackendRedis:
		a.Lock = redisadapter.NewLock(client)
	case config.BackendPostgres:
		a.Lock = postgres.NewLeaseLock(db)
	default:
		return
	}
	a.Checks["lock"] = a.Lock.Ping
}

func (a *App) buildMetrics() {
	if !a.Config.Metrics.Enabled {
		return
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewObserver(reg)
	a.Observer = a.Metrics
	a.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (a *App) buildAI(ctx context.Context) error {
	factory := ai.NewFactory()
	cfg := a.Config

	llm, err := factory.CreateLLMService(ctx, &ai.LLMSettings{
		Provider:          ai.Provider(cfg.LLM.Provider),
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.ScoringModel,
		BaseURL:           cfg.LLM.BaseURL,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
	if err != nil {
		return fmt.Errorf("create llm service: %w", err)
	}
	if llm == nil {
		return errors.New("no llm provider configured")
	}
	a.LLM = llm
	a.onClose(llm.Close)
	a.Checks["llm"] = llm.Ping

	embedder, err := factory.CreateEmbeddingService(ctx, &ai.EmbeddingSettings{
		Provider:   ai.Provider(cfg.Embedding.Provider),
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create embedding service: %w", err)
	}
	if embedder != nil {
		a.Embedding = embedder
		a.onClose(embedder.Close)
		a.Checks["embedding"] = embedder.HealthCheck
		a.Logger.Info("embedding service ready", "model", embedder.Model(), "dimensions", embedder.Dimensions())
	}
	return nil
}

func (a *App) buildKnowledgeBase(ctx context.Context) error {
	cfg := a.Config.KnowledgeBase
	switch cfg.Backend {
	case config.BackendVespa:
		vcfg := vespa.DefaultConfig(cfg.VespaURL)
		if cfg.DocumentType != "" {
			vcfg.DocumentType = cfg.DocumentType
		}
		if cfg.TargetHits > 0 {
			vcfg.TargetHits = cfg.TargetHits
		}
		if cfg.Timeout > 0 {
			vcfg.Timeout = cfg.Timeout
		}
		vcfg.Embedder = a.Embedding
		vcfg.Logger = a.Logger.With("component", "vespa")
		a.KnowledgeBase = vespa.NewKnowledgeBase(vcfg)
	case config.BackendPgvector:
		pool, err := pgvector.Connect(ctx, a.Config.KnowledgeBaseDSN())
		if err != nil {
			return fmt.Errorf("connect knowledge base: %w", err)
		}
		a.onClose(func() error {
			pool.Close()
			return nil
		})
		kb, err := pgvector.NewKnowledgeBase(pgvector.Config{
			DB:       pool,
			Embedder: a.Embedding,
			Logger:   a.Logger.With("component", "pgvector"),
		})
		if err != nil {
			return err
		}
		if err := kb.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure knowledge base schema: %w", err)
		}
		a.CapabilityStore = kb
		a.KnowledgeBase = kb
	default:
		a.Logger.Warn("no knowledge base configured, matches will carry no evidence")
		return nil
	}
	a.Checks["knowledge_base"] = a.KnowledgeBase.HealthCheck
	return nil
}

func needsPostgres(cfg *config.Config) bool {
	return cfg.Storage.Backend == config.BackendPostgres ||
		cfg.QueueBackend() == config.BackendPostgres ||
		cfg.LockBackend() == config.BackendPostgres
}

func needsRedis(cfg *config.Config) bool {
	return cfg.QueueBackend() == config.BackendRedis ||
		cfg.LockBackend() == config.BackendRedis
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
