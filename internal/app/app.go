// Package app initializes and holds the long-lived application
// services, acting as the dependency injection container for the
// worker and the admin server.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/api"
	"github.com/koyorikoyote/datascraper-api-example/internal/classify"
	"github.com/koyorikoyote/datascraper-api-example/internal/clock/system"
	"github.com/koyorikoyote/datascraper-api-example/internal/config"
	"github.com/koyorikoyote/datascraper-api-example/internal/crm"
	"github.com/koyorikoyote/datascraper-api-example/internal/fetcher"
	"github.com/koyorikoyote/datascraper-api-example/internal/id/uuid"
	"github.com/koyorikoyote/datascraper-api-example/internal/logging"
	"github.com/koyorikoyote/datascraper-api-example/internal/metrics"
	"github.com/koyorikoyote/datascraper-api-example/internal/pipeline"
	"github.com/koyorikoyote/datascraper-api-example/internal/queue/sqs"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
	"github.com/koyorikoyote/datascraper-api-example/internal/serp"
	"github.com/koyorikoyote/datascraper-api-example/internal/storage/postgres"
	"github.com/koyorikoyote/datascraper-api-example/internal/worker"
)

// App holds the shared services. Initialized once at startup and
// handed to the commands that need it.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool

	pageFetcher ranker.PageFetcher

	producer *sqs.Producer
	queue    *sqs.Client
	pipeline *pipeline.Pipeline
	consumer *worker.Consumer
	server   *api.Server
}

// NewApp builds the full service graph from configuration, failing
// fast when a critical dependency cannot be initialized.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	metrics.Init()
	logger.Info("initializing application services")

	pool, err := postgres.Connect(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	historyStore := postgres.NewHistoryStore(pool, logger)
	keywordStore := postgres.NewKeywordStore(pool, logger)
	serpStore := postgres.NewSerpStore(pool, logger)
	scoreStore := postgres.NewScoreStore(pool)

	queueClient, err := sqs.New(ctx, cfg.SQS, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize queue client: %w", err)
	}

	clk := system.New()
	ids := uuid.NewUUIDGenerator()
	producer := sqs.NewProducer(queueClient, historyStore, ids, clk, cfg.Worker.MaxRetries, logger)

	searchClient := serp.New(cfg.Search, logger)
	classifier := classify.New(cfg.Classifier, logger)

	var crmClient ranker.CRMClient
	if cfg.CRM.Enabled {
		crmClient = crm.New(cfg.CRM, logger)
	}

	headless, err := fetcher.NewHeadless(fetcher.HeadlessConfig{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Headless.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize headless renderer: %w", err)
	}
	probe := fetcher.NewProbe(fetcher.ProbeConfig{
		UserAgent:    cfg.Headless.UserAgent,
		PerHostRPS:   cfg.Headless.PerHostRPS,
		PerHostBurst: cfg.Headless.PerHostBurst,
	})
	pageFetcher := fetcher.New(probe, headless, logger)

	pipe := pipeline.New(keywordStore, serpStore, scoreStore, historyStore,
		searchClient, classifier, crmClient, pageFetcher, clk,
		pipeline.Options{ItemTimeout: cfg.ItemTimeout(), ItemDelay: cfg.ItemDelay()},
		logger)

	router := worker.NewRouter(pipe, logger)
	consumer := worker.NewConsumer(queueClient, historyStore, keywordStore, serpStore,
		router, clk, worker.Options{
			MaxRetries:           cfg.Worker.MaxRetries,
			LargeJobThreshold:    cfg.Worker.LargeJobThreshold,
			MaxConsecutiveErrors: cfg.Worker.MaxConsecutiveErrors,
			BackoffCap:           time.Duration(cfg.Worker.BackoffCapSecs) * time.Second,
			ExtendInterval:       cfg.ExtendInterval(),
			ExtendBy:             cfg.ExtendBy(),
		}, logger)

	server := api.NewServer(historyStore, producer, queueClient, pipe, cfg, logger)

	logger.Info("application services initialized")
	return &App{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		pageFetcher: pageFetcher,
		producer:    producer,
		queue:       queueClient,
		pipeline:    pipe,
		consumer:    consumer,
		server:      server,
	}, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Consumer returns the queue consumer.
func (a *App) Consumer() *worker.Consumer { return a.consumer }

// Producer returns the job producer.
func (a *App) Producer() *sqs.Producer { return a.producer }

// Server returns the admin API server.
func (a *App) Server() *api.Server { return a.server }

// Close shuts the services down. Called by a Cobra hook after the
// command finishes.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.pageFetcher.Close()
	a.pool.Close()
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("failed to sync logger on shutdown", zap.Error(err))
	}
}
