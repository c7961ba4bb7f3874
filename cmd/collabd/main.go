package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-collab/internal/api/http"
	"github.com/spec-kit/ticket-collab/internal/api/http/handlers"
	"github.com/spec-kit/ticket-collab/internal/auth"
	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/config"
	"github.com/spec-kit/ticket-collab/internal/events"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/persistence"
	"github.com/spec-kit/ticket-collab/internal/remote"
	"github.com/spec-kit/ticket-collab/internal/repository"
	"github.com/spec-kit/ticket-collab/internal/service"
	"github.com/spec-kit/ticket-collab/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	serviceTokens := auth.NewTokenManager(cfg.Remote.ServiceTokenSecret, cfg.Remote.ServiceTokenTTLMin, cfg.Remote.ServiceSubject)
	base, maxInterval := cfg.Engine.DetailFetchBackoff()
	client := remote.NewHTTPClient(remote.ClientConfig{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.Timeout(),
		Retry: remote.RetryConfig{
			MaxAttempts: cfg.Engine.DetailFetchMaxAttempts,
			BaseBackoff: base,
			MaxInterval: maxInterval,
		},
	}, serviceTokens, logger.Named("remote"))

	var fetcher remote.Fetcher = client
	if cfg.Engine.FetchMode == config.FetchModePostgres && pg.Enabled() {
		fetcher = repository.NewReadModel(repository.ReadModelDependencies{
			TicketRepo:  repository.NewTicketRepository(pg.Pool),
			MessageRepo: repository.NewTicketMessageRepository(pg.Pool),
			Logger:      logger.Named("read_model"),
		})
		logger.Info("using postgres read model for list and detail fetches")
	}

	hub := events.NewHub()
	if redis != nil {
		eventWorker := worker.NewEventWorker(worker.EventWorkerDependencies{
			Client:  redis.Client,
			Channel: redis.Channel,
			Sink:    hub,
			Logger:  logger.Named("event_worker"),
		})
		go func() {
			if err := eventWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event worker stopped", zap.Error(err))
			}
		}()
	} else {
		hub.SetConnected(false)
	}

	engine := service.NewEngine(service.EngineDependencies{
		Source:          hub,
		Client:          client,
		Fetcher:         fetcher,
		Clock:           clock.Real(),
		Logger:          logger.Named("engine"),
		Metrics:         metrics,
		DebounceWindow:  cfg.Engine.DebounceWindow(),
		BulkConcurrency: cfg.Engine.BulkConcurrency,
		BulkMode:        cfg.Engine.BulkMode,
	})
	if err := engine.Init(ctx); err != nil {
		logger.Fatal("failed to init engine", zap.Error(err))
	}

	var authMiddleware *auth.Middleware
	if cfg.App.AuthSecret != "" {
		authMiddleware = auth.NewMiddleware(auth.NewTokenManager(cfg.App.AuthSecret, 0, cfg.App.Name))
	} else {
		logger.Warn("APP_AUTH_SECRET not provided; operator routes are unauthenticated")
	}

	app := httptransport.NewApp(cfg.App.Name)
	httptransport.RegisterMiddlewares(app, logger.Named("http"), metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, engine, pg, redis),
		Views:          handlers.NewViewsHandler(engine, clock.Real(), logger.Named("views")),
		Tickets:        handlers.NewTicketsHandler(engine, clock.Real(), logger.Named("tickets")),
		Merges:         handlers.NewMergesHandler(engine, clock.Real(), logger.Named("merges")),
		Metrics:        adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		AuthMiddleware: authMiddleware,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	engine.Dispose()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
