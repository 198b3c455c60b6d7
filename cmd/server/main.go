// Package main is the entry point for the approvals workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/capability"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/internal/notify"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "approvals", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Event bus. Publishers feed the publish behavior and hook; the router
	// feeds the target trigger.
	wmLogger := observability.NewWatermillLogger(logger)
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wmLogger)
	defer pubSub.Close()

	// Capabilities and registries.
	capResolver, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}
	// A nil *Resolver must not reach the guards as a non-nil interface.
	var caps model.CapabilityResolver
	if capResolver != nil {
		caps = capResolver
	} else {
		logger.Warn("no static policy file configured, capability guards are unavailable")
	}
	assignments := capability.NewAssignments()

	behaviors := workflow.DefaultBehaviors(pubSub)
	notify.NewWebhookBehavior(cfg.Notify, metrics, logger).Register(behaviors)
	guards := workflow.DefaultGuards(caps, assignments)
	hooks := workflow.DefaultHooks(logger, pubSub, cfg.Workflow.Events.TransitionTopic)

	known := &definition.KnownTypes{
		Behaviors: behaviors.Names(),
		Guards:    guards.Names(),
		Hooks:     hooks.Names(),
	}

	// Definitions.
	defs, err := loadDefinitions(cfg.Definitions, known, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// Store and lock.
	store, storeCloser, err := buildWorkflowStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	locker, lockCloser, err := buildLocker(ctx, cfg.Workflow.Lock, logger)
	if err != nil {
		logger.Error("instance lock initialization failed", zap.Error(err))
		return 1
	}
	if lockCloser != nil {
		defer lockCloser()
	}

	engine := workflow.NewEngine(registry, store,
		workflow.WithBehaviors(behaviors),
		workflow.WithGuards(guards),
		workflow.WithHooks(hooks),
		workflow.WithLocker(locker),
		workflow.WithAssignments(assignments),
		workflow.WithCapabilities(caps),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
		workflow.WithChainLimit(cfg.Workflow.ChainLimit),
		workflow.WithChoiceRevalidation(cfg.Workflow.RevalidateChoices),
	)

	// Background work.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var sweeper *workflow.Sweeper
	if cfg.Workflow.Sweeper.Enabled {
		sweeper = workflow.NewSweeper(engine, store,
			cfg.Workflow.Sweeper.Schedule, cfg.Workflow.Sweeper.BatchSize, metrics, logger,
			workflow.SweepActive(cfg.Workflow.Sweeper.IncludeActive))
		if err := sweeper.Start(); err != nil {
			logger.Error("sweeper start failed", zap.Error(err))
			return 1
		}
	}

	var eventRouter *message.Router
	if cfg.Workflow.Events.SubscribeTargets {
		eventRouter, err = message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, wmLogger)
		if err != nil {
			logger.Error("event router initialization failed", zap.Error(err))
			return 1
		}
		eventRouter.AddMiddleware(middleware.Recoverer, middleware.CorrelationID)
		workflow.NewTrigger(engine, store, logger).Register(eventRouter, pubSub, cfg.Workflow.Events.TargetTopic)
		go func() {
			if err := eventRouter.Run(bgCtx); err != nil {
				logger.Error("event router stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Definitions.ReloadInterval > 0 {
		go runDefinitionReloader(bgCtx, cfg.Definitions, known, registry, capResolver, metrics, logger)
	}

	// HTTP.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, transport.JWKSKeyFunc(jwks)),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Len() > 0 },
			WorkflowStore:     store,
			Locker:            locker,
			IdentityProvider:  jwks,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.String("store", cfg.Workflow.Store.Driver),
		zap.String("lock", cfg.Workflow.Lock.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	bgCancel()
	if eventRouter != nil {
		if err := eventRouter.Close(); err != nil {
			logger.Error("event router close error", zap.Error(err))
		}
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// loadDefinitions reads and validates every definition file. Any validation
// error fails the load.
func loadDefinitions(cfg config.DefinitionsConfig, known *definition.KnownTypes, logger *zap.Logger) ([]model.DefinitionFile, error) {
	defs, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}
	if verrs := definition.NewValidator(known).Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("%d definition validation errors", len(verrs))
	}
	return defs, nil
}

// runDefinitionReloader periodically re-reads definitions and the static
// policy. A failed reload keeps the previous definitions.
func runDefinitionReloader(
	ctx context.Context,
	cfg config.DefinitionsConfig,
	known *definition.KnownTypes,
	registry *definition.Registry,
	capResolver *capability.Resolver,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			defs, err := loadDefinitions(cfg, known, logger)
			if err != nil {
				metrics.RecordDefinitionReload("error")
				logger.Error("definition reload failed, keeping previous set", zap.Error(err))
				continue
			}
			before := registry.Checksum()
			registry.Replace(defs)
			metrics.RecordDefinitionReload("success")
			metrics.SetDefinitionsLoaded(float64(registry.Len()))
			if registry.Checksum() != before {
				logger.Info("definitions reloaded", zap.Int("workflows", registry.Len()))
			}
			if capResolver != nil {
				if err := capResolver.Reload(); err != nil {
					logger.Error("capability policy reload failed", zap.Error(err))
				}
			}
		}
	}
}

// buildCapabilityResolver creates the resolver behind the capability guard.
// Without a policy file nobody holds any capability.
func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	if cfg.StaticPolicyFile == "" {
		return nil, nil
	}
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	resolver := capability.NewResolver(evaluator, cfg.Cache.TTL)
	resolver.SetMetrics(metrics)
	return resolver, nil
}

type healthyStore interface {
	workflow.WorkflowStore
	observability.HealthChecker
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (healthyStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgWorkflowStore(pool)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
		}
		logger.Info("using postgres workflow store", zap.Bool("auto_migrate", cfg.AutoMigrate))
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

type healthyLocker interface {
	workflow.Locker
	observability.HealthChecker
}

// buildLocker creates the per-instance lock based on config.
func buildLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (healthyLocker, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		return workflow.NewMemoryLocker(cfg.Wait), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("instance lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("instance lock: ping: %w", err)
		}
		logger.Info("using redis instance lock", zap.String("addr", addr))
		return workflow.NewRedisLocker(client, cfg.TTL, cfg.Wait), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}
