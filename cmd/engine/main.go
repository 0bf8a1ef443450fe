package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"accessbridge/internal/adapter"
	auditfanout "accessbridge/internal/audit"
	"accessbridge/internal/cache"
	"accessbridge/internal/executor"
	"accessbridge/internal/expiry"
	"accessbridge/internal/intake"
	"accessbridge/internal/ledger"
	"accessbridge/internal/mailbox"
	"accessbridge/internal/platform/config"
	"accessbridge/internal/platform/httpserver"
	"accessbridge/internal/platform/logger"
	"accessbridge/internal/platform/metrics"
	"accessbridge/internal/platform/postgres"
	redisplatform "accessbridge/internal/platform/redis"
	"accessbridge/internal/ratelimit"
	"accessbridge/internal/sweeper"
)

// main wires the engine: the postgres ledger, the redis mailbox and cache,
// per-target executor loops, the drift sweeper, the expiry scheduler, and
// the intake HTTP shell. Fail-fast: any unreachable backend aborts startup.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := redisplatform.New(cfg.Redis)
	if err != nil {
		log.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	store := ledger.NewPostgres(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ledger schema init failed", "error", err)
		os.Exit(1)
	}

	queue := mailbox.NewRedis(redisClient.Client)
	statusCache := cache.NewRedis(redisClient.Client, cfg.CacheTTL)
	engineMetrics := metrics.New()

	var fanout auditfanout.Emitter
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := auditfanout.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAuditTopic,
			auditfanout.WithLogger(log))
		if err != nil {
			log.Error("audit fan-out init failed", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		fanout = publisher
	}

	registry := registerAdapters(cfg.Targets)

	service, err := intake.NewService(store, queue, statusCache,
		intake.WithLogger(log),
		intake.WithMetrics(engineMetrics),
		intake.WithAuditFanout(fanout),
	)
	if err != nil {
		log.Error("intake service init failed", "error", err)
		os.Exit(1)
	}
	handler, err := intake.NewHandler(service, log)
	if err != nil {
		log.Error("intake handler init failed", "error", err)
		os.Exit(1)
	}

	ready := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		return redisClient.Health(ctx)
	}
	limiter := ratelimit.New(ratelimit.NewRedis(redisClient.Client), cfg.RateLimit, cfg.RateLimitWindow, log)
	srv := httpserver.New(cfg.Addr, intake.NewRouter(handler, cfg.JWTSigningKey, limiter, ready),
		httpserver.WithLogger(log),
		httpserver.WithShutdownTimeout(cfg.ShutdownTimeout),
	)

	group, ctx := errgroup.WithContext(ctx)

	for _, target := range cfg.Targets {
		platformAdapter, err := registry.Lookup(target)
		if err != nil {
			log.Error("adapter lookup failed", "error", err, "target", target)
			os.Exit(1)
		}

		// Re-drive anything a crashed consumer left claimed.
		if recovered, err := queue.RecoverClaimed(ctx, target); err != nil {
			log.Error("claimed-item recovery failed", "error", err, "target", target)
			os.Exit(1)
		} else if recovered > 0 {
			log.Info("recovered claimed items", "target", target, "count", recovered)
		}

		for i := 0; i < cfg.WorkersPerTarget; i++ {
			exec, err := executor.New(executor.Config{
				Target:         target,
				MaxAttempts:    cfg.MaxAttempts,
				BackoffBase:    cfg.BackoffBase,
				BackoffCeiling: cfg.BackoffCeiling,
				AttemptTimeout: cfg.AttemptTimeout,
				DequeueTimeout: cfg.DequeueTimeout,
			}, store, queue, statusCache, platformAdapter,
				executor.WithLogger(log),
				executor.WithMetrics(engineMetrics),
				executor.WithAuditFanout(fanout),
			)
			if err != nil {
				log.Error("executor init failed", "error", err, "target", target)
				os.Exit(1)
			}
			group.Go(func() error { return exec.Run(ctx) })
		}

		sw, err := sweeper.New(target, cfg.SweepInterval, store, queue, platformAdapter,
			sweeper.WithLogger(log),
			sweeper.WithMetrics(engineMetrics),
		)
		if err != nil {
			log.Error("sweeper init failed", "error", err, "target", target)
			os.Exit(1)
		}
		group.Go(func() error { return sw.Run(ctx) })
	}

	expiryScheduler, err := expiry.New(cfg.ExpiryInterval, store, queue, expiry.WithLogger(log))
	if err != nil {
		log.Error("expiry scheduler init failed", "error", err)
		os.Exit(1)
	}
	group.Go(func() error { return expiryScheduler.Run(ctx) })

	group.Go(func() error { return srv.Run(ctx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped", "error", err)
		os.Exit(1)
	}
	log.Info("engine shut down cleanly")
}

// registerAdapters binds one adapter per configured target. Real platform
// adapters (cloud IAM, directory services) plug in here; the scripted fake
// stands in until a deployment links its own.
func registerAdapters(targets []string) *adapter.Registry {
	registry := adapter.NewRegistry()
	for _, target := range targets {
		registry.Register(target, adapter.NewFake())
	}
	return registry
}
