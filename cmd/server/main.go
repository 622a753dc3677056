package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/api"
	"github.com/notifyhub/delivery-pipeline/internal/api/handler"
	"github.com/notifyhub/delivery-pipeline/internal/config"
	"github.com/notifyhub/delivery-pipeline/internal/db"
	"github.com/notifyhub/delivery-pipeline/internal/dispatch"
	"github.com/notifyhub/delivery-pipeline/internal/dispatch/email"
	"github.com/notifyhub/delivery-pipeline/internal/dispatch/push"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/metrics"
	"github.com/notifyhub/delivery-pipeline/internal/provider"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/render"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/service"
	"github.com/notifyhub/delivery-pipeline/internal/worker"
)

func main() {
	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	logger.Info("starting", zap.Strings("roles", cfg.Roles), zap.String("broker", cfg.Broker))

	ctx := context.Background()
	checks := map[string]handler.Check{}

	// ---- queue fabric ----
	var broker queue.Broker
	var redisBroker *queue.Redis
	switch cfg.Broker {
	case config.BrokerRedis:
		redisBroker, err = queue.NewRedis(ctx, queue.RedisConfig{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			KeyPrefix:    cfg.RedisKeyPrefix,
			BlockTimeout: cfg.RedisBlockTimeout,
			NackDelay:    cfg.NackDelay,
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		broker = redisBroker
		checks["broker"] = func(ctx context.Context) error {
			return redisBroker.Client().Ping(ctx).Err()
		}
	default:
		broker = queue.NewMemory(cfg.MemoryQueueCapacity, cfg.NackDelay, logger)
	}
	defer broker.Close()

	// ---- notification store ----
	var repo repository.NotificationRepository
	if cfg.HasRole(config.RoleIntake) || cfg.HasRole(config.RoleScheduler) {
		var dbPool *pgxpool.Pool
		dbPool, err = db.Connect(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer dbPool.Close()

		if err := db.Migrate(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		logger.Info("database migrations applied")
		repo = repository.NewPgNotificationRepository(dbPool)
		checks["database"] = dbPool.Ping
	}

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "local"
	}

	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	pool := worker.NewPool(broker, instance, logger)

	if cfg.HasRole(config.RoleScheduler) {
		stage := worker.NewSchedulingStage(broker, repo, cfg.QueueScheduled, cfg.QueueRender, logger,
			worker.SchedulingHooks{OnDecision: m.ObserveDecision})
		pool.Add(config.RoleScheduler, cfg.QueuePrimary, cfg.SchedulerSlots, stage.Handle)
		pool.Add(config.RoleScheduler, cfg.QueueScheduled, cfg.SchedulerSlots, stage.Handle)
	}

	if cfg.HasRole(config.RoleRenderer) {
		client := provider.NewHTTPClient(cfg.ProfileServiceURL, cfg.TemplateServiceURL, cfg.CollaboratorTimeout)
		router := dispatch.NewRouter(broker, map[domain.Channel]string{
			domain.ChannelEmail: cfg.QueueEmail,
			domain.ChannelPush:  cfg.QueuePush,
		})
		stage := worker.NewRenderingStage(client, client, render.NewRenderer(), router, logger,
			worker.RenderingHooks{OnEmitted: m.ObserveEmitted, OnSkipped: m.ObserveSkipped})
		pool.Add(config.RoleRenderer, cfg.QueueRender, cfg.RendererSlots, stage.Handle)
	}

	// ---- channel dispatchers ----
	limiter := ratelimiter.New(cfg.RateLimit)
	hooks := dispatch.Hooks{
		OnAttempt: m.ObserveAttempt,
		OnSent:    m.ObserveSent,
		OnFailed:  m.ObserveFailed,
		OnDropped: m.ObserveDropped,
	}
	var opts []dispatch.Option
	if cfg.QueueDeadLetter != "" {
		opts = append(opts, dispatch.WithDeadLetter(broker, cfg.QueueDeadLetter))
	}
	if cfg.DedupTTL > 0 {
		if redisBroker == nil {
			logger.Warn("dedup_ttl ignored: the dedup guard needs the redis broker")
		} else {
			opts = append(opts, dispatch.WithDeduper(
				dispatch.NewRedisDeduper(redisBroker.Client(), cfg.RedisKeyPrefix, cfg.DedupTTL)))
		}
	}

	var emailSender *email.Sender
	if cfg.HasRole(config.RoleEmail) {
		emailSender, err = email.NewSender(email.Config{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			From:        cfg.SMTPFrom,
			Timeout:     cfg.SMTPTimeout,
			ImplicitTLS: cfg.SMTPUseTLS,
			MaxIdle:     cfg.EmailSlots,
		}, logger)
		if err != nil {
			logger.Fatal("failed to configure email sender", zap.Error(err))
		}
		defer emailSender.Close()

		d := dispatch.NewDispatcher(emailSender, limiter,
			dispatch.Policy{MaxAttempts: cfg.EmailMaxAttempts, Backoff: cfg.EmailRetryBackoff},
			logger, hooks, opts...)
		pool.Add(config.RoleEmail, cfg.QueueEmail, cfg.EmailSlots, d.Handle)
	}

	var registry *push.Registry
	var endpoint *push.Endpoint
	// Connections live in this process only: run the push role as a single
	// instance or tasks consumed by a peer find the recipient offline.
	if cfg.HasRole(config.RolePush) {
		registry = push.NewRegistry(m.SetPushConnections)
		defer registry.CloseAll()
		endpoint = push.NewEndpoint(registry, cfg.PushPingInterval, cfg.PushWriteTimeout, logger)

		d := dispatch.NewDispatcher(push.NewSender(registry, cfg.PushWriteTimeout), limiter,
			dispatch.Policy{MaxAttempts: cfg.PushMaxAttempts},
			logger, hooks, opts...)
		pool.Add(config.RolePush, cfg.QueuePush, cfg.PushSlots, d.Handle)
	}

	pool.Start(workerCtx)

	promoter := worker.NewDelayPromoter(broker, cfg.Queues(), cfg.DelayPollInterval, logger)
	go promoter.Run(workerCtx)

	sampler := worker.NewDepthSampler(broker, cfg.Queues(), cfg.DepthSampleInterval, m.SetQueueDepth, logger)
	go sampler.Run(workerCtx)

	// ---- HTTP server ----
	deps := api.Deps{
		Push:     endpoint,
		Depths:   broker,
		Queues:   cfg.Queues(),
		Checks:   checks,
		Gatherer: reg,
		Logger:   logger,
	}
	if cfg.HasRole(config.RoleIntake) {
		deps.Service = service.NewNotificationService(repo, broker, cfg.QueuePrimary, m.ObserveAccepted, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop consuming. In-flight messages finish; unacked ones are redelivered.
	cancelWorkers()
	pool.Wait()

	logger.Info("server stopped cleanly")
}

func newLogger(level string) *zap.Logger {
	var zcfg zap.Config
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
