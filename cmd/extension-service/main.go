package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/handler"
	"github.com/noah-isme/sma-adp-extension/internal/middleware"
	"github.com/noah-isme/sma-adp-extension/internal/repository"
	"github.com/noah-isme/sma-adp-extension/internal/service"
	"github.com/noah-isme/sma-adp-extension/pkg/cache"
	"github.com/noah-isme/sma-adp-extension/pkg/config"
	"github.com/noah-isme/sma-adp-extension/pkg/database"
	"github.com/noah-isme/sma-adp-extension/pkg/jobs"
	"github.com/noah-isme/sma-adp-extension/pkg/lock"
	"github.com/noah-isme/sma-adp-extension/pkg/logger"
	"github.com/noah-isme/sma-adp-extension/pkg/mail"
	reqidmiddleware "github.com/noah-isme/sma-adp-extension/pkg/middleware/requestid"
	"github.com/noah-isme/sma-adp-extension/pkg/mq/kafka"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("extension service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics := service.NewMetricsService()

	ruleRepo := repository.NewRuleRepository(db)
	if err := seedRules(ctx, cfg.Rules.SeedFile, ruleRepo, logr); err != nil {
		return err
	}

	directory := service.NewDirectoryService(repository.NewDirectoryRepository(db))
	requestRepo := repository.NewRequestRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	var requestCache *service.RequestCache
	if redisClient != nil {
		requestCache = service.NewRequestCache(requestRepo,
			service.NewCacheService(cacheRepo, metrics, cfg.Cache.RequestTTL, logr, cfg.Cache.Enabled), logr)
	} else {
		requestCache = service.NewRequestCache(requestRepo, nil, logr)
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Locking.Distributed && redisClient != nil {
		locker = lock.NewRedisLocker(redisClient)
	}

	transport, closeTransport, err := newTransport(cfg.Mail, logr)
	if err != nil {
		return err
	}
	defer closeTransport()

	mailer := service.NewMailer(repository.NewMailQueueRepository(db), directory, transport, service.MailerConfig{
		Disabled:      cfg.Mail.Disabled,
		DigestSubject: cfg.Mail.DigestSubject,
		ClaimTTL:      cfg.Digest.ClaimTTL,
		BatchLimit:    cfg.Digest.BatchLimit,
	}, logr, service.WithMailerMetrics(metrics))
	dispatcher := service.NewNotificationDispatcher(mailer,
		service.NewPreferenceService(repository.NewPreferenceRepository(db)),
		directory,
		service.DispatcherConfig{ExcludeActor: cfg.Mail.ExcludeActor},
		logr)

	machineOpts := []service.StateMachineOption{service.WithStateMachineMetrics(metrics)}
	deps := service.ExtensionDeps{
		Rules:      service.NewRuleStore(ruleRepo, logr, metrics),
		Evaluator:  service.NewRuleEvaluator(logr, service.WithPrincipalCheck(directory), service.WithEvaluatorMetrics(metrics)),
		Requests:   requestRepo,
		Cache:      requestCache,
		Dispatcher: dispatcher,
		Modules:    directory,
		Principals: directory,
		Locker:     locker,
		LockTTL:    cfg.Locking.RequestTTL,
	}
	if cfg.Events.Enabled {
		publisher, err := kafka.NewPublisher(kafka.PublisherConfig{Brokers: cfg.Events.Brokers, ClientID: cfg.Events.ClientID})
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		events := service.NewEventPublisher(publisher, cfg.Events.Topic, jobs.QueueConfig{
			Workers:    cfg.Events.Workers,
			MaxRetries: cfg.Events.MaxRetries,
			RetryDelay: cfg.Events.RetryDelay,
		}, logr)
		events.Start(ctx)
		defer events.Stop()
		machineOpts = append(machineOpts, service.WithHistorySink(events))
		deps.Events = events
	}
	deps.Machine = service.NewRequestStateMachine(requestRepo, directory, directory, requestCache, logr, machineOpts...)
	extensions := service.NewExtensionService(deps, logr)

	var digest *service.DigestScheduler
	if cfg.Digest.Enabled {
		digest = service.NewDigestScheduler(mailer, locker, service.DigestSchedulerConfig{
			Schedule: cfg.Digest.Schedule,
			LockTTL:  cfg.Digest.LockTTL,
		}, logr)
		if err := digest.Start(ctx); err != nil {
			return fmt.Errorf("start digest scheduler: %w", err)
		}
		defer digest.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           opsRouter(cfg, logr, metrics, extensions, digest, readinessChecks(db, cacheRepo)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("ops server starting", "addr", srv.Addr, "env", cfg.Env, "mail_enabled", mailer.IsEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func opsRouter(cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService, extensions *service.ExtensionService, digest *service.DigestScheduler, checks []handler.ReadinessCheck) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metrics, "/metrics"))

	var ops *handler.MetricsHandler
	if digest != nil {
		ops = handler.NewMetricsHandler(metrics, digest, checks...)
	} else {
		ops = handler.NewMetricsHandler(metrics, nil, checks...)
	}
	requests := handler.NewRequestHandler(extensions)

	r.GET("/health", ops.Health)
	r.GET("/ready", ops.Ready)
	r.GET("/metrics", ops.Prometheus)
	r.POST("/ops/digest/flush", ops.FlushDigest)
	r.POST("/ops/requests/:id/modules/:moduleId/evaluate", requests.Evaluate)
	r.GET("/ops/requests/:id/history", requests.History)
	return r
}

func readinessChecks(db *sqlx.DB, cacheRepo *repository.CacheRepository) []handler.ReadinessCheck {
	return []handler.ReadinessCheck{
		{Name: "postgres", Check: db.PingContext},
		{Name: "redis", Check: cacheRepo.Ping},
	}
}

func seedRules(ctx context.Context, path string, repo *repository.RuleRepository, logr *zap.Logger) error {
	if path == "" {
		return nil
	}
	rules, err := repository.LoadRuleSeedFile(path)
	if err != nil {
		return fmt.Errorf("load rule seed: %w", err)
	}
	if err := repo.BulkUpsert(ctx, rules); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	logr.Info("rules seeded", zap.String("file", path), zap.Int("count", len(rules)))
	return nil
}

func newTransport(cfg config.MailConfig, logr *zap.Logger) (mail.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportSendgrid:
		if cfg.SendgridAPIKey == "" {
			return nil, nil, errors.New("SENDGRID_API_KEY is required for the sendgrid transport")
		}
		return mail.NewSendgridTransport(mail.SendgridConfig{
			APIKey:        cfg.SendgridAPIKey,
			Host:          cfg.SendgridHost,
			FromName:      cfg.FromName,
			FromAddress:   cfg.FromAddress,
			SubjectPrefix: cfg.SubjectPrefix,
		}), func() {}, nil
	case config.TransportAMQP:
		conn, ch, err := mail.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			_ = ch.Close()
			_ = conn.Close()
		}
		return mail.NewAMQPTransport(ch, mail.AMQPConfig{
			Exchange:      cfg.AMQPExchange,
			RoutingKey:    cfg.AMQPRoutingKey,
			FromName:      cfg.FromName,
			FromAddress:   cfg.FromAddress,
			SubjectPrefix: cfg.SubjectPrefix,
		}), closeFn, nil
	case config.TransportLog, "":
		return mail.NewLogTransport(logr), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}
