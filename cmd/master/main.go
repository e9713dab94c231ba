package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ErlanBelekov/media-harvester/config"
	"github.com/ErlanBelekov/media-harvester/internal/accountant"
	"github.com/ErlanBelekov/media-harvester/internal/coordination"
	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/health"
	"github.com/ErlanBelekov/media-harvester/internal/infrastructure/postgres"
	"github.com/ErlanBelekov/media-harvester/internal/jobbuilder"
	ctxlog "github.com/ErlanBelekov/media-harvester/internal/log"
	"github.com/ErlanBelekov/media-harvester/internal/metrics"
	"github.com/ErlanBelekov/media-harvester/internal/notify"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
	"github.com/ErlanBelekov/media-harvester/internal/scheduler"
	"github.com/ErlanBelekov/media-harvester/internal/searchindex"
	httptransport "github.com/ErlanBelekov/media-harvester/internal/transport/http"
	"github.com/ErlanBelekov/media-harvester/internal/transport/http/handler"
	"github.com/ErlanBelekov/media-harvester/internal/usecase"
	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadMaster()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	metrics.Register()
	checker := health.NewChecker(map[string]health.Pinger{
		"postgres": pool,
		"redis":    health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}, logger, prometheus.DefaultRegisterer)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	lock, err := coordination.NewLeaderLock(rdb, coordination.LeaderConfig{Key: cfg.LeaderKey, TTL: cfg.LeaderTTL}, logger)
	if err != nil {
		log.Fatalf("leader lock: %v", err)
	}
	if err := lock.Acquire(ctx); err != nil {
		logger.Info("stopped before becoming leader", "error", err)
		shutdownMetrics(metricsSrv, logger)
		return
	}

	// everything below runs only while this process holds the lock
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	lost := lock.Keep(runCtx)
	go func() {
		<-lost
		if runCtx.Err() == nil {
			logger.Error("leadership lost, shutting down")
		}
		cancelRun()
	}()

	var wg sync.WaitGroup

	acct := accountant.New(logger, cfg.AskTimeout)
	wg.Go(func() { acct.Run(runCtx) })

	jobRepo := postgres.NewJobRepository(pool)
	sourceRepo := postgres.NewSourceDocumentRepository(pool)
	statsRepo := postgres.NewStatisticsRepository(pool)
	writeConcern := repository.ParseWriteConcern(cfg.WriteConcern)

	loader, err := scheduler.NewLoader(jobRepo, sourceRepo, statsRepo, acct, scheduler.LoaderConfig{
		Schedule:         cfg.LoaderSchedule,
		JobsPerIP:        cfg.JobsPerIP,
		MaxTasksInMemory: cfg.MaxTasksInMemory,
		WriteConcern:     writeConcern,
		DefaultLimits: domain.Limits{
			ConnectionTimeout: cfg.DefaultConnectionTimeout,
			MaxRedirects:      cfg.DefaultMaxRedirects,
			TimeLimit:         cfg.DefaultTimeLimit,
			MinBytesPerSecond: cfg.DefaultMinBytesPerSecond,
		},
	}, logger)
	if err != nil {
		log.Fatalf("loader: %v", err)
	}
	wg.Go(func() { loader.Start(runCtx) })

	var index scheduler.IndexMirror
	if cfg.ElasticsearchURL != "" {
		esClient, err := es.NewClient(es.Config{Addresses: []string{cfg.ElasticsearchURL}})
		if err != nil {
			log.Fatalf("elasticsearch: %v", err)
		}
		writer := searchindex.NewWriter(esClient, cfg.SearchIndex, cfg.IndexFlushInterval, logger)
		wg.Go(func() { writer.Start(runCtx) })
		index = writer
	}

	var notifier scheduler.Notifier
	sender := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	if n := notify.NewJobNotifier(sender, cfg.NotifyEmail); n != nil {
		notifier = n
	}

	monitor := scheduler.NewMonitor(jobRepo, sourceRepo, statsRepo, acct, notifier, index, scheduler.MonitorConfig{
		ResponseTimeout: cfg.ResponseTimeout,
		CheckInterval:   cfg.TimeoutCheckInterval,
		WriteConcern:    writeConcern,
	}, logger)
	wg.Go(func() { monitor.Start(runCtx) })

	dispatcher := scheduler.NewDispatcher(acct, loader, scheduler.DispatcherConfig{
		TaskBatchSize:                        cfg.TaskBatchSize,
		DefaultMaxConcurrentConnections:      cfg.DefaultMaxConcurrentConnections,
		IPExceptions:                         cfg.IPExceptions,
		IPExceptionsMaxConcurrentConnections: cfg.IPExceptionsMaxConcurrentConnections,
		IgnoredIPs:                           cfg.IgnoredIPs,
		MinTasksPerIPPercentage:              cfg.MinTasksPerIPPercentage,
	}, logger)

	builder := jobbuilder.New(jobbuilder.NewResolver(jobbuilder.DefaultResolveTTL, nil))
	jobUsecase := usecase.NewJobUsecase(jobRepo, sourceRepo, builder, acct)
	jobHandler := handler.NewJobHandler(jobUsecase, logger)
	taskHandler := handler.NewTaskHandler(dispatcher, monitor, logger)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, jobHandler, taskHandler, []byte(cfg.JWTSecret)),
	}

	go func() {
		logger.Info("server started", "port", cfg.Port, "leader_id", lock.ID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
			cancelRun()
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	wg.Wait()
	if err := lock.Release(shutdownCtx); err != nil && !errors.Is(err, coordination.ErrNotHeld) {
		logger.Error("release leader lock", "error", err)
	}
	shutdownMetrics(metricsSrv, logger)
}

func shutdownMetrics(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
