package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"media-gen-service/internal/api"
	"media-gen-service/internal/cache"
	"media-gen-service/internal/config"
	"media-gen-service/internal/engine"
	"media-gen-service/internal/logging"
	"media-gen-service/internal/metrics"
	"media-gen-service/internal/model"
	"media-gen-service/internal/poller"
	"media-gen-service/internal/provider"
	"media-gen-service/internal/queue"
	"media-gen-service/internal/ratelimit"
	"media-gen-service/internal/registry"
	"media-gen-service/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化数据库
	db, err := model.Open(cfg.Database.Path, cfg.Database.Debug)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	history := model.NewRepository(db)

	// 3. 初始化存储
	ossStorage, err := storage.NewOSSStorage(cfg.Storage.OSS)
	if err != nil {
		return fmt.Errorf("init oss: %w", err)
	}
	publicBase := cfg.Storage.PublicBaseURL
	if publicBase == "" {
		publicBase = fmt.Sprintf("http://localhost:%d/storage", cfg.Server.Port)
	}
	store := storage.New(&storage.LocalStorage{BaseDir: cfg.Storage.LocalDir, PublicBaseURL: publicBase}, ossStorage, logger)

	// 4. 指标
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("media_gen", promRegistry)

	// 5. 结果缓存，可选 redis 二级缓存
	var rdb *redis.Client
	if cfg.Cache.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing with in-memory cache only", zap.String("addr", cfg.Cache.Redis.Addr), zap.Error(err))
		}
		cancel()
	}
	resultCache := cache.New(cache.Options{
		SweepInterval: cfg.Cache.SweepInterval,
		Redis:         rdb,
		RedisPrefix:   cfg.Cache.Redis.Prefix,
		Logger:        logger,
	})

	// 6. 模型目录、限流表与 provider
	models, err := registry.New(cfg.Models.ImageModels(), cfg.Models.VideoModels())
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}
	tracker := ratelimit.NewTracker()
	client := provider.NewClient(provider.Options{
		APIBase:      cfg.Provider.APIBase,
		APIKey:       cfg.Provider.APIKey,
		APIKeyHeader: cfg.Provider.APIKeyHeader,
		Timeout:      time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		Observer:     tracker,
		Logger:       logger,
	})
	taskPoller := poller.New(client, poller.Options{
		Interval:    cfg.Poller.Interval,
		MaxAttempts: cfg.Poller.MaxAttempts,
		Logger:      logger,
	})
	fallback, err := provider.NewFallback(cfg.Fallback, logger)
	if err != nil {
		return fmt.Errorf("init fallback: %w", err)
	}
	if fallback != nil {
		logger.Info("fallback provider enabled", zap.String("fallback", fallback.Name()))
	}

	// 7. 生成引擎
	eng, err := engine.New(engine.Deps{
		Registry:  models,
		Tracker:   tracker,
		Cache:     resultCache,
		Client:    client,
		Poller:    taskPoller,
		Fallback:  fallback,
		Publisher: store,
		History:   history,
		Metrics:   collector,
		Logger:    logger,
	}, engine.Options{
		ImageThreshold: cfg.Engine.ImageThreshold,
		VideoThreshold: cfg.Engine.VideoThreshold,
		ImageTTL:       cfg.Engine.ImageTTL,
		VideoTTL:       cfg.Engine.VideoTTL,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	// 8. 异步任务队列
	jobs := queue.New(api.JobRunner(eng), queue.Options{
		Size:       cfg.Queue.Size,
		Retention:  cfg.Queue.Retention,
		JobTimeout: cfg.Queue.JobTimeout,
		Metrics:    collector,
		Logger:     logger,
	})

	// 9. 设置路由
	var limiter *rate.Limiter
	if cfg.Server.RateLimit.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit.RPS), cfg.Server.RateLimit.Burst)
	}
	handler := &api.Handler{
		Engine:   eng,
		Queue:    jobs,
		Registry: models,
		Tracker:  tracker,
		History:  history,
		Saver:    store,
		Logger:   logger,
	}
	router := api.NewRouter(handler, api.RouterOptions{
		Mode:       cfg.Server.Mode,
		Limiter:    limiter,
		StorageDir: cfg.Storage.LocalDir,
		Gatherer:   promRegistry,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 10. 优雅启动与关闭
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return resultCache.Run(gctx) })
	g.Go(func() error { return jobs.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}
