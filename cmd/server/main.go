package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/gateway/internal/config"
	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/events"
	"tempmail/gateway/internal/health"
	"tempmail/gateway/internal/logger"
	"tempmail/gateway/internal/monitoring"
	"tempmail/gateway/internal/service"
	"tempmail/gateway/internal/smtp"
	"tempmail/gateway/internal/storage"
	"tempmail/gateway/internal/storage/memory"
	redisstore "tempmail/gateway/internal/storage/redis"
	"tempmail/gateway/internal/storage/sqlstore"
	httptransport "tempmail/gateway/internal/transport/http"
	"tempmail/gateway/internal/websocket"
)

// main 启动 SMTP 收信网关与 HTTP 查询服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log := logger.Must(cfg.Log)
	defer func() { _ = log.Sync() }()

	log.Info("starting tempmail gateway",
		zap.Strings("domains", cfg.Mailbox.AllowedDomains),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	metrics := monitoring.NewMetrics()

	store, err := openStore(cfg.Database, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("store close warning", zap.Error(err))
		}
	}()

	healthChecker := health.NewHealthChecker(store.Health, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 配置了 Redis 时使用发布订阅总线，多个网关实例共享新邮件通知
	var bus events.Bus
	if cfg.Redis.Address != "" {
		rdb, err := redisstore.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()

		healthChecker.AddReadinessCheck("redis", rdb.Ping)
		bus = events.NewRedisBus(rdb.Client(), cfg.Redis.Channel, log)
		log.Info("using redis event bus", zap.String("channel", cfg.Redis.Channel))
	} else {
		bus = events.NewLocalBus()
	}
	bus = events.NewAsyncBus(bus, events.DefaultPublishWorkers, events.DefaultPublishQueue, log)
	defer func() { _ = bus.Close() }()

	domains := domain.NewDomainSet(cfg.Mailbox.AllowedDomains)
	identities := service.NewIdentityService(store, domains, cfg.Mailbox.ListLimit, metrics, log)
	reaper := service.NewReaper(store, cfg.Mailbox.ReapInterval, cfg.Mailbox.Retention, metrics, log)
	wsHub := websocket.NewHub(bus, identities, cfg.CORS.AllowedOrigins, metrics, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:     cfg,
		Identities: identities,
		Hub:        wsHub,
		Health:     healthChecker,
		Metrics:    metrics,
		Logger:     log,
	})

	httpAddr := cfg.HTTPAddr()
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	smtpBackend := smtp.NewBackend(store, domains,
		smtp.WithBus(bus),
		smtp.WithLimiter(smtp.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.MaxConnRate)),
		smtp.WithMetrics(metrics),
		smtp.WithLogger(log),
		smtp.WithMaxMessageBytes(cfg.SMTP.MaxMessageBytes),
		smtp.WithBodyLimit(cfg.Mailbox.BodyLimit),
	)
	smtpServer := smtp.NewServer(smtpBackend,
		cfg.SMTP.BindAddr,
		cfg.SMTP.Domain,
		cfg.SMTP.ReadTimeout,
		cfg.SMTP.WriteTimeout,
		cfg.SMTP.MaxRecipients,
	)

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 过期身份清理 goroutine
	group.Go(func() error {
		return reaper.Run(groupCtx)
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		return wsHub.Run(groupCtx)
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 等待进行中的 SMTP 会话结束
		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("SMTP server shutdown warning", zap.Error(err))
			_ = smtpServer.Close()
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}

// openStore 根据配置选择存储后端
func openStore(cfg config.DatabaseConfig, log *zap.Logger) (storage.Store, error) {
	if cfg.Type == "memory" {
		log.Warn("using memory storage, data is lost on restart")
		return memory.NewStore(), nil
	}

	store, err := sqlstore.NewStore(cfg.Type, cfg.DSN, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Type, err)
	}

	log.Info("database storage initialized", zap.String("type", store.Dialect()))
	return store, nil
}
