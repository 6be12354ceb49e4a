package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vowmail/backend/internal/config"
	"vowmail/backend/internal/directory"
	"vowmail/backend/internal/health"
	"vowmail/backend/internal/ingest"
	"vowmail/backend/internal/logger"
	"vowmail/backend/internal/mail/imap"
	"vowmail/backend/internal/mail/ses"
	"vowmail/backend/internal/mail/smtpingest"
	"vowmail/backend/internal/monitoring"
	"vowmail/backend/internal/pool"
	"vowmail/backend/internal/service"
	"vowmail/backend/internal/storage"
	"vowmail/backend/internal/storage/memory"
	"vowmail/backend/internal/storage/postgres"
	redisstore "vowmail/backend/internal/storage/redis"
	httptransport "vowmail/backend/internal/transport/http"
	"vowmail/backend/internal/websocket"
)

// main 启动邮件桥接服务：HTTP API、WebSocket、入站邮件订阅与可选的 SMTP 监听。
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

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.LogFile,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting vowmail bridge",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	var store storage.Store
	switch cfg.Database.Type {
	case "postgres":
		pgStore, err := postgres.NewStore(ctx, postgres.PoolConfig{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err != nil {
			log.Fatal("failed to initialize postgres storage", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
		log.Info("using postgres storage")
	default:
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}

	// 可选的 Redis 目录缓存
	var dirCache directory.Cache
	var cachePinger health.Pinger
	if cfg.Redis.Enabled {
		cache, err := redisstore.NewCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, 10*time.Minute)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer cache.Close()
		dirCache = cache
		cachePinger = cache
		log.Info("directory cache enabled", zap.String("address", cfg.Redis.Address))
	}

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, cachePinger, log)

	// WebSocket Hub：按仪式房间做实时推送
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, cfg.JWT.Secret, store, metrics, log)

	// 出站传输
	transport, err := ses.New(ctx, ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize outbound transport", zap.Error(err))
	}

	// 服务层
	resolver := directory.NewResolver(store, dirCache, log)
	dispatcher := service.NewDispatcher(transport, store, wsHub, metrics, log)
	autoReply := service.NewAutoReplyGuard(store, dispatcher, cfg.Mail.SystemEmail, cfg.Mail.SystemName, metrics, log)
	messageService := service.NewMessageService(store, dispatcher, wsHub, log)

	// 入站处理管线
	workerPool := pool.NewWorkerPool(cfg.Ingest.Workers, cfg.Ingest.QueueSize, log)
	pipeline := ingest.NewPipeline(resolver, store, wsHub, autoReply, workerPool, metrics, log)

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		MessageService: messageService,
		WebSocketHub:   wsHub,
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         log,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// 工作池
	workerPool.Start()

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// IMAP 入站订阅
	var subscription *imap.Subscription
	if cfg.IMAP.Enabled {
		subscription = imap.NewSubscription(imap.Config{
			Host:         cfg.IMAP.Host,
			Port:         fmt.Sprintf("%d", cfg.IMAP.Port),
			Username:     cfg.IMAP.Username,
			Password:     cfg.IMAP.Password,
			TLS:          cfg.IMAP.TLS,
			Mailbox:      cfg.IMAP.Mailbox,
			PollInterval: cfg.IMAP.PollInterval,
		}, log)
		if err := subscription.Start(groupCtx, pipeline.Handler()); err != nil {
			log.Fatal("failed to start IMAP subscription", zap.Error(err))
		}
		log.Info("IMAP subscription started",
			zap.String("host", cfg.IMAP.Host),
			zap.String("mailbox", cfg.IMAP.Mailbox),
		)
	}

	// 可选的直收 SMTP 监听
	var smtpServer interface {
		ListenAndServe() error
		Close() error
	}
	if cfg.SMTP.Enabled {
		limiter := smtpingest.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.MaxConnRate)
		backend := smtpingest.NewBackend(pipeline.Handler(), cfg.SMTP.AllowedDomains, limiter, log)
		srv := smtpingest.NewServer(smtpingest.Config{
			Addr:           cfg.SMTP.BindAddr,
			Domain:         cfg.SMTP.Domain,
			AllowedDomains: cfg.SMTP.AllowedDomains,
			MaxConnections: cfg.SMTP.MaxConnections,
			MaxConnRate:    cfg.SMTP.MaxConnRate,
		}, backend)
		smtpServer = srv

		group.Go(func() error {
			log.Info("starting SMTP listener",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := srv.ListenAndServe(); err != nil {
				log.Error("SMTP listener error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if subscription != nil {
			subscription.Stop()
		}

		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP listener close warning", zap.Error(err))
			}
		}

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 排空在途的入站任务
		workerPool.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
