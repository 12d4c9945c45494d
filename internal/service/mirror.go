package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"mirror-vitals/internal/alerts"
	"mirror-vitals/internal/config"
	"mirror-vitals/internal/consumer"
	"mirror-vitals/internal/httpapi"
	"mirror-vitals/internal/mqtt"
	"mirror-vitals/internal/report"
	"mirror-vitals/internal/repository"
	"mirror-vitals/internal/subscription"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// MirrorService 镜面体征服务（整合各层）
type MirrorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	readingsRepo  *repository.ReadingsRepository
	alertsRepo    *repository.AlertsRepository
	cacheManager  *consumer.CacheManager
	subscriptions *subscription.Manager
	presenters    *alerts.Registry
	pipeline      *Pipeline
	mqttClient    *mqtt.Client
	mqttConsumer  *consumer.MQTTConsumer
	reportClient  *report.Client
	httpServer    *http.Server
}

// NewMirrorService 创建镜面体征服务
func NewMirrorService(cfg *config.Config, logger *zap.Logger) (*MirrorService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 测试数据库连接
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// 测试 Redis 连接
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	readingsRepo := repository.NewReadingsRepository(db, logger)
	alertsRepo := repository.NewAlertsRepository(db, logger)

	// 4. 创建缓存与订阅层
	cacheManager := consumer.NewCacheManager(cfg, redisClient, logger)
	subs := subscription.NewManager(logger)

	// 5. 创建摄入流水线
	pipeline := NewPipeline(
		readingsRepo,
		alertsRepo,
		cacheManager,
		subs,
		cfg.ThresholdSet(),
		time.Duration(cfg.Mirror.AlertDedupMinutes)*time.Minute,
		cfg.Mirror.AlertListLimit,
		logger,
	)

	// 6. 连接 MQTT 并创建消费者
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt broker: %w", err)
	}
	mqttConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, pipeline, logger)

	// 7. 创建报告客户端与 HTTP 层
	// 快照流端点持有订阅句柄和告警展示器，连接断开时释放
	reportClient := report.NewClient(cfg, logger)
	presenters := alerts.NewRegistry(alertsRepo, logger)
	handler := httpapi.NewMirrorHandler(
		readingsRepo,
		alertsRepo,
		cacheManager,
		reportClient,
		subs,
		presenters,
		cfg.ThresholdSet(),
		cfg.Mirror.AlertListLimit,
		logger,
	)
	router := httpapi.NewRouter(logger)
	router.RegisterMirrorRoutes(handler)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	return &MirrorService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		logger:        logger,
		readingsRepo:  readingsRepo,
		alertsRepo:    alertsRepo,
		cacheManager:  cacheManager,
		subscriptions: subs,
		presenters:    presenters,
		pipeline:      pipeline,
		mqttClient:    mqttClient,
		mqttConsumer:  mqttConsumer,
		reportClient:  reportClient,
		httpServer:    httpServer,
	}, nil
}

// Start 启动服务（MQTT 消费者 + HTTP 服务），阻塞直到上下文取消
func (s *MirrorService) Start(ctx context.Context) error {
	s.logger.Info("Starting mirror service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.String("mqtt_topic", s.config.MQTT.Topic),
	)

	errCh := make(chan error, 2)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	go func() {
		if err := s.mqttConsumer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("mqtt consumer failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop 停止服务
func (s *MirrorService) Stop() error {
	s.logger.Info("Stopping mirror service")

	// 停止 MQTT 消费者
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.mqttConsumer.Stop(stopCtx); err != nil {
		s.logger.Error("Failed to stop mqtt consumer",
			zap.Error(err),
		)
	}
	s.mqttClient.Disconnect()

	// 释放全部快照订阅和告警展示器
	s.subscriptions.ReleaseAll()
	s.presenters.ReleaseAll()

	// 优雅关闭 HTTP 服务
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown http server",
			zap.Error(err),
		)
	}

	// 关闭数据库连接
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	// 关闭 Redis 连接
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
