package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mirror-vitals/internal/config"
	"mirror-vitals/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	logger, err := initLogger(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer logger.Sync()

	// 3. 创建服务
	mirrorService, err := service.NewMirrorService(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create mirror service",
			zap.Error(err),
		)
	}

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := mirrorService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case err := <-serviceErrChan:
		// Fatal 会跳过清理，这里走正常停止路径后再以非零码退出
		logger.Error("Service error",
			zap.Error(err),
		)
		exitCode = 1
	}

	cancel() // 取消上下文，停止服务

	if err := mirrorService.Stop(); err != nil {
		logger.Error("Failed to stop mirror service",
			zap.Error(err),
		)
		exitCode = 1
	}

	logger.Info("Mirror service stopped")

	if exitCode != 0 {
		_ = logger.Sync()
		os.Exit(exitCode)
	}
}

// initLogger 初始化日志
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if cfg.Log.Format == "json" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		return nil, err
	}

	return logger, nil
}
