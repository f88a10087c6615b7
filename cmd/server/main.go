package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/bouncegazer/internal/api/bouncie"
	"github.com/langchou/bouncegazer/internal/api/gmaps"
	"github.com/langchou/bouncegazer/internal/api/handlers"
	"github.com/langchou/bouncegazer/internal/config"
	"github.com/langchou/bouncegazer/internal/device"
	"github.com/langchou/bouncegazer/internal/service"
	"github.com/langchou/bouncegazer/internal/trigger"
	"github.com/langchou/bouncegazer/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting Bouncegazer", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 凭证存储（单个不透明 blob）
	tokenStore := bouncie.NewTokenStore(cfg.TokenFile, logger)
	if err := tokenStore.Load(); err != nil {
		logger.Warn("No existing token found, please authenticate", zap.Error(err))
	}

	// Bouncie API 客户端
	bouncieClient := bouncie.NewClient(
		cfg.BouncieAPIHost,
		cfg.BouncieAuthHost,
		cfg.ClientID,
		cfg.ClientSecret,
		cfg.AuthCode,
		tokenStore,
		logger,
	)

	// Google Maps 客户端
	mapsClient := gmaps.NewClient(cfg.GoogleMapsAPIKey, logger)
	if !mapsClient.IsConfigured() {
		logger.Warn("Google Maps API key not configured, ETA and address lookups disabled")
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 设备表，状态发布广播到 WebSocket
	devices := device.NewRegistry(logger)
	devices.SetUpdateHook(func(imei string, updates []device.StateUpdate) {
		data := make(map[string]any, len(updates))
		for _, u := range updates {
			data[u.Key] = u.Value
		}
		wsHub.BroadcastStateUpdate(imei, data)
	})
	wsHub.SetInitDataProvider(func() any {
		states := make(map[string]map[string]any)
		for _, d := range devices.List() {
			states[d.IMEI] = d.States()
		}
		return states
	})

	// 触发器注册表
	triggers := trigger.NewRegistry(trigger.NewLogExecutor(logger), logger)

	// 车辆服务
	vehicleService := service.NewVehicleService(
		cfg,
		logger,
		bouncieClient,
		mapsClient,
		devices,
		triggers,
	)

	// 启动服务（未授权时轮询会持续失败并记日志，授权接口完成后即恢复）
	if err := vehicleService.Start(ctx); err != nil {
		logger.Error("Failed to start vehicle service", zap.Error(err))
	}

	// HTTP 处理器
	handler := handlers.NewHandler(
		logger,
		cfg,
		devices,
		triggers,
		bouncieClient,
		vehicleService,
		wsHub,
	)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止轮询
	vehicleService.Stop()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config
	if cfg.Debug {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, _ := zapCfg.Build()
	return logger
}
