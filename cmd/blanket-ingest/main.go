package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/config"
	httpapi "github.com/LisianthusW/water-blanket-mqtt-backend/internal/http"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/service"
	"github.com/LisianthusW/water-blanket-mqtt-backend/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// 加载配置（规则集非法直接拒绝启动）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "blanket-ingest")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting blanket-ingest service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.Strings("topics", cfg.Pipeline.Topics),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	// 创建管线服务
	pipeline, err := service.NewPipelineService(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to create pipeline service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动管线
	if err := pipeline.Start(ctx); err != nil {
		zlog.Fatal("Failed to start pipeline service", zap.Error(err))
	}

	// 启动健康检查/只读查询 HTTP 服务
	handler := httpapi.NewPipelineHandler(pipeline, pipeline.ReadingsRepo(), pipeline.EventsRepo(), zlog)
	router := httpapi.NewRouter(zlog)
	router.RegisterPipelineRoutes(handler)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Error("HTTP server shutdown failed", zap.Error(err))
	}

	if err := pipeline.Stop(); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}

	zlog.Info("Service stopped")
}
