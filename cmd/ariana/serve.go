package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	agentapi "github.com/ariana-dot-dev/ariana-sub006/internal/agent/api"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/metrics"
	"github.com/ariana-dot-dev/ariana-sub006/internal/common/tracing"
	gateways "github.com/ariana-dot-dev/ariana-sub006/internal/gateway/websocket"
	machineapi "github.com/ariana-dot-dev/ariana-sub006/internal/machine/api"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the sync gateway and the background loops",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadWithPath(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return log, nil
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting control plane",
		zap.String("instance_id", cfg.Worker.InstanceID),
		zap.Bool("run_loops", cfg.Worker.RunLoops))

	if err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	s, err := provideServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			log.Warn("Shutdown cleanup failed", zap.Error(err))
		}
	}()

	// ============================================
	// BACKGROUND LOOPS
	// ============================================
	var matcher machineapi.Kicker
	if cfg.Worker.RunLoops {
		l := newLoops(s, cfg, log)
		if err := l.start(ctx, log); err != nil {
			return fmt.Errorf("start loops: %w", err)
		}
		defer l.stop(log)
		matcher = l.reservation
	} else {
		log.Info("Background loops disabled on this worker")
	}
	defer s.scheduler.Wait()

	// ============================================
	// SYNC GATEWAY
	// ============================================
	hub := gateways.NewHub(s.repo, log)
	if err := hub.Listen(s.bus); err != nil {
		return fmt.Errorf("subscribe sync hub: %w", err)
	}
	go hub.Run(ctx)

	// ============================================
	// HTTP SERVER
	// ============================================
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware(), requestLogger(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"instance": cfg.Worker.InstanceID,
			"relay":    s.bus.IsConnected(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	gateways.NewHandler(hub, cfg.Sync, log).RegisterRoutes(router)

	api := router.Group("/api/v1")
	agentapi.SetupRoutes(api, agentapi.NewHandler(s.repo, s.lifecycle, s.dispatcher, s.scheduler, s.store, log))
	machineapi.SetupRoutes(api, machineapi.NewHandler(s.store, s.queue, s.scheduler, matcher, log))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("Control plane stopped")
	return nil
}
