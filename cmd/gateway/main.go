// Package main 是 runbox 网关服务的入口点。
// 网关对外提供函数管理与执行 API，并在 Docker 容器或本地解释器中运行函数。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oriys/runbox/internal/api"
	"github.com/oriys/runbox/internal/auth"
	"github.com/oriys/runbox/internal/bootstrap"
	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/events"
	"github.com/oriys/runbox/internal/metrics"
	"github.com/oriys/runbox/internal/registry"
	"github.com/oriys/runbox/internal/scheduler"
	"github.com/oriys/runbox/internal/storage"
	"github.com/oriys/runbox/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "/etc/runbox/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logger := telemetry.NewLogger(cfg.Logging)
	logger.Info("Starting runbox gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 遥测初始化失败不影响主服务运行
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
	} else if tel.IsEnabled() {
		defer tel.Shutdown(context.Background())
		logger.AddHook(telemetry.NewLogrusHook())
		logger.WithFields(logrus.Fields{
			"endpoint":    cfg.Telemetry.Endpoint,
			"sample_rate": cfg.Telemetry.SampleRate,
		}).Info("Telemetry initialized")
	}

	pgStore, err := storage.NewPostgresStore(cfg.Storage.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer pgStore.Close()

	var cache registry.FunctionCache
	if cfg.Storage.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(cfg.Storage.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, function cache disabled")
		} else {
			defer redisStore.Close()
			cache = redisStore
		}
	}

	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
		metricsHandler = promhttp.Handler()
	}

	rt := bootstrap.NewRuntime(ctx, cfg, m, logger, bootstrap.EngineOptions{CleanupStale: true})
	defer rt.Close()

	reg := registry.New(pgStore, cache, m, logger)
	if err := reg.SyncMetrics(ctx); err != nil {
		logger.WithError(err).Warn("Failed to sync function metrics")
	}

	feed := api.NewFeedHub(logger)
	defer feed.Close()

	invokerOpts := []scheduler.InvokerOption{scheduler.WithRecorder(pgStore)}
	var fnEvents api.FunctionEventPublisher
	if cfg.Events.Enabled {
		bus, err := events.NewEventBus(cfg.Events.NatsURL, cfg.Telemetry.ServiceName, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer bus.Close()
		fnEvents = bus
		invokerOpts = append(invokerOpts, scheduler.WithPublisher(bus))

		// 事件启用时实时推送由 NATS 驱动，所有网关实例都能看到全部执行
		err = bus.Subscribe(ctx, events.SubjectAllExecutions, func(event *events.Event) error {
			inv, err := events.DecodeInvocation(event)
			if err != nil {
				return err
			}
			feed.Broadcast(inv)
			return nil
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to subscribe to execution events")
		}
	} else {
		invokerOpts = append(invokerOpts, scheduler.WithListener(feed))
	}
	invoker := scheduler.NewInvoker(reg, rt.Engine, logger, invokerOpts...)

	retention := scheduler.NewRetentionManager(cfg.Retention, pgStore, m, logger)
	if err := retention.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start metric retention")
	}
	defer retention.Stop()

	var authMW *auth.Middleware
	var authHandler *api.AuthHandler
	if cfg.Auth.Enabled {
		jwtm := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
		keys := auth.NewStaticKeyValidator(cfg.Auth.APIKeys)
		authMW = auth.NewMiddleware(jwtm, cfg.Auth.APIKeyHeader, keys, true)
		authHandler = api.NewAuthHandler(jwtm, keys)
		logger.WithField("api_keys", keys.Len()).Info("Authentication enabled")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Functions:    reg,
		Invoker:      invoker,
		Metrics:      pgStore,
		Availability: rt.Engine,
		Events:       fnEvents,
		Logger:       logger,
	})

	// 指标端口与主端口不同时单独启动指标服务器，避免公开暴露
	separateMetrics := metricsHandler != nil && cfg.Server.MetricsPort != cfg.Server.HTTPPort
	routerMetrics := metricsHandler
	if separateMetrics {
		routerMetrics = nil
	}

	router := api.NewRouter(&api.RouterConfig{
		Handler:        handler,
		AuthHandler:    authHandler,
		Auth:           authMW,
		Feed:           feed,
		MetricsHandler: routerMetrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ServiceName:    cfg.Telemetry.ServiceName,
		Logger:         logger,
	})

	var metricsServer *http.Server
	if separateMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go serve(metricsServer, "metrics", logger)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	go serve(server, "http", logger)

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先断开实时推送，WebSocket 连接不会被 Shutdown 等待
	feed.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	logger.Info("Server stopped")
}

func serve(srv *http.Server, name string, logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("server", name).Fatal("Server failed")
	}
}
