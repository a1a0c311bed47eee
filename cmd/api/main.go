package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arena-control-backend/internal/config"
	"arena-control-backend/internal/handlers"
	"arena-control-backend/internal/middleware"
	"arena-control-backend/internal/models"
	"arena-control-backend/internal/observability"
	"arena-control-backend/internal/services"
)

const (
	bridgePath      = "/bridge"
	shutdownTimeout = 15 * time.Second
	callRateWindow  = time.Minute
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	redisService, err := services.NewRedisService(cfg)
	if err != nil {
		return err
	}
	defer redisService.Close()

	err = redisService.SeedRoundConfig(ctx, &models.RoundConfig{
		RoundID:                          1,
		RewardItemAmountPerLegitPlayer:   cfg.RewardItemAmountPerLegitPlayer,
		RewardItemAmountMax:              cfg.RewardItemAmountMax,
		RewardWinnerAmountPerLegitPlayer: cfg.RewardWinnerAmountPerLegitPlayer,
		RewardWinnerAmountMax:            cfg.RewardWinnerAmountMax,
	})
	if err != nil {
		return err
	}

	jwtService, err := services.NewJWTService(cfg)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}

	settlement := services.NewSettlementEngine(redisService, logger, metrics)
	if n, err := settlement.RecoverAll(ctx); err != nil {
		logger.Error("startup recovery incomplete", "recovered", n, "error", err)
	} else if n > 0 {
		logger.Warn("recovered rounds left by a previous run", "recovered", n)
	}

	realm := services.NewRPCClient(services.RPCClientOptions{
		Target:      "realm",
		URL:         cfg.RealmURL,
		Token:       jwtService.BackendToken,
		Timeout:     cfg.RealmCallTimeout,
		AutoConnect: cfg.RealmURL != "",
		Logger:      logger,
		Metrics:     metrics,
	})
	defer realm.Close()

	forwarder := services.NewRealmForwarder(realm, cfg.RealmCallTimeout, logger, metrics)
	hub := handlers.NewWebSocketHub(logger)

	supervisor := services.NewSupervisor(services.SupervisorOptions{
		Spawner: &services.ExecSpawner{
			Binary: cfg.GSBinary,
			Args:   cfg.GSArgs,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		},
		Connector: &services.RPCConnector{
			Path:    bridgePath,
			Token:   jwtService.BackendToken,
			Timeout: cfg.GSCallTimeout,
			Logger:  logger,
			Metrics: metrics,
		},
		Broadcaster:      hub,
		Logger:           logger,
		Metrics:          metrics,
		Host:             cfg.GSHost,
		BasePort:         cfg.GSBasePort,
		Instances:        cfg.GSInstances,
		HandshakeTimeout: cfg.GSHandshakeTimeout,
		Token:            jwtService.InstanceToken,
		OnUnexpectedExit: func(gsid string) {
			if _, err := settlement.RecoverInstance(context.Background(), gsid); err != nil {
				logger.Error("recovery after instance exit failed", "gsid", gsid, "error", err)
			}
		},
	})

	bridge := services.NewCallBridge(supervisor, forwarder, logger)

	watchdog := services.NewWatchdog(services.WatchdogOptions{
		Logger:    logger,
		Metrics:   metrics,
		Threshold: cfg.WatchdogThresholdMiB << 20,
		FailFast:  cfg.WatchdogFailFast,
	})
	if cfg.WatchdogEnabled {
		go watchdog.Run(ctx)
	}

	diagnostics := services.NewDiagnostics()
	diagnostics.RegisterDefaults(redisService, watchdog, bridge, realm, supervisor)

	controlHandler := handlers.NewControlHandler(supervisor, bridge, realm, diagnostics, logger)
	roundHandler := handlers.NewRoundHandler(settlement, redisService, logger).WithInstanceTokens(jwtService)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger))

	router.GET("/readiness_check", handlers.Readiness)
	router.GET("/liveness_check", handlers.Liveness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := router.Group("/")
	admin.Use(middleware.AuthMiddleware(jwtService, services.RoleAdmin))
	{
		admin.Match([]string{http.MethodGet, http.MethodPost}, "/upgrade-realm", controlHandler.UpgradeRealm)

		gs := admin.Group("/gs")
		{
			gs.POST("/start", controlHandler.Start)
			gs.POST("/connect", controlHandler.Connect)
			gs.POST("/reconnect", controlHandler.Reconnect)
			gs.POST("/stop", controlHandler.Stop)
			gs.POST("/reboot", controlHandler.Reboot)
			gs.POST("/upgrade", controlHandler.Upgrade)
			gs.POST("/clone", controlHandler.Clone)
			gs.GET("/status", controlHandler.Status)
		}

		admin.GET("/info", controlHandler.Info)
		admin.GET("/config", controlHandler.Config)
		admin.POST("/call/:method",
			middleware.RateLimitMiddleware(redisService, "call", cfg.RateLimitCalls, callRateWindow),
			controlHandler.Call,
		)
		admin.GET("/test/:testName", controlHandler.Test)

		admin.GET("/rounds/:roundId", roundHandler.RoundResults)
		admin.POST("/config/drops", roundHandler.SetDrop)
	}

	rpc := router.Group("/rpc")
	rpc.Use(middleware.AuthMiddleware(jwtService, services.RoleGameServer, services.RoleAdmin))
	{
		rpc.POST("/init", roundHandler.Init)
		rpc.POST("/configureRequest", roundHandler.Configure)
		rpc.POST("/checkpointRequest", roundHandler.Checkpoint)
		rpc.POST("/saveRoundRequest", roundHandler.SaveRound)
	}

	clients := router.Group("/")
	clients.Use(middleware.AuthMiddleware(jwtService))
	{
		clients.GET("/ws", hub.HandleWebSocket)
		clients.GET("/config/drops", roundHandler.Drops)
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	hub.Close()
	forwarder.Close()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("fleet shutdown failed", "error", err)
	}

	return nil
}
