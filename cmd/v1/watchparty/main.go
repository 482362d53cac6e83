package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watchparty/server/internal/v1/api"
	"github.com/watchparty/server/internal/v1/auth"
	"github.com/watchparty/server/internal/v1/bus"
	"github.com/watchparty/server/internal/v1/config"
	"github.com/watchparty/server/internal/v1/coordinator"
	"github.com/watchparty/server/internal/v1/gateway"
	"github.com/watchparty/server/internal/v1/health"
	"github.com/watchparty/server/internal/v1/logging"
	"github.com/watchparty/server/internal/v1/mediaproxy"
	"github.com/watchparty/server/internal/v1/mediasource"
	"github.com/watchparty/server/internal/v1/middleware"
	"github.com/watchparty/server/internal/v1/ratelimit"
	"github.com/watchparty/server/internal/v1/store"
	"github.com/watchparty/server/internal/v1/tracing"
	"github.com/watchparty/server/internal/v1/transcoder"
	"go.uber.org/zap"
)

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment file", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelCollector != "" {
		tp, err := tracing.InitTracer(ctx, "watchparty", cfg.OtelCollector)
		if err != nil {
			logger.Warn("tracing initialization failed, continuing without it", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	var validator gateway.TokenValidator
	if cfg.SkipAuth {
		logger.Warn("authentication disabled (SKIP_AUTH=true) - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logger.Error("failed to initialize auth validator", zap.Error(err))
			os.Exit(1)
		}
		validator = v
	}

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Warn("bus unavailable, continuing without cross-instance fan-out", zap.Error(err))
			busService = nil
		}
	}

	var roomStore coordinator.RoomStore
	var messageStore coordinator.MessageStore
	var storePinger health.StorePinger
	if cfg.StorageDSN != "" {
		sqliteStore, err := store.Open(cfg.StorageDSN)
		if err != nil {
			logger.Error("failed to open storage", zap.Error(err))
			os.Exit(1)
		}
		defer sqliteStore.Close()
		roomStore = sqliteStore
		messageStore = sqliteStore
		storePinger = sqliteStore
	}

	if roomStore == nil {
		roomStore = coordinator.NewMemRoomStore()
	}
	if messageStore == nil {
		messageStore = coordinator.NewMemMessageStore(200)
	}

	var coordOpts []coordinator.Option
	coordOpts = append(coordOpts, coordinator.WithLogger(logger))
	if busService != nil {
		coordOpts = append(coordOpts, coordinator.WithBus(busService))
	}
	coord := coordinator.New(roomStore, messageStore, coordOpts...)

	healthHandler := health.NewHandler(busService, storePinger)

	mediaSource := mediasource.NewHTTPMediaSource(&http.Client{Timeout: 30 * time.Second})
	transcodeRegistry := transcoder.NewRegistry(logger)
	proxy := mediaproxy.New(mediaSource, transcodeRegistry)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, nil)
	if err != nil {
		logger.Error("failed to initialize rate limiter", zap.Error(err))
		os.Exit(1)
	}

	gw := gateway.New(coord, validator, allowedOrigins, rateLimiter)
	apiHandler := api.New(roomStore, messageStore, healthHandler, proxy, rateLimiter)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.Use(rateLimiter.GlobalMiddleware())

	apiHandler.Register(router)
	router.GET("/ws", gw.ServeWS)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("watchparty server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transcodeRegistry.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
