// Package main runs the room synchronization HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/jamaah/backend/config"
	"github.com/jamaah/backend/internal/alerts"
	"github.com/jamaah/backend/internal/analytics"
	"github.com/jamaah/backend/internal/auth"
	"github.com/jamaah/backend/internal/middleware"
	"github.com/jamaah/backend/internal/playback"
	"github.com/jamaah/backend/internal/presence"
	"github.com/jamaah/backend/internal/realtime"
	"github.com/jamaah/backend/internal/rooms"
	"github.com/jamaah/backend/internal/sessionlog"
	"github.com/jamaah/backend/internal/worker"
	"github.com/jamaah/backend/pkg/database"
	"github.com/jamaah/backend/pkg/queue"
	"github.com/jamaah/backend/pkg/redis"
	"github.com/jamaah/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance_id", instanceID))

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	roomRepo := rooms.NewRepository(pool)
	playbackRepo := playback.NewRepository(pool)

	// Realtime core: one registry shared by the engine and the sweeper
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, instanceID, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	registry := presence.NewRegistry(nil)
	engine := realtime.NewEngine(registry, hub, jwtService, roomRepo, playbackRepo, logger)
	sweeper := realtime.NewSweeper(registry, cfg.Presence.SweepInterval, cfg.Presence.StaleAfter, logger)

	// Attendance: presence changes -> Redis job queue -> session log worker
	jobQueue := queue.NewQueue(rdb.Client, logger)
	sessionLogRepo := sessionlog.NewRepository(pool)
	recorder := sessionlog.NewRecorder(jobQueue, logger)
	engine.SetSessionLogger(recorder.OnJoin, recorder.OnLeave)
	sweeper.SetEvictHandler(engine.NotifyEvicted)

	roomHandler := rooms.NewHandler(roomRepo, engine, logger)
	playbackHandler := playback.NewHandler(engine, playbackRepo, logger)
	sessionLogHandler := sessionlog.NewHandler(sessionLogRepo, roomRepo)
	analyticsHandler := analytics.NewHandler(sessionLogRepo, roomRepo, engine, logger)
	alertsHandler := alerts.NewHandler(alerts.NewRepository(pool), logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{
			"status":                 "ok",
			"instance_id":            instanceID,
			"rooms":                  registry.RoomCount(),
			"heartbeat_interval_sec": int(cfg.Presence.HeartbeatInterval.Seconds()),
		})
	})

	// WebSocket (token in query or Authorization header; room_id in query)
	router.GET("/ws", realtime.ServeWs(engine, logger))

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitPerMinute)
	router.GET("/rooms", limiter.Middleware(), roomHandler.List)
	router.GET("/rooms/:id/presence", limiter.Middleware(), roomHandler.Presence)
	router.GET("/rooms/:id/playback", limiter.Middleware(), playbackHandler.GetState)
	router.GET("/alerts/nearby", limiter.Middleware(), alertsHandler.Nearby)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(limiter.Middleware(), middleware.JWT(jwtService))
	{
		api.POST("/rooms", roomHandler.Create)
		api.POST("/rooms/:id/handover", roomHandler.Handover)
		api.GET("/rooms/:id/attendees", sessionLogHandler.GetAttendees)
		api.GET("/rooms/:id/stats", analyticsHandler.GetByRoom)

		api.POST("/playback/set", playbackHandler.Set)
		api.POST("/playback/play", playbackHandler.Play)
		api.POST("/playback/pause", playbackHandler.Pause)
		api.POST("/playback/seek", playbackHandler.Seek)

		api.POST("/alerts/ping", alertsHandler.Ping)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	cancelSub, err := hub.Listen()
	if err != nil {
		logger.Fatal("redis subscribe", zap.Error(err))
	}
	sweeper.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		recorder.Run()
		return nil
	})
	if cfg.Worker.Inline {
		processor := worker.NewSessionLogProcessor(sessionLogRepo, jobQueue, logger)
		g.Go(func() error {
			processor.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sweeper.Stop()
		cancelSub()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		logger.Info("closing websocket connections", zap.Int("count", hub.CloseAll()))
		// leave events must reach the recorder before it stops taking them
		if drainErr := engine.Drain(shutdownCtx); drainErr != nil {
			logger.Warn("sessions still open at shutdown", zap.Error(drainErr))
		}
		recorder.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
