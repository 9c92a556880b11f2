// Package main runs the coaching platform backend: session status, recording upload and the
// WebSocket signaling relay, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/coachcall/config"
	"github.com/aura-webinar/coachcall/internal/auth"
	"github.com/aura-webinar/coachcall/internal/middleware"
	"github.com/aura-webinar/coachcall/internal/recordings"
	"github.com/aura-webinar/coachcall/internal/relay"
	"github.com/aura-webinar/coachcall/internal/sessionlog"
	"github.com/aura-webinar/coachcall/internal/sessions"
	"github.com/aura-webinar/coachcall/pkg/database"
	"github.com/aura-webinar/coachcall/pkg/redis"
	"github.com/aura-webinar/coachcall/pkg/response"
	"github.com/aura-webinar/coachcall/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	// Relay: single instance unless Redis is configured.
	var hub *relay.Hub
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		bus := relay.NewRedisBus(rdb.Client, logger)
		hub = relay.NewHub(logger, bus, bus)
	} else {
		hub = relay.NewHub(logger, nil, nil)
		logger.Info("relay running without redis bus")
	}

	var objects recordings.ObjectStore
	if cfg.AWS.Region != "" && cfg.AWS.RecordingsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			objects = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	sessionRepo := sessions.NewRepository(pool)
	sessionHandler := sessions.NewHandler(sessionRepo, logger)

	recordingRepo := recordings.NewRepository(pool)
	recordingHandler := recordings.NewHandler(recordingRepo, sessionRepo, objects, logger)
	recordingHandler.SetMaxUploadBytes(int64(cfg.Server.MaxUploadMB) << 20)

	participantRepo := sessionlog.NewRepository(pool)
	participantHandler := sessionlog.NewHandler(participantRepo)
	hub.SetSessionLogger(participantRepo)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// WebSocket signaling (token in query, optional)
	router.GET("/ws", relay.ServeWs(hub, logger, jwtService.Validator(), relay.Options{
		MessagesPerSecond: cfg.Server.WSMessagesPerSec,
	}))

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Sessions
		api.POST("/sessions", middleware.RequireRole("admin", "coach"), sessionHandler.Create)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.PATCH("/sessions/:id/status", sessionHandler.UpdateStatus)

		// Recordings
		api.POST("/sessions/:id/recording", recordingHandler.Upload)
		api.GET("/sessions/:id/recordings", recordingHandler.ListBySession)
		api.GET("/recordings/:id/download-url", recordingHandler.GenerateDownloadURL)

		// Participant activity
		api.GET("/meetings/:id/participants", middleware.RequireRole("admin", "coach"), participantHandler.GetParticipants)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
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
