// Package main runs the call bridge HTTP server: Twilio media streams in,
// ElevenLabs conversations out, with graceful shutdown.
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

	"github.com/aura-voice/callbridge/config"
	"github.com/aura-voice/callbridge/internal/auth"
	"github.com/aura-voice/callbridge/internal/calls"
	"github.com/aura-voice/callbridge/internal/engine"
	"github.com/aura-voice/callbridge/internal/events"
	"github.com/aura-voice/callbridge/internal/middleware"
	"github.com/aura-voice/callbridge/internal/reporting"
	"github.com/aura-voice/callbridge/internal/session"
	"github.com/aura-voice/callbridge/internal/worker"
	"github.com/aura-voice/callbridge/pkg/database"
	"github.com/aura-voice/callbridge/pkg/queue"
	"github.com/aura-voice/callbridge/pkg/redis"
	"github.com/aura-voice/callbridge/pkg/storage"
)

const (
	mediaStreamPath = "/media-stream"
	shutdownBudget  = 15 * time.Second
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx := context.Background()
	opts := session.Options{
		Engine: engine.NewDialer(engine.Config{
			APIKey:     cfg.Engine.APIKey,
			AgentID:    cfg.Engine.AgentID,
			APIBaseURL: cfg.Engine.APIBaseURL,
		}, logger),
		Defaults: engine.Defaults{
			Prompt:       cfg.Engine.DefaultPrompt,
			FirstMessage: cfg.Engine.DefaultFirstMessage,
		},
		SetupTimeout:    cfg.Engine.SetupTimeout,
		MaxCallDuration: cfg.Session.MaxCallDuration,
		Logger:          logger,
	}
	if cfg.Orders.BaseURL != "" {
		opts.Reporter = reporting.NewOrderClient(cfg.Orders.BaseURL, cfg.Orders.APIKey, cfg.Orders.Timeout, logger)
	} else {
		logger.Warn("ORDERS_API_URL not set, call status updates are only logged")
	}

	handlerCfg := calls.HandlerConfig{
		PublicBaseURL:   cfg.Server.PublicBaseURL,
		MediaStreamPath: mediaStreamPath,
		TwilioAuthToken: cfg.Twilio.AuthToken,
		Logger:          logger,
	}

	// Call history (optional)
	var callRepo *calls.Repository
	if cfg.Database.Enabled() {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		callRepo = calls.NewRepository(pool)
		opts.Store = callRepo
		handlerCfg.History = callRepo
	} else {
		logger.Warn("DATABASE_URL not set, call history disabled")
	}

	// Lifecycle events, archive jobs and dead letters (optional)
	var jobQueue *queue.Queue
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		pubsub := events.NewRedisPubSub(rdb.Client, logger)
		jobQueue = queue.NewQueue(rdb.Client, logger)
		opts.Publisher = pubsub
		opts.DeadLetters = jobQueue
		handlerCfg.Subscriber = pubsub
		handlerCfg.DeadLetters = jobQueue
	} else {
		logger.Warn("REDIS_ADDR not set, call events, transcript archive and dead letters disabled")
	}

	// Transcript archive worker (in-process when S3 is configured)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.AWS.Enabled() && callRepo != nil && jobQueue != nil {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:            cfg.AWS.Region,
			AccessKeyID:       cfg.AWS.AccessKeyID,
			SecretAccessKey:   cfg.AWS.SecretAccessKey,
			TranscriptsBucket: cfg.AWS.TranscriptsBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			opts.Archiver = jobQueue
			go worker.NewTranscriptProcessor(callRepo, s3Client, jobQueue, logger).Run(workerCtx)
			logger.Info("transcript worker started")
		}
	}

	svc := session.NewService(opts)
	handlerCfg.Live = svc
	callsHandler := calls.NewHandler(handlerCfg)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(jwtService, cfg.JWT.AdminPasswordHash, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health"))

	// Public: health, Twilio webhook and media stream
	router.GET("/health", callsHandler.Health)
	router.POST("/twilio/voice", callsHandler.Voice)
	router.GET(mediaStreamPath, svc.HandleMediaStream)

	// Auth (public)
	router.POST("/auth/token", authHandler.Token)

	// Protected API (JWT required; watch accepts ?token=)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService), middleware.RequireRole(auth.RoleViewer))
	{
		api.GET("/calls", callsHandler.List)
		api.GET("/calls/active", callsHandler.Active)
		api.GET("/calls/:callId", callsHandler.Get)
		api.GET("/calls/:callId/watch", callsHandler.Watch)
		api.GET("/reports/failed", middleware.RequireRole(auth.RoleAdmin), callsHandler.FailedReports)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("media_stream", mediaStreamPath))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server", zap.Int("active_sessions", svc.ActiveCount()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if !svc.Shutdown(shutdownCtx) {
		logger.Warn("call sessions did not finish before shutdown deadline")
	}
	workerCancel()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
