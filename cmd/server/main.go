package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/chatgate/internal/api"
	"github.com/RichardoC/chatgate/internal/auth"
	"github.com/RichardoC/chatgate/internal/config"
	"github.com/RichardoC/chatgate/internal/llm"
	"github.com/RichardoC/chatgate/internal/quota"
	"github.com/RichardoC/chatgate/internal/scheduler"
	"github.com/RichardoC/chatgate/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		zap.NewExample().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	// Initialize image stores
	attachments, err := storage.NewAttachmentStore(cfg.Images.AttachmentDir, logger.Named("attachments"))
	if err != nil {
		logger.Fatal("Failed to initialize attachment store",
			zap.Error(err),
			zap.String("dir", cfg.Images.AttachmentDir))
	}
	generated, err := storage.NewGeneratedStore(cfg.Images.GeneratedDir)
	if err != nil {
		logger.Fatal("Failed to initialize generated image store",
			zap.Error(err),
			zap.String("dir", cfg.Images.GeneratedDir))
	}

	// Initialize LLM service
	chatService, err := llm.New(
		cfg.Upstream.BaseURL,
		cfg.Upstream.APIKey,
		cfg.Upstream.ChatModel,
		cfg.Upstream.MaxTokens,
		cfg.Upstream.Timeout,
		logger.Named("chat"),
	)
	if err != nil {
		logger.Fatal("Failed to initialize LLM service", zap.Error(err))
	}
	if counter, err := llm.NewTokenCounter(cfg.Upstream.ChatModel); err != nil {
		logger.Warn("Token counting disabled", zap.Error(err))
	} else {
		chatService.WithTokenCounter(counter)
	}

	// Initialize image generation
	imageService := llm.NewImageService(
		llm.NewImageClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey),
		cfg.Upstream.Timeout,
		logger.Named("images"),
	)

	// Schedule attachment sweep and quota reset
	tracker := quota.NewTracker(cfg.Images.Limit)

	sched := scheduler.New(logger.Named("scheduler"))
	if err := sched.AddSweep(cfg.Schedule.Sweep, attachments); err != nil {
		logger.Fatal("Failed to schedule attachment sweep", zap.Error(err))
	}
	if err := sched.AddQuotaReset(cfg.Schedule.QuotaReset, tracker); err != nil {
		logger.Fatal("Failed to schedule quota reset", zap.Error(err))
	}
	sched.Start()

	// Set up routes
	handler := api.NewHandler(api.Services{
		Chat:        chatService,
		Images:      imageService,
		Quota:       tracker,
		Attachments: attachments,
		Generated:   generated,
		Gate:        auth.NewGate(cfg.Auth.Secret),
	}, api.Options{
		PublicDir:      cfg.Server.PublicDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		TrustProxy:     cfg.Server.TrustProxy,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	}, logger.Named("http"))

	// Start server
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.Int("imageLimit", cfg.Images.Limit),
			zap.String("sweepSchedule", cfg.Schedule.Sweep),
			zap.String("quotaResetSchedule", cfg.Schedule.QuotaReset))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	<-sched.Stop().Done()
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
