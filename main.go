package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegis-id/liveness-service/internal/challenge"
	"github.com/aegis-id/liveness-service/internal/config"
	"github.com/aegis-id/liveness-service/internal/handlers"
	"github.com/aegis-id/liveness-service/internal/landmarks"
	"github.com/aegis-id/liveness-service/internal/middleware"
	"github.com/aegis-id/liveness-service/internal/models"
	"github.com/aegis-id/liveness-service/internal/orchestrator"
	"github.com/aegis-id/liveness-service/internal/tokens"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	clk := clock.New()

	extractor, err := landmarks.NewGoFaceExtractor(cfg.FaceModelPath)
	if err != nil {
		logger.Fatal("Failed to initialize landmark extractor", zap.Error(err))
	}
	defer extractor.Close()

	challenges, err := challenge.NewStore(clk, cfg.StoragePath, cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("Failed to initialize challenge store", zap.Error(err))
	}

	tokenSvc, err := tokens.NewService(clk, cfg.JWTSecret, cfg.StoragePath, cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("Failed to initialize token service", zap.Error(err))
	}

	orch := orchestrator.New(orchestrator.Options{
		ChallengeExpiry:       time.Duration(cfg.ChallengeExpirySeconds) * time.Second,
		ChallengeStepCount:    cfg.ChallengeStepCount,
		GesturePool:           models.CoreGestureSet,
		MinFrames:             cfg.MinFrames,
		MaxFrames:             cfg.MaxFrames,
		MaxDecodeFailureRatio: cfg.MaxDecodeFailureRatio,
		WorkingFrameWidth:     cfg.WorkingFrameWidth,
		MaxConcurrentFrames:   int64(cfg.MaxConcurrentFrames),
		LivenessPassThreshold: cfg.LivenessPassThreshold,
		TokenTTL:              time.Duration(cfg.JWTExpiryMinutes) * time.Minute,
		VerifyTimeout:         time.Duration(cfg.VerifyTimeoutSeconds) * time.Second,
	}, clk, challenges, extractor, tokenSvc)

	verificationHandler := handlers.NewVerificationHandler(orch, logger)
	protectedHandler := handlers.NewProtectedHandler()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigin))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RateLimit())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
		})
	})

	api := router.Group("/api")
	{
		api.POST("/challenge", verificationHandler.CreateChallenge)
		api.POST("/verify", verificationHandler.Verify)
		api.POST("/attack-sim", verificationHandler.AttackSim)
		api.GET("/protected", middleware.Auth(tokenSvc, clk), protectedHandler.Get)
	}

	sweepInterval := time.Duration(cfg.ChallengeSweepIntervalSeconds) * time.Second
	sweepGrace := time.Duration(cfg.ChallengeSweepGraceSeconds) * time.Second
	stopSweep := startChallengeSweeper(challenges, clk, sweepInterval, sweepGrace, logger)
	defer stopSweep()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Starting liveness service", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// startChallengeSweeper runs best-effort expired-challenge cleanup off the
// request path. It returns a stop function that halts the ticker.
func startChallengeSweeper(store *challenge.Store, clk clock.Clock, interval, grace time.Duration, logger *zap.Logger) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := clk.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				removed := store.Sweep(clk.Now().UTC(), grace)
				if removed > 0 {
					logger.Info("swept expired challenges", zap.Int("removed", removed))
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
