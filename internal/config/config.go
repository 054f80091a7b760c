package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port        int    `mapstructure:"PORT"`
	Environment string `mapstructure:"ENVIRONMENT"`

	// Face landmark model settings
	FaceModelPath string `mapstructure:"FACE_MODEL_PATH"`

	// Challenge settings
	ChallengeExpirySeconds        int `mapstructure:"CHALLENGE_EXPIRY_SECONDS"`
	ChallengeStepCount            int `mapstructure:"CHALLENGE_STEP_COUNT"`
	ChallengeSweepGraceSeconds    int `mapstructure:"CHALLENGE_SWEEP_GRACE_SECONDS"`
	ChallengeSweepIntervalSeconds int `mapstructure:"CHALLENGE_SWEEP_INTERVAL_SECONDS"`

	// Frame submission bounds
	MinFrames             int     `mapstructure:"MIN_FRAMES"`
	MaxFrames             int     `mapstructure:"MAX_FRAMES"`
	MaxDecodeFailureRatio float64 `mapstructure:"MAX_DECODE_FAILURE_RATIO"`
	WorkingFrameWidth     int     `mapstructure:"WORKING_FRAME_WIDTH"`
	MaxConcurrentFrames   int     `mapstructure:"MAX_CONCURRENT_FRAMES"`

	// Scoring
	LivenessPassThreshold float64 `mapstructure:"LIVENESS_PASS_THRESHOLD"`

	// Token settings
	JWTSecret        string `mapstructure:"JWT_SECRET"`
	JWTExpiryMinutes int    `mapstructure:"JWT_EXPIRY_MINUTES"`

	// Storage settings
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	StoragePath   string `mapstructure:"STORAGE_PATH"`

	// Request timeouts
	VerifyTimeoutSeconds int `mapstructure:"VERIFY_TIMEOUT_SECONDS"`

	// CORS
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`
}

func Load() (*Config, error) {
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("FACE_MODEL_PATH", "./models")

	viper.SetDefault("CHALLENGE_EXPIRY_SECONDS", 120)
	viper.SetDefault("CHALLENGE_STEP_COUNT", 3)
	viper.SetDefault("CHALLENGE_SWEEP_GRACE_SECONDS", 60)
	viper.SetDefault("CHALLENGE_SWEEP_INTERVAL_SECONDS", 30)

	viper.SetDefault("MIN_FRAMES", 5)
	viper.SetDefault("MAX_FRAMES", 30)
	viper.SetDefault("MAX_DECODE_FAILURE_RATIO", 0.5)
	viper.SetDefault("WORKING_FRAME_WIDTH", 320)
	viper.SetDefault("MAX_CONCURRENT_FRAMES", 4)

	viper.SetDefault("LIVENESS_PASS_THRESHOLD", 70.0)

	viper.SetDefault("JWT_EXPIRY_MINUTES", 5)

	viper.SetDefault("STORAGE_PATH", "./storage")

	viper.SetDefault("VERIFY_TIMEOUT_SECONDS", 10)

	viper.SetDefault("ALLOWED_ORIGIN", "*")

	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	return &cfg, nil
}
