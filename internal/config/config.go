package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config carries process startup configuration resolved from the environment.
type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"data/accessd.db"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`

	PlanCatalogPath string        `env:"PLAN_CATALOG" envDefault:"plans.yaml"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"3m"`

	ProviderBaseURL string        `env:"PAYMENT_PROVIDER_URL"`
	ProviderAPIKey  string        `env:"PAYMENT_PROVIDER_KEY"`
	ProviderTimeout time.Duration `env:"PAYMENT_PROVIDER_TIMEOUT" envDefault:"20s"`
	WebhookSecret   string        `env:"PAYMENT_WEBHOOK_SECRET"`

	FrontendURL     string        `env:"FRONTEND_URL"`
	FrontendTimeout time.Duration `env:"FRONTEND_TIMEOUT" envDefault:"10s"`
	OperatorDest    string        `env:"OPERATOR_DESTINATION"`

	AdminPasswordHash string        `env:"ADMIN_PASSWORD_HASH"`
	JWTSecret         string        `env:"JWT_SECRET"`
	JWTExpiry         time.Duration `env:"JWT_EXPIRY" envDefault:"12h"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE_MB" envDefault:"10"`
	LogBackups   int    `env:"LOG_BACKUP_COUNT" envDefault:"5"`
}

// Load reads configuration from the environment, honoring a local .env file
// when present.
func Load() (Config, error) {
	// Missing .env is fine; explicit env vars always win.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("config: sweep interval must be positive")
	}
	return cfg, nil
}
