package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	CORS           CORSConfig
	Log            LogConfig
	Gateway        GatewayConfig
	Webhook        WebhookConfig
	Reconciliation ReconciliationConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// GatewayConfig holds billing provider connection settings.
type GatewayConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	DueInDays   int
}

// WebhookConfig controls inbound provider event handling.
type WebhookConfig struct {
	AccessToken  string
	DedupTTL     time.Duration
	ReplayDelay  time.Duration
	ReplayLimit  int
	QueueWorkers int
}

// ReconciliationConfig gates the background sweep over stale enrollments.
type ReconciliationConfig struct {
	Enabled       bool
	SweepInterval time.Duration
	StaleAfter    time.Duration
	BatchSize     int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Gateway = GatewayConfig{
		BaseURL:     v.GetString("BILLING_BASE_URL"),
		APIKey:      v.GetString("BILLING_API_KEY"),
		Timeout:     parseDuration(v.GetString("BILLING_TIMEOUT"), 15*time.Second),
		MaxAttempts: v.GetInt("BILLING_MAX_ATTEMPTS"),
		DueInDays:   v.GetInt("BILLING_DUE_IN_DAYS"),
	}

	cfg.Webhook = WebhookConfig{
		AccessToken:  v.GetString("WEBHOOK_ACCESS_TOKEN"),
		DedupTTL:     parseDuration(v.GetString("WEBHOOK_DEDUP_TTL"), 24*time.Hour),
		ReplayDelay:  parseDuration(v.GetString("WEBHOOK_REPLAY_DELAY"), 5*time.Second),
		ReplayLimit:  v.GetInt("WEBHOOK_REPLAY_LIMIT"),
		QueueWorkers: v.GetInt("WEBHOOK_QUEUE_WORKERS"),
	}

	cfg.Reconciliation = ReconciliationConfig{
		Enabled:       v.GetBool("ENABLE_RECONCILIATION_SWEEP"),
		SweepInterval: parseDuration(v.GetString("RECONCILIATION_SWEEP_INTERVAL"), 15*time.Minute),
		StaleAfter:    parseDuration(v.GetString("RECONCILIATION_STALE_AFTER"), time.Hour),
		BatchSize:     v.GetInt("RECONCILIATION_BATCH_SIZE"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "matricula")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BILLING_BASE_URL", "https://sandbox.billing.example.com/api/v3")
	v.SetDefault("BILLING_API_KEY", "")
	v.SetDefault("BILLING_TIMEOUT", "15s")
	v.SetDefault("BILLING_MAX_ATTEMPTS", 3)
	v.SetDefault("BILLING_DUE_IN_DAYS", 5)

	v.SetDefault("WEBHOOK_ACCESS_TOKEN", "")
	v.SetDefault("WEBHOOK_DEDUP_TTL", "24h")
	v.SetDefault("WEBHOOK_REPLAY_DELAY", "5s")
	v.SetDefault("WEBHOOK_REPLAY_LIMIT", 5)
	v.SetDefault("WEBHOOK_QUEUE_WORKERS", 2)

	v.SetDefault("ENABLE_RECONCILIATION_SWEEP", false)
	v.SetDefault("RECONCILIATION_SWEEP_INTERVAL", "15m")
	v.SetDefault("RECONCILIATION_STALE_AFTER", "1h")
	v.SetDefault("RECONCILIATION_BATCH_SIZE", 50)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
