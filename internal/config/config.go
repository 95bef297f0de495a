// Package config loads service settings from app.env and the environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration of the service.
// The values are read by viper from a config file or environment variable.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	HTTPAddress string `mapstructure:"HTTP_ADDRESS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMigrate   bool   `mapstructure:"DB_MIGRATE"`
	// SeedFile loads planner records into the in-memory store when no database is configured.
	SeedFile string `mapstructure:"SEED_FILE"`

	RedisAddress  string `mapstructure:"REDIS_ADDRESS"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// QueueBackend is "asynq" (needs Redis) or "memory".
	QueueBackend    string        `mapstructure:"QUEUE_BACKEND"`
	JobMaxRetry     int           `mapstructure:"JOB_MAX_RETRY"`
	JobTimeout      time.Duration `mapstructure:"JOB_TIMEOUT"`
	JobRetention    time.Duration `mapstructure:"JOB_RETENTION"`
	StatusTTL       time.Duration `mapstructure:"STATUS_TTL"`
	MaxStopsPerPlan int           `mapstructure:"MAX_STOPS_PER_PLAN"`

	HistoryPath      string `mapstructure:"HISTORY_PATH"`
	HistoryCapacity  int    `mapstructure:"HISTORY_CAPACITY"`
	HistoryFlushSpec string `mapstructure:"HISTORY_FLUSH_SPEC"`

	OSRMURL        string        `mapstructure:"OSRM_URL"`
	OSRMProfile    string        `mapstructure:"OSRM_PROFILE"`
	OSRMRPS        float64       `mapstructure:"OSRM_RPS"`
	MatrixTimeout  time.Duration `mapstructure:"MATRIX_TIMEOUT"`
	MatrixCacheTTL time.Duration `mapstructure:"MATRIX_CACHE_TTL"`
	// AverageSpeedKmh drives the straight-line estimator used when OSRM is down or unset.
	AverageSpeedKmh float64 `mapstructure:"AVERAGE_SPEED_KMH"`

	DefaultAlgorithm    string        `mapstructure:"DEFAULT_ALGORITHM"`
	OptimizerTimeBudget time.Duration `mapstructure:"OPTIMIZER_TIME_BUDGET"`
	OptimizerMaxIter    int           `mapstructure:"OPTIMIZER_MAX_ITERATIONS"`
	OptimizerMaxStops   int           `mapstructure:"OPTIMIZER_MAX_STOPS"`
	OptimizerSeed       int64         `mapstructure:"OPTIMIZER_SEED"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthHMACSecret string `mapstructure:"AUTH_HMAC_SECRET"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthOwnerClaim string `mapstructure:"AUTH_OWNER_CLAIM"`
	AuthRoleClaim  string `mapstructure:"AUTH_ROLE_CLAIM"`

	RateRPS   float64 `mapstructure:"RATE_RPS"`
	RateBurst int     `mapstructure:"RATE_BURST"`

	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`

	WebhookSecret      string `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxAttempts int    `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDRESS", ":8080")
	v.SetDefault("DB_MIGRATE", true)
	v.SetDefault("QUEUE_BACKEND", "memory")
	v.SetDefault("JOB_MAX_RETRY", 3)
	v.SetDefault("JOB_TIMEOUT", 5*time.Minute)
	v.SetDefault("JOB_RETENTION", 24*time.Hour)
	v.SetDefault("STATUS_TTL", 24*time.Hour)
	v.SetDefault("MAX_STOPS_PER_PLAN", 200)
	v.SetDefault("HISTORY_PATH", "data/job_history.json")
	v.SetDefault("HISTORY_CAPACITY", 500)
	v.SetDefault("HISTORY_FLUSH_SPEC", "@every 30s")
	v.SetDefault("OSRM_PROFILE", "driving")
	v.SetDefault("OSRM_RPS", 10)
	v.SetDefault("MATRIX_TIMEOUT", 15*time.Second)
	v.SetDefault("MATRIX_CACHE_TTL", 6*time.Hour)
	v.SetDefault("AVERAGE_SPEED_KMH", 40)
	v.SetDefault("DEFAULT_ALGORITHM", "auto")
	v.SetDefault("OPTIMIZER_TIME_BUDGET", 2*time.Second)
	v.SetDefault("OPTIMIZER_MAX_ITERATIONS", 2000)
	v.SetDefault("OPTIMIZER_MAX_STOPS", 80)
	v.SetDefault("AUTH_MODE", "dev")
	v.SetDefault("AUTH_OWNER_CLAIM", "owner")
	v.SetDefault("AUTH_ROLE_CLAIM", "role")
	v.SetDefault("RATE_RPS", 5)
	v.SetDefault("RATE_BURST", 20)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 8)
}

// Load reads app.env from path when present, then lets the environment override it.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so bind the ones without a default
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("mapstructure"); key != "" {
			_ = v.BindEnv(key)
		}
	}

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.RedisPassword = trimOptionalQuotes(cfg.RedisPassword)
	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.QueueBackend {
	case "memory":
	case "asynq":
		if c.RedisAddress == "" {
			return fmt.Errorf("QUEUE_BACKEND=asynq requires REDIS_ADDRESS")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.AuthMode == "hmac" && c.AuthHMACSecret == "" {
		return fmt.Errorf("AUTH_MODE=hmac requires AUTH_HMAC_SECRET")
	}
	if c.AuthMode == "jwks" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_MODE=jwks requires AUTH_JWKS_URL")
	}
	return nil
}

// IsDevelopment selects the console log writer.
func (c Config) IsDevelopment() bool { return c.Environment == "development" }

func trimOptionalQuotes(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "\"")
	s = strings.TrimSuffix(s, "\"")
	s = strings.TrimPrefix(s, "'")
	s = strings.TrimSuffix(s, "'")
	return s
}
