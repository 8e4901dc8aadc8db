package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	// Storage
	DBPath string

	// Logging / HTTP
	LogLevel string
	HTTPAddr string

	// Outbound notifications; empty RedisAddr disables the Redis publisher.
	RedisAddr     string
	NotifyChannel string

	// Exchange adapter pool
	PoolMaxSize     int
	PoolIdleTimeout time.Duration

	// Lifecycle tuning
	SLGrace          time.Duration
	ReconMinAge      time.Duration
	TPQtyTolerance   float64 // fraction, 0.01 = 1%
	TPPriceTolerance float64
	MarkMismatch     bool

	StreamsEnabled bool

	Schedule Schedule
}

// Schedule holds cron specs for the polling jobs.
type Schedule struct {
	StopLoss        string `yaml:"stoploss"`
	ProtectionCheck string `yaml:"protection_check"`
	Entry           string `yaml:"entry"`
	Reconcile       string `yaml:"reconcile"`
	StreamRefresh   string `yaml:"stream_refresh"`
}

// DefaultSchedule returns the built-in job cadences.
func DefaultSchedule() Schedule {
	return Schedule{
		StopLoss:        "@every 30s",
		ProtectionCheck: "@every 20s",
		Entry:           "@every 1m",
		Reconcile:       "@every 5m",
		StreamRefresh:   "@every 1m",
	}
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:           getEnv("DB_PATH", "./data/spotkeeper.db"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		NotifyChannel:    getEnv("NOTIFY_CHANNEL", "spotkeeper:notifications"),
		PoolMaxSize:      getEnvInt("POOL_MAX_SIZE", 100),
		PoolIdleTimeout:  getEnvDuration("POOL_IDLE_TIMEOUT", 30*time.Minute),
		SLGrace:          getEnvDuration("SL_GRACE", 60*time.Second),
		ReconMinAge:      getEnvDuration("RECON_MIN_AGE", 2*time.Minute),
		TPQtyTolerance:   getEnvFloat("TP_QTY_TOLERANCE", 0.01),
		TPPriceTolerance: getEnvFloat("TP_PRICE_TOLERANCE", 0.005),
		MarkMismatch:     getEnv("MARK_MISMATCH", "true") == "true",
		StreamsEnabled:   getEnv("STREAMS_ENABLED", "true") == "true",
		Schedule:         DefaultSchedule(),
	}

	if path := os.Getenv("SCHEDULE_FILE"); path != "" {
		s, err := LoadSchedule(path)
		if err != nil {
			return nil, err
		}
		cfg.Schedule = s
	}
	if cfg.PoolMaxSize <= 0 {
		return nil, fmt.Errorf("POOL_MAX_SIZE must be positive, got %d", cfg.PoolMaxSize)
	}
	return cfg, nil
}

// LoadSchedule reads a YAML schedule file; missing keys keep their defaults.
func LoadSchedule(path string) (Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("read schedule file: %w", err)
	}
	s := DefaultSchedule()
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Schedule{}, fmt.Errorf("parse schedule file %s: %w", path, err)
	}
	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
