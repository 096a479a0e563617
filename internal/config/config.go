package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/scanpipe/internal/pipeline"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

// Config holds all configuration for the scanpipe server.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Colmap       ColmapConfig
	Orchestrator OrchestratorConfig
	Storage      StorageConfig
	RateLimit    RateLimitConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

type RedisConfig struct {
	URL string
}

// ColmapConfig points at the external processing service. Timeouts bound
// each kind of outbound call independently.
type ColmapConfig struct {
	BaseURL       string
	StartTimeout  time.Duration
	PollTimeout   time.Duration
	CancelTimeout time.Duration
	MaxRPS        float64
	Burst         int
}

type OrchestratorConfig struct {
	PollFailureThreshold int
	FinalStage           models.Stage
	ReconcileSchedule    string
	StatusCacheTTL       time.Duration
	DefaultQuality       string
	DefaultCameraModel   string
}

type StorageConfig struct {
	Root string
}

type RateLimitConfig struct {
	PerMinute int
}

var validDrivers = map[string]bool{
	"postgres": true,
	"memory":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validQualities = map[string]bool{
	"low":     true,
	"medium":  true,
	"high":    true,
	"extreme": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("SCANPIPE_PORT", 8080),
			Env:      envString("SCANPIPE_ENV", "development"),
			LogLevel: strings.ToLower(envString("SCANPIPE_LOG_LEVEL", "info")),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnectTimeout:  envDuration("DATABASE_CONNECT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Colmap: ColmapConfig{
			BaseURL:       os.Getenv("COLMAP_BASE_URL"),
			StartTimeout:  envDuration("COLMAP_START_TIMEOUT", 30*time.Second),
			PollTimeout:   envDuration("COLMAP_POLL_TIMEOUT", 10*time.Second),
			CancelTimeout: envDuration("COLMAP_CANCEL_TIMEOUT", 10*time.Second),
			MaxRPS:        envFloat("COLMAP_MAX_RPS", 20),
			Burst:         envInt("COLMAP_BURST", 40),
		},
		Orchestrator: OrchestratorConfig{
			PollFailureThreshold: envInt("POLL_FAILURE_THRESHOLD", 3),
			FinalStage:           models.Stage(envString("PIPELINE_FINAL_STAGE", string(models.StageTexturing))),
			ReconcileSchedule:    envStringAllowEmpty("RECONCILE_SCHEDULE", "@every 30s"),
			StatusCacheTTL:       envDuration("STATUS_CACHE_TTL", 0),
			DefaultQuality:       envString("DEFAULT_QUALITY", "medium"),
			DefaultCameraModel:   envString("DEFAULT_CAMERA_MODEL", "SIMPLE_RADIAL"),
		},
		Storage: StorageConfig{
			Root: envString("STORAGE_ROOT", "./data"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("SCANPIPE_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	// The memory driver runs without Redis and falls back to a local cache.
	if c.Redis.URL == "" && c.Database.Driver != "memory" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Colmap.BaseURL == "" {
		return fmt.Errorf("COLMAP_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Colmap.BaseURL, "http://") && !strings.HasPrefix(c.Colmap.BaseURL, "https://") {
		return fmt.Errorf("COLMAP_BASE_URL must start with http:// or https://, got %q", c.Colmap.BaseURL)
	}
	if c.Colmap.StartTimeout <= 0 || c.Colmap.PollTimeout <= 0 || c.Colmap.CancelTimeout <= 0 {
		return fmt.Errorf("COLMAP timeouts must be positive")
	}
	if c.Colmap.MaxRPS <= 0 {
		return fmt.Errorf("COLMAP_MAX_RPS must be positive, got %v", c.Colmap.MaxRPS)
	}

	if c.Orchestrator.PollFailureThreshold < 1 {
		return fmt.Errorf("POLL_FAILURE_THRESHOLD must be at least 1, got %d", c.Orchestrator.PollFailureThreshold)
	}
	if _, err := pipeline.ParseStage(string(c.Orchestrator.FinalStage)); err != nil {
		return fmt.Errorf("PIPELINE_FINAL_STAGE: %w", err)
	}
	if !validQualities[c.Orchestrator.DefaultQuality] {
		return fmt.Errorf("DEFAULT_QUALITY must be one of low, medium, high, extreme; got %q", c.Orchestrator.DefaultQuality)
	}
	if c.Orchestrator.StatusCacheTTL < 0 {
		return fmt.Errorf("STATUS_CACHE_TTL must not be negative")
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envStringAllowEmpty distinguishes an unset variable from one explicitly
// set to the empty string.
func envStringAllowEmpty(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
