package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// RedisConfig holds connection settings for the Redis match store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LogConfig controls log level and the optional rotated log file.
type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Config holds all configurable server parameters.
type Config struct {
	HTTPPort        int    `json:"http_port"`
	StoreBackend    string `json:"store_backend"`
	DatabaseURL     string `json:"database_url"`
	NeonAuthBaseURL string `json:"neon_auth_base_url"`
	MaxNameLength   int    `json:"max_name_length"`

	// WaitingTTLSec is how long a match may sit in the waiting pool.
	WaitingTTLSec int `json:"waiting_ttl_sec"`
	// ClaimAttempts bounds how many waiting candidates one request tries
	// to claim before creating its own match.
	ClaimAttempts int `json:"claim_attempts"`
	// SweepIntervalSec is the period of the server-side expiry sweep.
	SweepIntervalSec int `json:"sweep_interval_sec"`
	// CompletedRetentionSec is how long completed matches are kept; 0 keeps them.
	CompletedRetentionSec int `json:"completed_retention_sec"`
	// OperationTimeoutMS bounds each store round trip made for a request.
	OperationTimeoutMS int `json:"operation_timeout_ms"`

	// Games lists supported game ids; empty means the built-in set.
	Games []string `json:"games"`

	Redis RedisConfig `json:"redis"`
	Log   LogConfig   `json:"log"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		HTTPPort:              8080,
		StoreBackend:          BackendMemory,
		MaxNameLength:         24,
		WaitingTTLSec:         60,
		ClaimAttempts:         5,
		SweepIntervalSec:      10,
		CompletedRetentionSec: 3600,
		OperationTimeoutMS:    5000,
		Redis:                 RedisConfig{Addr: "localhost:6379"},
		Log:                   LogConfig{Level: "info", MaxSizeMB: 50, MaxAgeDays: 14},
	}
}

// WaitingTTL returns the waiting-pool lifetime of a match.
func (c *Config) WaitingTTL() time.Duration {
	return time.Duration(c.WaitingTTLSec) * time.Second
}

// SweepInterval returns the expiry sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// CompletedRetention returns how long completed matches are kept.
func (c *Config) CompletedRetention() time.Duration {
	return time.Duration(c.CompletedRetentionSec) * time.Second
}

// OperationTimeout returns the per-request store timeout.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutMS) * time.Millisecond
}

// Load reads configuration from an optional config.json file,
// then applies environment variable overrides. Fields not set
// in either source retain their default values.
func Load() *Config {
	cfg := Defaults()

	if f, err := os.Open("config.json"); err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			log.Printf("Warning: failed to parse config.json: %v", err)
		}
	}

	overrideInt(&cfg.HTTPPort, "HTTP_PORT")
	overrideString(&cfg.StoreBackend, "STORE_BACKEND")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.NeonAuthBaseURL, "NEON_AUTH_BASE_URL")
	overrideInt(&cfg.MaxNameLength, "MAX_NAME_LENGTH")
	overrideInt(&cfg.WaitingTTLSec, "WAITING_TTL_SEC")
	overrideInt(&cfg.ClaimAttempts, "CLAIM_ATTEMPTS")
	overrideInt(&cfg.SweepIntervalSec, "SWEEP_INTERVAL_SEC")
	overrideInt(&cfg.CompletedRetentionSec, "COMPLETED_RETENTION_SEC")
	overrideInt(&cfg.OperationTimeoutMS, "OPERATION_TIMEOUT_MS")
	overrideList(&cfg.Games, "GAMES")
	overrideString(&cfg.Redis.Addr, "REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideInt(&cfg.Redis.DB, "REDIS_DB")
	overrideString(&cfg.Log.Level, "LOG_LEVEL")
	overrideString(&cfg.Log.File, "LOG_FILE")
	overrideInt(&cfg.Log.MaxSizeMB, "LOG_MAX_SIZE_MB")
	overrideInt(&cfg.Log.MaxAgeDays, "LOG_MAX_AGE_DAYS")

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.ClaimAttempts < 1 {
		cfg.ClaimAttempts = 1
	}
	return cfg
}

func overrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*field = n
		} else {
			log.Printf("Warning: invalid value for %s: %q", envKey, val)
		}
	}
}

func overrideString(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

// overrideList reads a comma-separated list.
func overrideList(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*field = out
}
