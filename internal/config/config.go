package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cast"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

const minAuthSecretLen = 32

type Config struct {
	Port                  string
	AllowedOrigin         string
	StoreBackend          string
	DatabaseURL           string
	BoltPath              string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	StatsCacheTTLSeconds  int
	AuthSecret            string
	AccessTokenTTLMinutes int
	Currency              string
	SaleMaxAttempts       int
	LowStockThreshold     string
	StatsJobSpec          string
	LowStockJobSpec       string
	LogLevel              string
	LogFormat             string
	LogFile               string
	LogMaxSizeMB          int
	LogMaxBackups         int
	LogMaxAgeDays         int
}

func Load() Config {
	databaseURL := os.Getenv("DATABASE_URL")
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	if backend == "" {
		backend = BackendMemory
		if databaseURL != "" {
			backend = BackendPostgres
		}
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		StoreBackend:          backend,
		DatabaseURL:           databaseURL,
		BoltPath:              getEnv("BOLT_PATH", "dukapos.db"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		StatsCacheTTLSeconds:  getInt("STATS_CACHE_TTL_SECONDS", 30, 1),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		Currency:              strings.ToUpper(getEnv("CURRENCY", "KSH")),
		SaleMaxAttempts:       getInt("SALE_MAX_ATTEMPTS", 3, 1),
		LowStockThreshold:     getEnv("LOW_STOCK_THRESHOLD", "1"),
		StatsJobSpec:          getEnv("JOBS_STATS_SPEC", "@every 5m"),
		LowStockJobSpec:       getEnv("JOBS_LOW_STOCK_SPEC", "0 7 * * *"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "console"),
		LogFile:               os.Getenv("LOG_FILE"),
		LogMaxSizeMB:          getInt("LOG_MAX_SIZE_MB", 64, 1),
		LogMaxBackups:         getInt("LOG_MAX_BACKUPS", 7, 0),
		LogMaxAgeDays:         getInt("LOG_MAX_AGE_DAYS", 7, 1),
	}

	return cfg
}

// Validate rejects settings the server must not start with.
func (c Config) Validate() error {
	if len(c.AuthSecret) < minAuthSecretLen {
		return fmt.Errorf("AUTH_SECRET must be at least %d characters", minAuthSecretLen)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendBolt:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below floor.
func getInt(key string, fallback int, floor int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := cast.ToIntE(raw)
	if err != nil || n < floor {
		return fallback
	}
	return n
}
