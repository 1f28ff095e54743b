package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/content"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/dbconfig"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/httpx"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/sweep"
)

const (
	driverMemory   = "memory"
	driverPostgres = "postgres"

	contentYAML     = "yaml"
	contentPostgres = "postgres"
)

type Config struct {
	Port          string
	StorageDriver string
	Database      dbconfig.Config
	AllowedOrigin string
	SessionSecret string
	RedisURL      string
	NATSURL       string
	ScenariosPath string
	ContentSource string
	StaleAfter    time.Duration
	SweepInterval time.Duration
	RateLimits    map[resilience.Class]resilience.Budget
	Proxies       httpx.ProxyTrust
}

// rateLimitFile is the optional RATE_LIMITS_PATH document.
type rateLimitFile struct {
	RateLimits map[resilience.Class]resilience.Budget `yaml:"rate_limits"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid duration")
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig() (*Config, error) {
	driver := strings.ToLower(getEnv("STORAGE_DRIVER", ""))
	if driver == "" {
		driver = driverMemory
		if dbconfig.Configured() {
			driver = driverPostgres
		}
	}
	if driver != driverMemory && driver != driverPostgres {
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", driver)
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		StorageDriver: driver,
		Database:      dbconfig.NewConfigFromEnv(),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),
		SessionSecret: os.Getenv("SESSION_SECRET"),
		RedisURL:      os.Getenv("REDIS_URL"),
		NATSURL:       os.Getenv("NATS_URL"),
		ScenariosPath: getEnv("SCENARIOS_PATH", content.DefaultPath),
		ContentSource: strings.ToLower(getEnv("CONTENT_SOURCE", contentYAML)),
		StaleAfter:    getEnvAsDuration("STALE_AFTER", sweep.DefaultStaleAfter),
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", sweep.DefaultInterval),
	}

	if cfg.ContentSource != contentYAML && cfg.ContentSource != contentPostgres {
		return nil, fmt.Errorf("unknown CONTENT_SOURCE %q", cfg.ContentSource)
	}
	if cfg.ContentSource == contentPostgres && cfg.StorageDriver != driverPostgres && !dbconfig.Configured() {
		return nil, errors.New("CONTENT_SOURCE=postgres requires a database")
	}

	if cfg.SessionSecret == "" {
		if cfg.StorageDriver == driverPostgres {
			return nil, errors.New("SESSION_SECRET is required with postgres storage")
		}
		secret, err := auth.RandomSecret()
		if err != nil {
			return nil, err
		}
		cfg.SessionSecret = secret
		log.Warn().Msg("SESSION_SECRET not set, tokens will not survive a restart")
	}

	proxies, err := httpx.ParseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}
	cfg.Proxies = proxies

	if path := os.Getenv("RATE_LIMITS_PATH"); path != "" {
		limits, err := loadRateLimits(path)
		if err != nil {
			return nil, err
		}
		cfg.RateLimits = limits
	}
	return cfg, nil
}

func loadRateLimits(path string) (map[resilience.Class]resilience.Budget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit file: %w", err)
	}

	var file rateLimitFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rate limit file: %w", err)
	}
	return file.RateLimits, nil
}
