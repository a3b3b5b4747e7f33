package config

import (
	"time"
)

type CacheConfig struct {
	Enabled       bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	DefaultTTL    time.Duration
}

func NewCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled:       true,
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       0,
		DefaultTTL:    15 * time.Second,
	}
}

func loadCacheConfig() (*CacheConfig, error) {
	cfg := NewCacheConfig()

	enabled, err := getEnvBool("CACHE_ENABLED", cfg.Enabled)
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled

	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	if cfg.DefaultTTL, err = getEnvDuration("USAGE_CACHE_TTL", cfg.DefaultTTL); err != nil {
		return nil, err
	}

	return cfg, nil
}
