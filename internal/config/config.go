package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vision-api/internal/models"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     *CacheConfig
	Quota     *QuotaConfig
	Inference InferenceConfig
	Auth      AuthConfig
	Billing   BillingConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port                 string
	ReadTimeout          time.Duration
	IdleTimeout          time.Duration
	AllowedOrigins       []string
	MaxRequestBytes      int64
	MaxConcurrentStreams int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type InferenceConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	SystemPrompt      string
	DefaultPrompt     string
	StreamIdleTimeout time.Duration
	StreamMaxDuration time.Duration
	FailureThreshold  uint32
	OpenTimeout       time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type BillingConfig struct {
	StripeWebhookSecret string
	PriceTiers          map[string]models.SubscriptionTier
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %v", err)
	}

	cfg := &Config{}
	var err error

	if cfg.Server, err = loadServerConfig(); err != nil {
		return nil, err
	}
	if cfg.Database, err = loadDatabaseConfig(); err != nil {
		return nil, err
	}
	if cfg.Cache, err = loadCacheConfig(); err != nil {
		return nil, err
	}
	if cfg.Quota, err = loadQuotaConfig(); err != nil {
		return nil, err
	}
	if cfg.Inference, err = loadInferenceConfig(); err != nil {
		return nil, err
	}
	if cfg.Billing, err = loadBillingConfig(); err != nil {
		return nil, err
	}

	cfg.Auth = AuthConfig{JWTSecret: os.Getenv("JWT_SECRET")}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	cfg.Log = LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
		File:   getEnv("LOG_FILE", ""),
	}

	return cfg, nil
}

func loadServerConfig() (ServerConfig, error) {
	cfg := ServerConfig{
		Port:           getEnv("PORT", "5050"),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}
	var err error

	if cfg.ReadTimeout, err = getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return cfg, err
	}
	maxBytes, err := getEnvInt("MAX_REQUEST_BYTES", 20<<20)
	if err != nil {
		return cfg, err
	}
	cfg.MaxRequestBytes = int64(maxBytes)
	if cfg.MaxConcurrentStreams, err = getEnvInt("MAX_CONCURRENT_STREAMS", 2); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadDatabaseConfig() (DatabaseConfig, error) {
	cfg := DatabaseConfig{URL: os.Getenv("DATABASE_URL")}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	var err error

	if cfg.MaxOpenConns, err = getEnvInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return cfg, err
	}
	if cfg.MaxIdleConns, err = getEnvInt("DB_MAX_IDLE_CONNS", 25); err != nil {
		return cfg, err
	}
	if cfg.ConnMaxLifetime, err = getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadInferenceConfig() (InferenceConfig, error) {
	cfg := InferenceConfig{
		BaseURL: getEnv("INFERENCE_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		APIKey:  os.Getenv("INFERENCE_API_KEY"),
		Model:   getEnv("INFERENCE_MODEL", ""),
		SystemPrompt: getEnv("INFERENCE_SYSTEM_PROMPT",
			"You are a helpful assistant specialized in analyzing images and providing detailed frontend implementation suggestions."),
		DefaultPrompt: getEnv("INFERENCE_DEFAULT_PROMPT",
			"Analyze the design and layout of these images and provide detailed frontend implementation suggestions."),
	}
	var err error

	if cfg.StreamIdleTimeout, err = getEnvDuration("STREAM_IDLE_TIMEOUT", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxDuration, err = getEnvDuration("STREAM_MAX_DURATION", 5*time.Minute); err != nil {
		return cfg, err
	}
	threshold, err := getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	if err != nil {
		return cfg, err
	}
	if threshold < 1 {
		return cfg, invalid("BREAKER_FAILURE_THRESHOLD", "must be at least 1")
	}
	cfg.FailureThreshold = uint32(threshold)
	if cfg.OpenTimeout, err = getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadBillingConfig() (BillingConfig, error) {
	cfg := BillingConfig{
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	}
	tiers, err := ParsePriceTiers(os.Getenv("STRIPE_PRICE_TIERS"))
	if err != nil {
		return cfg, err
	}
	cfg.PriceTiers = tiers
	return cfg, nil
}

// ParsePriceTiers parses "price_a:premium,price_b:basic".
func ParsePriceTiers(raw string) (map[string]models.SubscriptionTier, error) {
	tiers := make(map[string]models.SubscriptionTier)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		priceID, tierName, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(priceID) == "" {
			return nil, invalid("STRIPE_PRICE_TIERS", fmt.Sprintf("malformed entry %q", pair))
		}
		tier := models.SubscriptionTier(strings.ToLower(strings.TrimSpace(tierName)))
		if !tier.Valid() {
			return nil, invalid("STRIPE_PRICE_TIERS", fmt.Sprintf("unknown tier %q", tierName))
		}
		tiers[strings.TrimSpace(priceID)] = tier
	}
	return tiers, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, invalid(key, "must be an integer")
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, invalid(key, "must be a boolean")
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, invalid(key, "must be a duration such as 30s or 720h")
	}
	return d, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func invalid(key, reason string) error {
	return fmt.Errorf("invalid %s: %s", key, reason)
}
