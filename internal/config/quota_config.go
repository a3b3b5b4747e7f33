package config

import (
	"time"

	"vision-api/internal/models"
)

// QuotaConfig holds the per-tier allowance applied when a usage record is
// created or its tier changes.
type QuotaConfig struct {
	Limits      map[models.SubscriptionTier]int
	DefaultTier models.SubscriptionTier
	Period      time.Duration
}

func NewQuotaConfig() *QuotaConfig {
	return &QuotaConfig{
		Limits: map[models.SubscriptionTier]int{
			models.FreeTier:    10,
			models.BasicTier:   100,
			models.PremiumTier: 500,
		},
		DefaultTier: models.FreeTier,
		Period:      30 * 24 * time.Hour,
	}
}

// LimitFor returns the allowance for tier, falling back to the default tier.
func (c *QuotaConfig) LimitFor(tier models.SubscriptionTier) int {
	if limit, ok := c.Limits[tier]; ok {
		return limit
	}
	return c.Limits[c.DefaultTier]
}

func loadQuotaConfig() (*QuotaConfig, error) {
	cfg := NewQuotaConfig()

	for tier, key := range map[models.SubscriptionTier]string{
		models.FreeTier:    "QUOTA_FREE_LIMIT",
		models.BasicTier:   "QUOTA_BASIC_LIMIT",
		models.PremiumTier: "QUOTA_PREMIUM_LIMIT",
	} {
		limit, err := getEnvInt(key, cfg.Limits[tier])
		if err != nil {
			return nil, err
		}
		if limit < 0 {
			return nil, invalid(key, "must not be negative")
		}
		cfg.Limits[tier] = limit
	}

	period, err := getEnvDuration("QUOTA_PERIOD", cfg.Period)
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		return nil, invalid("QUOTA_PERIOD", "must be positive")
	}
	cfg.Period = period

	return cfg, nil
}
