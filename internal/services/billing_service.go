package services

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v72"

	"vision-api/internal/logger"
	"vision-api/internal/models"
	"vision-api/internal/pkg/errors"
)

const subscriptionUserIDKey = "user_id"

// BillingService turns billing events into tier changes. Payments are
// handled by the billing processor.
type BillingService interface {
	ApplySubscription(ctx context.Context, sub *stripe.Subscription, deleted bool) (*models.UsageRecord, error)
	TierForPrice(priceID string) models.SubscriptionTier
}

type billingService struct {
	usage      UsageService
	priceTiers map[string]models.SubscriptionTier
}

func NewBillingService(usage UsageService, priceTiers map[string]models.SubscriptionTier) BillingService {
	if priceTiers == nil {
		priceTiers = map[string]models.SubscriptionTier{}
	}
	return &billingService{usage: usage, priceTiers: priceTiers}
}

// TierForPrice maps a price id to a tier. Unknown prices are free.
func (s *billingService) TierForPrice(priceID string) models.SubscriptionTier {
	if tier, ok := s.priceTiers[priceID]; ok {
		return tier
	}
	return models.FreeTier
}

func (s *billingService) ApplySubscription(ctx context.Context, sub *stripe.Subscription, deleted bool) (*models.UsageRecord, error) {
	if sub == nil {
		return nil, errors.Wrap(errors.ErrValidation, "missing subscription")
	}
	userID := sub.Metadata[subscriptionUserIDKey]
	if userID == "" {
		return nil, errors.Wrap(errors.ErrValidation, "subscription has no user_id metadata")
	}

	tier := s.tierFor(sub, deleted)
	logger.LogEvent(logrus.InfoLevel, "Applying subscription change", logrus.Fields{
		"user_id":         userID,
		"subscription_id": sub.ID,
		"status":          sub.Status,
		"tier":            tier,
	})

	return s.usage.SetTier(ctx, userID, tier)
}

func (s *billingService) tierFor(sub *stripe.Subscription, deleted bool) models.SubscriptionTier {
	if deleted {
		return models.FreeTier
	}
	switch sub.Status {
	case stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired:
		return models.FreeTier
	}

	// The highest tier among the subscription's prices wins.
	best := models.FreeTier
	if sub.Items == nil {
		return best
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if tier := s.TierForPrice(item.Price.ID); tierRank(tier) > tierRank(best) {
			best = tier
		}
	}
	return best
}

func tierRank(tier models.SubscriptionTier) int {
	switch tier {
	case models.PremiumTier:
		return 2
	case models.BasicTier:
		return 1
	default:
		return 0
	}
}
