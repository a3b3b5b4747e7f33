package models

type SubscriptionTier string

const (
	FreeTier    SubscriptionTier = "free"
	BasicTier   SubscriptionTier = "basic"
	PremiumTier SubscriptionTier = "premium"
)

func (t SubscriptionTier) Valid() bool {
	switch t {
	case FreeTier, BasicTier, PremiumTier:
		return true
	}
	return false
}
