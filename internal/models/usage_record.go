package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsageRecord is the per-user quota state for the current period.
type UsageRecord struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey" json:"-"`
	UserID           string           `gorm:"type:varchar(255);uniqueIndex;not null" json:"userId"`
	SubscriptionTier SubscriptionTier `gorm:"type:varchar(20);not null" json:"subscriptionTier"`
	TotalLimit       int              `gorm:"not null" json:"totalLimit"`
	UsedCount        int              `gorm:"not null;default:0" json:"usedCount"`
	// Units held by protected actions still in flight.
	ReservedCount int       `gorm:"not null;default:0" json:"-"`
	ResetDate     time.Time `gorm:"not null" json:"resetDate"`
	CreatedAt     time.Time `gorm:"not null" json:"-"`
	UpdatedAt     time.Time `gorm:"not null" json:"-"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// Remaining is the number of actions that can still be started this period.
func (u *UsageRecord) Remaining() int {
	remaining := u.TotalLimit - u.UsedCount - u.ReservedCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (u *UsageRecord) Exhausted() bool {
	return u.UsedCount >= u.TotalLimit
}

func (u *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}

	return nil
}
