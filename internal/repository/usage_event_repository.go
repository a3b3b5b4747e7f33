package repository

import (
	"context"

	"gorm.io/gorm"

	"vision-api/internal/models"
	"vision-api/internal/pkg/errors"
)

type UsageEventRepository interface {
	Create(ctx context.Context, event *models.UsageEvent) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.UsageEvent, error)
}

type usageEventRepository struct {
	db *gorm.DB
}

func NewUsageEventRepository(db *gorm.DB) UsageEventRepository {
	return &usageEventRepository{db: db}
}

func (r *usageEventRepository) Create(ctx context.Context, event *models.UsageEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.Wrap(err, "failed to create usage event")
	}
	return nil
}

func (r *usageEventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.UsageEvent, error) {
	var events []models.UsageEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list usage events")
	}
	return events, nil
}
