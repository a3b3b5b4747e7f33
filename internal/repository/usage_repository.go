package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vision-api/internal/models"
	"vision-api/internal/pkg/errors"
)

// UsageRepository persists usage records. Counter mutations are single
// conditional statements so concurrent requests for one user never lose
// updates. Methods returning bool report whether a row was affected.
type UsageRepository interface {
	Find(ctx context.Context, userID string) (*models.UsageRecord, error)
	// Create inserts record unless the user already has one; either way the
	// stored row is returned.
	Create(ctx context.Context, record *models.UsageRecord) (*models.UsageRecord, error)
	Update(ctx context.Context, userID string, fields map[string]interface{}) (*models.UsageRecord, error)
	Increment(ctx context.Context, userID string) (bool, error)
	Reserve(ctx context.Context, userID string) (bool, error)
	Commit(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) (bool, error)
	RollPeriod(ctx context.Context, userID string, now, nextReset time.Time) (bool, error)
}

type usageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

func (r *usageRepository) Find(ctx context.Context, userID string) (*models.UsageRecord, error) {
	var record models.UsageRecord
	result := r.db.WithContext(ctx).First(&record, "user_id = ?", userID)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Wrap(result.Error, "failed to get usage record")
	}

	return &record, nil
}

func (r *usageRepository) Create(ctx context.Context, record *models.UsageRecord) (*models.UsageRecord, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to create usage record")
	}

	if result.RowsAffected == 1 {
		return record, nil
	}

	// Another request created the row first.
	return r.Find(ctx, record.UserID)
}

func (r *usageRepository) Update(ctx context.Context, userID string, fields map[string]interface{}) (*models.UsageRecord, error) {
	values := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values["updated_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("user_id = ?", userID).
		Updates(values)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to update usage record")
	}
	if result.RowsAffected == 0 {
		return nil, errors.ErrNotFound
	}

	return r.Find(ctx, userID)
}

func (r *usageRepository) Increment(ctx context.Context, userID string) (bool, error) {
	return r.exec(ctx, "failed to increment usage",
		map[string]interface{}{
			"used_count": gorm.Expr("used_count + ?", 1),
		},
		"user_id = ?", userID)
}

func (r *usageRepository) Reserve(ctx context.Context, userID string) (bool, error) {
	return r.exec(ctx, "failed to reserve usage",
		map[string]interface{}{
			"reserved_count": gorm.Expr("reserved_count + ?", 1),
		},
		"user_id = ? AND used_count + reserved_count < total_limit", userID)
}

func (r *usageRepository) Commit(ctx context.Context, userID string) (bool, error) {
	return r.exec(ctx, "failed to commit usage",
		map[string]interface{}{
			"used_count":     gorm.Expr("used_count + ?", 1),
			"reserved_count": gorm.Expr("CASE WHEN reserved_count > 0 THEN reserved_count - 1 ELSE 0 END"),
		},
		"user_id = ?", userID)
}

func (r *usageRepository) Release(ctx context.Context, userID string) (bool, error) {
	return r.exec(ctx, "failed to release usage",
		map[string]interface{}{
			"reserved_count": gorm.Expr("reserved_count - ?", 1),
		},
		"user_id = ? AND reserved_count > 0", userID)
}

func (r *usageRepository) RollPeriod(ctx context.Context, userID string, now, nextReset time.Time) (bool, error) {
	return r.exec(ctx, "failed to reset usage period",
		map[string]interface{}{
			"used_count":     0,
			"reserved_count": 0,
			"reset_date":     nextReset,
		},
		"user_id = ? AND reset_date <= ?", userID, now)
}

func (r *usageRepository) exec(ctx context.Context, message string, values map[string]interface{}, query string, args ...interface{}) (bool, error) {
	values["updated_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where(query, args...).
		Updates(values)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, message)
	}
	return result.RowsAffected > 0, nil
}
