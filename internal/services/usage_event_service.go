package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"vision-api/internal/logger"
	"vision-api/internal/models"
	"vision-api/internal/pkg/errors"
	"vision-api/internal/repository"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// UsageEventService keeps the audit trail of metering decisions. Writes are
// best effort and never fail the caller.
type UsageEventService interface {
	Record(ctx context.Context, userID, action string, outcome models.UsageOutcome, record *models.UsageRecord, detail string)
	History(ctx context.Context, userID string, limit int) ([]models.UsageEvent, error)
}

type usageEventService struct {
	repo repository.UsageEventRepository
}

func NewUsageEventService(repo repository.UsageEventRepository) UsageEventService {
	return &usageEventService{repo: repo}
}

func (s *usageEventService) Record(ctx context.Context, userID, action string, outcome models.UsageOutcome, record *models.UsageRecord, detail string) {
	event := &models.UsageEvent{
		UserID:  userID,
		Action:  action,
		Outcome: outcome,
		Detail:  detail,
	}
	if record != nil {
		event.UsedCount = record.UsedCount
	}

	if err := s.repo.Create(context.WithoutCancel(ctx), event); err != nil {
		logger.LogEvent(logrus.WarnLevel, "Failed to write usage event", logrus.Fields{
			"user_id": userID,
			"outcome": outcome,
			"error":   err.Error(),
		})
	}
}

func (s *usageEventService) History(ctx context.Context, userID string, limit int) ([]models.UsageEvent, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	events, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return events, nil
}
