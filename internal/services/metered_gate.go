package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"vision-api/internal/logger"
	"vision-api/internal/metrics"
	"vision-api/internal/models"
	"vision-api/internal/pkg/errors"
)

// ProtectedAction is the metered work. record is the caller's usage with
// the unit for this call already reserved.
type ProtectedAction func(ctx context.Context, record *models.UsageRecord) error

// MeteredGate charges one unit for each successful protected action and
// nothing for failed ones.
type MeteredGate interface {
	Run(ctx context.Context, userID, action string, fn ProtectedAction) (*models.UsageRecord, error)
}

type meteredGate struct {
	usage   UsageService
	events  UsageEventService
	metrics *metrics.Metrics
}

// NewMeteredGate builds a gate. events and m may be nil.
func NewMeteredGate(usage UsageService, events UsageEventService, m *metrics.Metrics) MeteredGate {
	return &meteredGate{usage: usage, events: events, metrics: m}
}

func (g *meteredGate) Run(ctx context.Context, userID, action string, fn ProtectedAction) (*models.UsageRecord, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}

	// Reserve reads the store directly. Cached usage never decides access.
	reserved, ok, err := g.usage.Reserve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		g.reject(ctx, userID, action, reserved)
		return reserved, errors.Wrap(errors.ErrQuotaExceeded, "Usage limit exceeded. Please upgrade your plan.")
	}

	if actionErr := fn(ctx, reserved); actionErr != nil {
		released, err := g.usage.Release(ctx, userID)
		if err != nil {
			logger.LogEvent(logrus.ErrorLevel, "Failed to release usage reservation", logrus.Fields{
				"user_id": userID,
				"action":  action,
				"error":   err.Error(),
			})
			released = reserved
		}
		g.record(ctx, userID, action, models.OutcomeReleased, released, actionErr.Error())
		return released, actionErr
	}

	charged, err := g.usage.Commit(ctx, userID)
	if err != nil {
		logger.LogEvent(logrus.ErrorLevel, "Failed to commit usage", logrus.Fields{
			"user_id": userID,
			"action":  action,
			"error":   err.Error(),
		})
		// Hand the held unit back so it does not sit reserved until rollover.
		released, releaseErr := g.usage.Release(ctx, userID)
		if releaseErr != nil {
			logger.LogEvent(logrus.ErrorLevel, "Failed to release usage reservation", logrus.Fields{
				"user_id": userID,
				"action":  action,
				"error":   releaseErr.Error(),
			})
			return nil, err
		}
		g.record(ctx, userID, action, models.OutcomeReleased, released, "commit failed: "+err.Error())
		return nil, err
	}
	g.record(ctx, userID, action, models.OutcomeCharged, charged, "")
	return charged, nil
}

func (g *meteredGate) reject(ctx context.Context, userID, action string, record *models.UsageRecord) {
	logger.LogEvent(logrus.InfoLevel, "Usage limit reached", logrus.Fields{
		"user_id":     userID,
		"action":      action,
		"used_count":  record.UsedCount,
		"total_limit": record.TotalLimit,
	})
	g.record(ctx, userID, action, models.OutcomeRejected, record, "quota exceeded")
}

func (g *meteredGate) record(ctx context.Context, userID, action string, outcome models.UsageOutcome, record *models.UsageRecord, detail string) {
	if g.metrics != nil {
		g.metrics.RecordGateDecision(action, string(outcome))
	}
	if g.events != nil {
		g.events.Record(ctx, userID, action, outcome, record, detail)
	}
}
