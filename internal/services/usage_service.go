package services

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vision-api/internal/config"
	"vision-api/internal/logger"
	"vision-api/internal/models"
	"vision-api/internal/pkg/errors"
	"vision-api/internal/repository"
)

// UsageService owns every read and write of a user's quota state.
type UsageService interface {
	// GetUsage returns the caller's record, creating it with the default
	// tier allowance on first contact.
	GetUsage(ctx context.Context, userID string) (*models.UsageRecord, error)
	// RecordConsumption adds one unit unconditionally. It never checks the
	// limit.
	RecordConsumption(ctx context.Context, userID string) (*models.UsageRecord, error)
	// Reserve holds one unit if used plus reserved is below the limit. The
	// decision always reads the store, never the cache.
	Reserve(ctx context.Context, userID string) (*models.UsageRecord, bool, error)
	Commit(ctx context.Context, userID string) (*models.UsageRecord, error)
	Release(ctx context.Context, userID string) (*models.UsageRecord, error)
	SetTier(ctx context.Context, userID string, tier models.SubscriptionTier) (*models.UsageRecord, error)
}

// cacheGenerations is the number of invalidation counters users are
// hashed onto.
const cacheGenerations = 256

type usageService struct {
	repo     repository.UsageRepository
	quota    *config.QuotaConfig
	cache    CacheService
	cacheTTL time.Duration
	now      func() time.Time

	// generations are bumped by every invalidation. A read that raced a
	// write sees a changed generation and does not cache what it loaded.
	generations [cacheGenerations]atomic.Uint64
}

// NewUsageService builds the accounting service. cache may be nil.
func NewUsageService(
	repo repository.UsageRepository,
	quota *config.QuotaConfig,
	cache CacheService,
	cacheTTL time.Duration,
) UsageService {
	if quota == nil {
		quota = config.NewQuotaConfig()
	}
	return &usageService{
		repo:     repo,
		quota:    quota,
		cache:    cache,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *usageService) GetUsage(ctx context.Context, userID string) (*models.UsageRecord, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}

	if record, ok := s.cached(ctx, userID); ok {
		return record, nil
	}

	gen := s.generation(userID).Load()
	record, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.store(ctx, record, gen)
	return record, nil
}

func (s *usageService) RecordConsumption(ctx context.Context, userID string) (*models.UsageRecord, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}
	ctx = context.WithoutCancel(ctx)
	defer s.invalidate(ctx, userID)

	if err := s.rollIfDue(ctx, userID); err != nil {
		return nil, err
	}

	ok, err := s.repo.Increment(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if !ok {
		record := s.newRecord(userID, s.quota.DefaultTier)
		record.UsedCount = 1

		created, err := s.repo.Create(ctx, record)
		if err != nil {
			return nil, storeError(err)
		}
		if created.ID == record.ID {
			return created, nil
		}
		// Lost the insert race; charge the winner's row instead.
		if _, err := s.repo.Increment(ctx, userID); err != nil {
			return nil, storeError(err)
		}
	}

	return s.find(ctx, userID)
}

func (s *usageService) Reserve(ctx context.Context, userID string) (*models.UsageRecord, bool, error) {
	if userID == "" {
		return nil, false, errors.ErrUnauthorized
	}

	current, err := s.load(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if current.Exhausted() {
		return current, false, nil
	}

	ok, err := s.repo.Reserve(ctx, userID)
	if err != nil {
		return nil, false, storeError(err)
	}
	if ok {
		s.invalidate(ctx, userID)
	}

	record, err := s.find(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return record, ok, nil
}

func (s *usageService) Commit(ctx context.Context, userID string) (*models.UsageRecord, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.invalidate(ctx, userID)

	ok, err := s.repo.Commit(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if !ok {
		return nil, storeError(errors.ErrNotFound)
	}
	return s.find(ctx, userID)
}

func (s *usageService) Release(ctx context.Context, userID string) (*models.UsageRecord, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.invalidate(ctx, userID)

	// A false result means a rollover already cleared the reservation.
	if _, err := s.repo.Release(ctx, userID); err != nil {
		return nil, storeError(err)
	}
	return s.find(ctx, userID)
}

func (s *usageService) SetTier(ctx context.Context, userID string, tier models.SubscriptionTier) (*models.UsageRecord, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}
	if !tier.Valid() {
		return nil, errors.Wrap(errors.ErrValidation, "unknown subscription tier")
	}
	ctx = context.WithoutCancel(ctx)
	defer s.invalidate(ctx, userID)

	if _, err := s.load(ctx, userID); err != nil {
		return nil, err
	}

	record, err := s.repo.Update(ctx, userID, map[string]interface{}{
		"subscription_tier": tier,
		"total_limit":       s.quota.LimitFor(tier),
	})
	if err != nil {
		return nil, storeError(err)
	}

	logger.LogEvent(logrus.InfoLevel, "Subscription tier applied", logrus.Fields{
		"user_id":     userID,
		"tier":        tier,
		"total_limit": record.TotalLimit,
	})
	return record, nil
}

// load finds or lazily creates the record and rolls it into the current
// period when its reset date has passed.
func (s *usageService) load(ctx context.Context, userID string) (*models.UsageRecord, error) {
	record, err := s.repo.Find(ctx, userID)
	if errors.Is(err, errors.ErrNotFound) {
		record, err = s.repo.Create(ctx, s.newRecord(userID, s.quota.DefaultTier))
		if err != nil {
			return nil, storeError(err)
		}
	} else if err != nil {
		return nil, storeError(err)
	}

	if s.now().Before(record.ResetDate) {
		return record, nil
	}
	if err := s.rollIfDue(ctx, userID); err != nil {
		return nil, err
	}
	return s.find(ctx, userID)
}

func (s *usageService) rollIfDue(ctx context.Context, userID string) error {
	now := s.now()
	rolled, err := s.repo.RollPeriod(ctx, userID, now, now.Add(s.quota.Period))
	if err != nil {
		return storeError(err)
	}
	if rolled {
		logger.LogEvent(logrus.InfoLevel, "Usage period reset", logrus.Fields{
			"user_id": userID,
		})
	}
	return nil
}

func (s *usageService) find(ctx context.Context, userID string) (*models.UsageRecord, error) {
	record, err := s.repo.Find(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return record, nil
}

func (s *usageService) newRecord(userID string, tier models.SubscriptionTier) *models.UsageRecord {
	return &models.UsageRecord{
		UserID:           userID,
		SubscriptionTier: tier,
		TotalLimit:       s.quota.LimitFor(tier),
		ResetDate:        s.now().Add(s.quota.Period),
	}
}

// usageSnapshot is the cached form of a record. It keeps the fields the
// JSON API hides.
type usageSnapshot struct {
	UserID           string                  `json:"user_id"`
	SubscriptionTier models.SubscriptionTier `json:"subscription_tier"`
	TotalLimit       int                     `json:"total_limit"`
	UsedCount        int                     `json:"used_count"`
	ReservedCount    int                     `json:"reserved_count"`
	ResetDate        time.Time               `json:"reset_date"`
}

func (s *usageService) cached(ctx context.Context, userID string) (*models.UsageRecord, bool) {
	if s.cache == nil {
		return nil, false
	}

	raw, err := s.cache.Get(ctx, usageCacheKey(userID))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			logger.LogEvent(logrus.WarnLevel, "Usage cache read failed", logrus.Fields{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
		return nil, false
	}

	var snap usageSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false
	}
	if !s.now().Before(snap.ResetDate) {
		return nil, false
	}

	return &models.UsageRecord{
		UserID:           snap.UserID,
		SubscriptionTier: snap.SubscriptionTier,
		TotalLimit:       snap.TotalLimit,
		UsedCount:        snap.UsedCount,
		ReservedCount:    snap.ReservedCount,
		ResetDate:        snap.ResetDate,
	}, true
}

// store caches record unless an invalidation happened since gen was read.
func (s *usageService) store(ctx context.Context, record *models.UsageRecord, gen uint64) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}
	counter := s.generation(record.UserID)
	if counter.Load() != gen {
		return
	}

	snap := usageSnapshot{
		UserID:           record.UserID,
		SubscriptionTier: record.SubscriptionTier,
		TotalLimit:       record.TotalLimit,
		UsedCount:        record.UsedCount,
		ReservedCount:    record.ReservedCount,
		ResetDate:        record.ResetDate,
	}
	if err := s.cache.Set(ctx, usageCacheKey(record.UserID), snap, s.cacheTTL); err != nil {
		logger.LogEvent(logrus.WarnLevel, "Usage cache write failed", logrus.Fields{
			"user_id": record.UserID,
			"error":   err.Error(),
		})
		return
	}
	// A write that landed between the check and Set may have deleted the
	// key before Set ran.
	if counter.Load() != gen {
		s.invalidate(ctx, record.UserID)
	}
}

func (s *usageService) invalidate(ctx context.Context, userID string) {
	s.generation(userID).Add(1)
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(context.WithoutCancel(ctx), usageCacheKey(userID)); err != nil {
		logger.LogEvent(logrus.WarnLevel, "Usage cache invalidation failed", logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

func (s *usageService) generation(userID string) *atomic.Uint64 {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.generations[h.Sum32()%cacheGenerations]
}

func storeError(err error) error {
	if errors.Is(err, errors.ErrStoreUnavailable) {
		return err
	}
	return errors.Join(errors.ErrStoreUnavailable, err)
}
