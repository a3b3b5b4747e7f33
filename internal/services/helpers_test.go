package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vision-api/internal/config"
	"vision-api/internal/database"
	"vision-api/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.InitDB(config.DatabaseConfig{
		URL:          "sqlite:file:" + name + "?mode=memory&cache=shared",
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestUsageService returns a service on a fresh database together with
// the repository and clock behind it. cache may be nil.
func newTestUsageService(t *testing.T, cache CacheService) (*usageService, repository.UsageRepository, *testClock) {
	t.Helper()
	repo := repository.NewUsageRepository(newTestDB(t))
	clock := newTestClock()

	svc := NewUsageService(repo, config.NewQuotaConfig(), cache, time.Minute).(*usageService)
	svc.now = clock.Now
	return svc, repo, clock
}

// memoryCache is an in-process CacheService.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]string
	deletes int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]string)}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return value, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = string(data)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.deletes++
	return nil
}

func (c *memoryCache) Ping(context.Context) error { return nil }

func (c *memoryCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}
