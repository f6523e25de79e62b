package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agis-digital/agis-api/internal/models"
	appErrors "github.com/agis-digital/agis-api/pkg/errors"
)

// cacheRepository abstracts persistence for cached payloads.
type cacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheService fronts the user read path with a Redis cache. All methods are
// safe on a nil receiver so callers never branch on whether caching is on.
type CacheService struct {
	repo    cacheRepository
	metrics *MetricsService
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCacheService constructs a cache service.
func NewCacheService(repo cacheRepository, metrics *MetricsService, ttl time.Duration, logger *zap.Logger) *CacheService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, ttl: ttl, logger: logger}
}

// GetUser returns the cached user and whether the cache was hit.
func (s *CacheService) GetUser(ctx context.Context, id string) (*models.User, bool) {
	if s == nil || s.repo == nil {
		return nil, false
	}

	start := time.Now()
	var user models.User
	err := s.repo.Get(ctx, userCacheKey(id), &user)
	duration := time.Since(start)

	if err != nil {
		s.metrics.RecordCacheOperation(false, duration)
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("user cache get failed", zap.String("user_id", id), zap.Error(err))
		}
		return nil, false
	}

	s.metrics.RecordCacheOperation(true, duration)
	return &user, true
}

// SetUser stores the user with the configured TTL.
func (s *CacheService) SetUser(ctx context.Context, user *models.User) {
	if s == nil || s.repo == nil || user == nil {
		return
	}

	start := time.Now()
	if err := s.repo.Set(ctx, userCacheKey(user.ID), user, s.ttl); err != nil {
		s.logger.Warn("user cache set failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	s.metrics.ObserveCacheWrite(time.Since(start))
}

// InvalidateUser drops the cached entry after a mutation.
func (s *CacheService) InvalidateUser(ctx context.Context, id string) {
	if s == nil || s.repo == nil {
		return
	}

	if err := s.repo.Delete(ctx, userCacheKey(id)); err != nil {
		s.logger.Warn("user cache invalidation failed", zap.String("user_id", id), zap.Error(err))
	}
}

func userCacheKey(id string) string {
	return "users:" + id
}
