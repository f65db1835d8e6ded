package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/voice-reward-api/internal/models"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/export"
)

type statsStore interface {
	ContributionBuckets(ctx context.Context, userID string) ([]models.DomainContribution, error)
	TokenRollup(ctx context.Context) ([]models.TokenStatRow, error)
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// StatsService folds recordings and ledger entries into read-only rollups.
type StatsService struct {
	repo     statsStore
	cache    statsCache
	exporter *ExportService
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewStatsService constructs the service. A nil cache reads straight through.
func NewStatsService(repo statsStore, cache statsCache, exporter *ExportService, ttl time.Duration, logger *zap.Logger) *StatsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exporter == nil {
		exporter = NewExportService(logger, nil, nil)
	}
	return &StatsService{repo: repo, cache: cache, exporter: exporter, ttl: ttl, logger: logger, now: time.Now}
}

// ContributionStats groups the user's recordings by domain and capture channel.
// Users without recordings get an empty result.
func (s *StatsService) ContributionStats(ctx context.Context, userID string) (*models.ContributionStats, error) {
	if userID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}
	key := contributionStatsCache + userID
	var cached models.ContributionStats
	if s.fromCache(ctx, key, &cached) {
		return &cached, nil
	}

	buckets, err := s.repo.ContributionBuckets(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate contributions")
	}
	if buckets == nil {
		buckets = []models.DomainContribution{}
	}
	stats := &models.ContributionStats{
		UserID:      userID,
		PerDomain:   buckets,
		GeneratedAt: s.now().UTC(),
	}
	for _, bucket := range buckets {
		stats.TotalRecordings += bucket.Count
	}
	s.toCache(ctx, key, stats)
	return stats, nil
}

// TokenStats rolls up non-rejected tokens by domain, quality and method, largest total first.
func (s *StatsService) TokenStats(ctx context.Context) (*models.TokenStats, error) {
	var cached models.TokenStats
	if s.fromCache(ctx, tokenStatsCacheKey, &cached) {
		return &cached, nil
	}

	rows, err := s.repo.TokenRollup(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate reward tokens")
	}
	if rows == nil {
		rows = []models.TokenStatRow{}
	}
	stats := &models.TokenStats{Rows: rows, GeneratedAt: s.now().UTC()}
	s.toCache(ctx, tokenStatsCacheKey, stats)
	return stats, nil
}

// ExportTokenStats renders TokenStats in the requested format.
func (s *StatsService) ExportTokenStats(ctx context.Context, format export.Format) (*ExportResult, error) {
	stats, err := s.TokenStats(ctx)
	if err != nil {
		return nil, err
	}
	return s.exporter.TokenStats(stats, format)
}

func (s *StatsService) fromCache(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.logger.Sugar().Debugw("stats cache unavailable, reading through", "key", key, "error", err)
		return false
	}
	return hit
}

func (s *StatsService) toCache(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	// errors already logged by the cache service
	_ = s.cache.Set(ctx, key, value, s.ttl)
}
