package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/voice-reward-api/internal/models"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/export"
)

type memCacheRepo struct {
	mu     sync.Mutex
	values map[string][]byte
	getErr error
}

func newMemCacheRepo() *memCacheRepo {
	return &memCacheRepo{values: map[string][]byte{}}
}

func (r *memCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return r.getErr
	}
	raw, ok := r.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (r *memCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	r.values[key] = raw
	return nil
}

func (r *memCacheRepo) DeleteByPattern(ctx context.Context, pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.values {
		if ok, _ := path.Match(pattern, key); ok {
			delete(r.values, key)
		}
	}
	return nil
}

type statsRepoStub struct {
	buckets  map[string][]models.DomainContribution
	rollup   []models.TokenStatRow
	err      error
	contribs int
	rollups  int
}

func (s *statsRepoStub) ContributionBuckets(ctx context.Context, userID string) ([]models.DomainContribution, error) {
	s.contribs++
	if s.err != nil {
		return nil, s.err
	}
	return s.buckets[userID], nil
}

func (s *statsRepoStub) TokenRollup(ctx context.Context) ([]models.TokenStatRow, error) {
	s.rollups++
	if s.err != nil {
		return nil, s.err
	}
	return s.rollup, nil
}

func floatPtr(v float64) *float64 { return &v }

func sampleStatsRepo() *statsRepoStub {
	return &statsRepoStub{
		buckets: map[string][]models.DomainContribution{
			"user-1": {
				{Domain: models.DomainHealth, RecordedVia: models.RecordedViaDevice, Count: 4, ScoredCount: 3, AvgQualityScore: floatPtr(2.67)},
				{Domain: models.DomainFinance, RecordedVia: models.RecordedViaWeb, Count: 2, ScoredCount: 0},
			},
		},
		rollup: []models.TokenStatRow{
			{Domain: "health", Quality: models.QualityGood, Method: models.MethodAPI, TotalAmount: 15, Count: 3},
		},
	}
}

func TestStatsContributionTotals(t *testing.T) {
	svc := NewStatsService(sampleStatsRepo(), nil, nil, time.Minute, nil)

	stats, err := svc.ContributionStats(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 6, stats.TotalRecordings)
	require.Len(t, stats.PerDomain, 2)
	assert.Nil(t, stats.PerDomain[1].AvgQualityScore)

	empty, err := svc.ContributionStats(context.Background(), "user-404")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRecordings)
	assert.NotNil(t, empty.PerDomain)
	assert.Empty(t, empty.PerDomain)

	_, err = svc.ContributionStats(context.Background(), "")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestStatsUsesCacheUntilInvalidated(t *testing.T) {
	repo := sampleStatsRepo()
	cacheRepo := newMemCacheRepo()
	cache := NewCacheService(cacheRepo, NewMetricsService(), time.Minute, nil, true)
	svc := NewStatsService(repo, cache, nil, time.Minute, nil)
	ctx := context.Background()

	first, err := svc.TokenStats(ctx)
	require.NoError(t, err)
	second, err := svc.TokenStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.rollups)
	assert.Equal(t, first.Rows, second.Rows)

	_, err = svc.ContributionStats(ctx, "user-1")
	require.NoError(t, err)
	_, err = svc.ContributionStats(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.contribs)

	require.NoError(t, cache.Invalidate(ctx, StatsCachePattern))
	_, err = svc.TokenStats(ctx)
	require.NoError(t, err)
	_, err = svc.ContributionStats(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.rollups)
	assert.Equal(t, 2, repo.contribs)
}

func TestStatsCacheFailureReadsThrough(t *testing.T) {
	repo := sampleStatsRepo()
	cacheRepo := newMemCacheRepo()
	cacheRepo.getErr = errors.New("redis: connection refused")
	svc := NewStatsService(repo, NewCacheService(cacheRepo, nil, time.Minute, nil, true), nil, time.Minute, nil)

	stats, err := svc.TokenStats(context.Background())
	require.NoError(t, err)
	assert.Len(t, stats.Rows, 1)
}

func TestStatsRepositoryError(t *testing.T) {
	repo := sampleStatsRepo()
	repo.err = errors.New("boom")
	svc := NewStatsService(repo, nil, nil, time.Minute, nil)

	_, err := svc.TokenStats(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}

func TestStatsExportTokenStats(t *testing.T) {
	svc := NewStatsService(sampleStatsRepo(), nil, nil, time.Minute, nil)

	result, err := svc.ExportTokenStats(context.Background(), export.FormatCSV)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(result.Payload, []byte("health,good,api,3,15")))
}
