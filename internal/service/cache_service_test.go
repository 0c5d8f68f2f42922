package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

type cacheRepoStub struct {
	data     map[string][]byte
	ttl      time.Duration
	patterns []string
	getErr   error
}

func (c *cacheRepoStub) Get(ctx context.Context, key string, dest interface{}) error {
	if c.getErr != nil {
		return c.getErr
	}
	raw, ok := c.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *cacheRepoStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = raw
	c.ttl = ttl
	return nil
}

func (c *cacheRepoStub) DeleteByPattern(ctx context.Context, pattern string) error {
	c.patterns = append(c.patterns, pattern)
	c.data = nil
	return nil
}

func TestCacheServiceRoundTripAndMetrics(t *testing.T) {
	repo := &cacheRepoStub{}
	metrics := NewMetricsService()
	svc := NewCacheService(repo, metrics, 5*time.Minute, nil, true)

	var roles []models.Role
	hit, err := svc.Get(context.Background(), roleCatalogCacheKey, &roles)
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, svc.Set(context.Background(), roleCatalogCacheKey, []models.Role{{Name: "Developer"}}, 0))
	require.Equal(t, 5*time.Minute, repo.ttl)

	hit, err = svc.Get(context.Background(), roleCatalogCacheKey, &roles)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "Developer", roles[0].Name)

	snapshot := metrics.Snapshot()
	require.Equal(t, uint64(1), snapshot.CacheHits)
	require.Equal(t, uint64(1), snapshot.CacheMisses)

	require.NoError(t, svc.Invalidate(context.Background(), roleCatalogCachePattern))
	require.Equal(t, []string{roleCatalogCachePattern}, repo.patterns)
}

func TestCacheServiceDisabled(t *testing.T) {
	repo := &cacheRepoStub{getErr: errors.New("should not be called")}
	svc := NewCacheService(repo, nil, 0, nil, false)

	var roles []models.Role
	hit, err := svc.Get(context.Background(), "roles:catalog", &roles)
	require.NoError(t, err)
	require.False(t, hit)
	require.NoError(t, svc.Set(context.Background(), "roles:catalog", roles, time.Minute))
	require.Nil(t, repo.data)
	require.False(t, svc.Enabled())
}

func TestCacheServiceSurfacesBackendErrors(t *testing.T) {
	svc := NewCacheService(&cacheRepoStub{getErr: errors.New("connection reset")}, nil, 0, nil, true)

	var roles []models.Role
	hit, err := svc.Get(context.Background(), "roles:catalog", &roles)
	require.Error(t, err)
	require.False(t, hit)
}
