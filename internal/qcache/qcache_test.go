package qcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/pkg/cache"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

func newResultCache(t *testing.T) *ResultCache {
	t.Helper()
	return NewResultCache(cache.NewNoopValkeyCache(logger.NewNop()), time.Minute, 100, logger.NewNop())
}

func sampleResult(rows int) *models.QueryResult {
	rs := models.ResultSet{Columns: []models.Column{{Name: "n"}}}
	for i := 0; i < rows; i++ {
		rs.Rows = append(rs.Rows, models.Row{i})
	}
	return &models.QueryResult{
		QueryID:  "q1",
		TenantID: "t1",
		Result:   rs,
		RowCount: rows,
	}
}

func TestDigestCoversRolesAndCap(t *testing.T) {
	base := Digest("SELECT 1", []string{"analyst"}, 100)
	assert.Equal(t, base, Digest("SELECT 1", []string{"analyst"}, 100))
	// Role order does not matter.
	assert.Equal(t,
		Digest("SELECT 1", []string{"a", "b"}, 100),
		Digest("SELECT 1", []string{"b", "a"}, 100))
	assert.NotEqual(t, base, Digest("SELECT 2", []string{"analyst"}, 100))
	assert.NotEqual(t, base, Digest("SELECT 1", []string{"viewer"}, 100))
	assert.NotEqual(t, base, Digest("SELECT 1", []string{"analyst"}, 50))
}

func TestResultCacheRoundTrip(t *testing.T) {
	c := newResultCache(t)
	ctx := context.Background()
	digest := Digest("SELECT 1", []string{"analyst"}, 100)

	_, ok := c.Get(ctx, "t1", digest)
	assert.False(t, ok)

	c.Put(ctx, "t1", digest, sampleResult(3))
	got, ok := c.Get(ctx, "t1", digest)
	require.True(t, ok)
	assert.True(t, got.Cached)
	assert.Equal(t, 3, got.RowCount)

	// Another tenant's cache is untouched.
	_, ok = c.Get(ctx, "t2", digest)
	assert.False(t, ok)
}

func TestResultCacheSkipsOversizedResults(t *testing.T) {
	c := newResultCache(t)
	ctx := context.Background()
	digest := Digest("SELECT big", nil, 0)

	c.Put(ctx, "t1", digest, sampleResult(101))
	_, ok := c.Get(ctx, "t1", digest)
	assert.False(t, ok)
}

func TestInvalidateFlipsGeneration(t *testing.T) {
	c := newResultCache(t)
	ctx := context.Background()
	digest := Digest("SELECT 1", nil, 0)

	c.Put(ctx, "t1", digest, sampleResult(1))
	otherDigest := Digest("SELECT other", nil, 0)
	c.Put(ctx, "t2", otherDigest, sampleResult(1))

	require.NoError(t, c.Invalidate(ctx, "t1"))

	_, ok := c.Get(ctx, "t1", digest)
	assert.False(t, ok, "invalidated tenant must miss")
	_, ok = c.Get(ctx, "t2", otherDigest)
	assert.True(t, ok, "other tenants keep their entries")

	// New entries land under the new generation.
	c.Put(ctx, "t1", digest, sampleResult(2))
	got, ok := c.Get(ctx, "t1", digest)
	require.True(t, ok)
	assert.Equal(t, 2, got.RowCount)
}

func TestSchemaCacheCoalescesExtraction(t *testing.T) {
	c := NewSchemaCache(cache.NewNoopValkeyCache(logger.NewNop()), time.Minute, logger.NewNop())
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	extract := func(context.Context) (map[string]models.TableSchema, error) {
		calls.Add(1)
		<-release
		return map[string]models.TableSchema{
			"orders": {Name: "orders", Columns: []models.Column{{Name: "id", Type: "bigint"}}},
		}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.GetOrExtract(ctx, "t1", extract)
			assert.NoError(t, err)
			assert.Contains(t, snap.Tables, "orders")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())

	// Cached now; no further extraction.
	_, err := c.GetOrExtract(ctx, "t1", extract)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSchemaCacheRefreshAndInvalidate(t *testing.T) {
	c := NewSchemaCache(cache.NewNoopValkeyCache(logger.NewNop()), time.Minute, logger.NewNop())
	ctx := context.Background()

	v1 := func(context.Context) (map[string]models.TableSchema, error) {
		return map[string]models.TableSchema{"a": {Name: "a"}}, nil
	}
	v2 := func(context.Context) (map[string]models.TableSchema, error) {
		return map[string]models.TableSchema{"a": {Name: "a"}, "b": {Name: "b"}}, nil
	}

	_, err := c.GetOrExtract(ctx, "t1", v1)
	require.NoError(t, err)

	snap, err := c.Refresh(ctx, "t1", v2)
	require.NoError(t, err)
	assert.Len(t, snap.Tables, 2)

	got, ok := c.Get(ctx, "t1")
	require.True(t, ok)
	assert.Len(t, got.Tables, 2)

	require.NoError(t, c.Invalidate(ctx, "t1"))
	_, ok = c.Get(ctx, "t1")
	assert.False(t, ok)
}
