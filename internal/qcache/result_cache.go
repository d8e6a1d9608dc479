// Package qcache layers the query result cache and the schema snapshot
// cache on top of Valkey. Both caches are tenant-scoped by key and
// invalidated wholesale through per-tenant generation counters, so an
// invalidation never has to enumerate keys.
package qcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/pkg/cache"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// ResultCache stores filtered query results. The cache key covers the
// executed query, the caller's role set and the row cap, so two users
// with different visibility never share an entry.
type ResultCache struct {
	cache   cache.Valkey
	ttl     time.Duration
	maxRows int
	log     logger.Logger
}

func NewResultCache(ck cache.Valkey, ttl time.Duration, maxRows int, log logger.Logger) *ResultCache {
	return &ResultCache{cache: ck, ttl: ttl, maxRows: maxRows, log: log}
}

// Digest fingerprints one cacheable dispatch.
func Digest(executedQuery string, roles []string, maxRows int) string {
	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", executedQuery, strings.Join(sorted, ","), maxRows)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ResultCache) Get(ctx context.Context, tenantID, digest string) (*models.QueryResult, bool) {
	key, err := c.key(ctx, tenantID, digest)
	if err != nil {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if err != cache.ErrCacheMiss {
			c.log.Warn("result cache read failed", "tenant_id", tenantID, "error", err)
		}
		monitoring.RecordCacheOperation("result_get", "miss")
		return nil, false
	}
	var res models.QueryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		c.log.Warn("result cache entry corrupt", "tenant_id", tenantID, "error", err)
		return nil, false
	}
	monitoring.RecordCacheOperation("result_get", "hit")
	res.Cached = true
	return &res, true
}

// Put stores a result unless it exceeds the cacheable row cap.
// Best-effort: a failed write only costs the next caller a re-run.
func (c *ResultCache) Put(ctx context.Context, tenantID, digest string, res *models.QueryResult) {
	if c.maxRows > 0 && res.RowCount > c.maxRows {
		return
	}
	key, err := c.key(ctx, tenantID, digest)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, res, c.ttl); err != nil {
		c.log.Warn("result cache write failed", "tenant_id", tenantID, "error", err)
		return
	}
	monitoring.RecordCacheOperation("result_put", "success")
}

// Invalidate bumps the tenant's result generation. Old entries become
// unreachable immediately and age out by TTL.
func (c *ResultCache) Invalidate(ctx context.Context, tenantID string) error {
	_, err := c.cache.Incr(ctx, genKey(tenantID))
	if err != nil {
		return err
	}
	monitoring.RecordCacheOperation("result_invalidate", "success")
	return nil
}

func (c *ResultCache) key(ctx context.Context, tenantID, digest string) (string, error) {
	gen, err := generation(ctx, c.cache, genKey(tenantID))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("qg:%s:result:%d:%s", tenantID, gen, digest), nil
}

func genKey(tenantID string) string { return "qg:" + tenantID + ":result:gen" }

// generation reads a counter key, treating absence as zero.
func generation(ctx context.Context, ck cache.Valkey, key string) (int64, error) {
	raw, err := ck.Get(ctx, key)
	if err == cache.ErrCacheMiss {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	// Counter keys written by INCR hold plain integers.
	gen, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, err
	}
	return gen, nil
}
