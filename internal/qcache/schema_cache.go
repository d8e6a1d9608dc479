package qcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/pkg/cache"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// SchemaCache stores per-tenant schema snapshots. Concurrent misses
// for the same tenant coalesce into a single extraction, since schema
// walks are the most expensive read a clone serves.
type SchemaCache struct {
	cache cache.Valkey
	ttl   time.Duration
	log   logger.Logger

	mu     sync.Mutex
	flight map[string]*extraction
}

type extraction struct {
	done chan struct{}
	snap *models.SchemaSnapshot
	err  error
}

func NewSchemaCache(ck cache.Valkey, ttl time.Duration, log logger.Logger) *SchemaCache {
	return &SchemaCache{cache: ck, ttl: ttl, log: log, flight: make(map[string]*extraction)}
}

func schemaKey(tenantID string) string { return "qg:" + tenantID + ":schema" }

// Get returns the cached snapshot, if any.
func (c *SchemaCache) Get(ctx context.Context, tenantID string) (*models.SchemaSnapshot, bool) {
	raw, err := c.cache.Get(ctx, schemaKey(tenantID))
	if err != nil {
		if err != cache.ErrCacheMiss {
			c.log.Warn("schema cache read failed", "tenant_id", tenantID, "error", err)
		}
		monitoring.RecordCacheOperation("schema_get", "miss")
		return nil, false
	}
	var snap models.SchemaSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.log.Warn("schema cache entry corrupt", "tenant_id", tenantID, "error", err)
		return nil, false
	}
	monitoring.RecordCacheOperation("schema_get", "hit")
	return &snap, true
}

// GetOrExtract returns the cached snapshot or runs extract exactly once
// per tenant regardless of how many callers race on the miss.
func (c *SchemaCache) GetOrExtract(ctx context.Context, tenantID string,
	extract func(ctx context.Context) (map[string]models.TableSchema, error)) (*models.SchemaSnapshot, error) {

	if snap, ok := c.Get(ctx, tenantID); ok {
		return snap, nil
	}

	c.mu.Lock()
	if fl, ok := c.flight[tenantID]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.snap, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &extraction{done: make(chan struct{})}
	c.flight[tenantID] = fl
	c.mu.Unlock()

	fl.snap, fl.err = c.extract(ctx, tenantID, extract)
	close(fl.done)

	c.mu.Lock()
	delete(c.flight, tenantID)
	c.mu.Unlock()
	return fl.snap, fl.err
}

// Refresh forces a new extraction and replaces the cached snapshot.
func (c *SchemaCache) Refresh(ctx context.Context, tenantID string,
	extract func(ctx context.Context) (map[string]models.TableSchema, error)) (*models.SchemaSnapshot, error) {
	return c.extract(ctx, tenantID, extract)
}

func (c *SchemaCache) extract(ctx context.Context, tenantID string,
	extract func(ctx context.Context) (map[string]models.TableSchema, error)) (*models.SchemaSnapshot, error) {

	tables, err := extract(ctx)
	if err != nil {
		return nil, err
	}
	snap := &models.SchemaSnapshot{
		TenantID:  tenantID,
		Tables:    tables,
		Version:   time.Now().UnixNano(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.cache.Set(ctx, schemaKey(tenantID), snap, c.ttl); err != nil {
		c.log.Warn("schema cache write failed", "tenant_id", tenantID, "error", err)
	}
	monitoring.RecordCacheOperation("schema_extract", "success")
	return snap, nil
}

// Invalidate drops a tenant's snapshot, forcing extraction on next use.
func (c *SchemaCache) Invalidate(ctx context.Context, tenantID string) error {
	monitoring.RecordCacheOperation("schema_invalidate", "success")
	return c.cache.Delete(ctx, schemaKey(tenantID))
}
