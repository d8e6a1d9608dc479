// Package core composes the gateway's components. A Core is built once
// in main and passed explicitly; nothing in here is a package global.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/platformbuilds/querygate-core/internal/audit"
	"github.com/platformbuilds/querygate-core/internal/auth"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/dispatch"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/pool"
	"github.com/platformbuilds/querygate-core/internal/qcache"
	"github.com/platformbuilds/querygate-core/internal/ratelimit"
	"github.com/platformbuilds/querygate-core/internal/rbac"
	"github.com/platformbuilds/querygate-core/internal/registry"
	"github.com/platformbuilds/querygate-core/internal/sessions"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/internal/translate"
	"github.com/platformbuilds/querygate-core/pkg/cache"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type Core struct {
	Config *config.Config
	Log    logger.Logger

	Store      store.Store
	Valkey     cache.Valkey
	Evaluator  *rbac.Evaluator
	Sessions   *sessions.Manager
	Registry   *registry.Registry
	Pools      *pool.Manager
	Limiter    *ratelimit.Limiter
	Audit      *audit.Writer
	Dispatcher *dispatch.Dispatcher

	stop chan struct{}
	wg   sync.WaitGroup
}

// New wires every component. The store backend is Postgres when a DSN
// is configured, in-memory otherwise (dev mode); the cache tier falls
// back to the in-process noop when no Valkey node is reachable.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*Core, error) {
	hasher, err := auth.NewPasswordHasher(cfg.Auth.PBKDF2Iterations)
	if err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.Metadata.DSN != "" {
		st, err = store.NewPostgres(ctx, cfg.Metadata, hasher, log)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("no metadata DSN configured; using in-memory store")
		st = store.NewMemory(hasher)
	}

	var vk cache.Valkey
	if len(cfg.Cache.Nodes) > 0 {
		vk, err = cache.New(cfg.Cache.Nodes, cfg.Cache.Password, cfg.Cache.DB,
			time.Duration(cfg.Cache.TTL)*time.Second)
		if err != nil {
			log.Error("valkey connection failed, falling back to noop cache", "error", err)
			vk = cache.NewNoopValkeyCache(log)
		}
	} else {
		vk = cache.NewNoopValkeyCache(log)
	}

	templates, err := st.ListRoleTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		templates = rbac.SeededTemplates()
	}
	ev := rbac.NewEvaluator(templates)

	codec := auth.NewTokenCodec(cfg.Auth.TokenSecret)
	ttl := time.Duration(cfg.Auth.SessionTTL) * time.Minute
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	sm := sessions.NewManager(st, vk, codec, ttl, log)

	reg := registry.New(log)
	tenants, err := st.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tenants {
		if t.Status == models.TenantActive {
			reg.Activate(t)
		}
	}

	pools := pool.NewManager(reg, cfg.Pools, cfg.Breaker, log)
	limiter := ratelimit.New(cfg.RateLimit)
	aw := audit.NewWriter(st, cfg.Audit, log)

	var tr translate.Translator
	if cfg.Translator.Endpoint != "" {
		tr = translate.NewHTTP(cfg.Translator.Endpoint, cfg.Translator.Timeout)
	} else {
		log.Warn("no translator endpoint configured; using rule-based translator")
		tr = translate.NewRules()
	}

	results := qcache.NewResultCache(vk, cfg.Dispatch.ResultCacheTTL, cfg.Dispatch.MaxResultCached, log)
	schemas := qcache.NewSchemaCache(vk, cfg.Dispatch.SchemaCacheTTL, log)
	dp := dispatch.New(tr, pools, results, schemas, vk, aw, cfg.Dispatch, log)

	c := &Core{
		Config:     cfg,
		Log:        log,
		Store:      st,
		Valkey:     vk,
		Evaluator:  ev,
		Sessions:   sm,
		Registry:   reg,
		Pools:      pools,
		Limiter:    limiter,
		Audit:      aw,
		Dispatcher: dp,
	}

	pools.OnBreakerChange(func(tenantID, from, to string) {
		c.recordAudit(audit.Entry(models.EventBreakerStateChanged, "", tenantID, "",
			map[string]interface{}{"from": from, "to": to}))
	})

	return c, nil
}

// Start launches background work: the audit writer, the pool reaper,
// the limiter's bucket eviction and the registry event loop.
func (c *Core) Start() {
	c.stop = make(chan struct{})
	c.Audit.Start()
	c.Pools.Start()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.Limiter.Run(c.stop)
	}()
	events := c.Registry.Subscribe()
	go c.drainRegistryEvents(events)
}

// Stop halts background work and drains every pool. Pending audit
// entries flush before the store closes.
func (c *Core) Stop(ctx context.Context) {
	close(c.stop)
	c.Pools.Stop(ctx)
	c.Audit.Stop(ctx)
	c.wg.Wait()
	c.Store.Close()
}

// ActivateTenant registers a tenant in the routing registry and
// records the activation.
func (c *Core) ActivateTenant(t *models.Tenant) int {
	slot := c.Registry.Activate(t)
	c.recordAudit(audit.Entry(models.EventTenantActivated, "", t.ID, "",
		map[string]interface{}{"slot": slot, "clone_revision": t.Descriptor.CloneRevision}))
	return slot
}

// DecommissionTenant removes a tenant from routing. Pool drain, cache
// invalidation and session fan-out ride the registry event.
func (c *Core) DecommissionTenant(tenantID string) {
	c.Registry.Decommission(tenantID)
	c.recordAudit(audit.Entry(models.EventTenantDecommission, "", tenantID, "", nil))
}

// SetTunables applies hot-reloaded settings to the limiter, the pool
// manager and the dispatcher.
func (c *Core) SetTunables(t config.Tunables) {
	c.Limiter.SetConfig(t.RateLimit)
	c.Pools.SetTunables(c.Config.Pools, t.Breaker)
	c.Dispatcher.SetTunables(t.Dispatch)
	c.recordAudit(audit.Entry(models.EventConfigReloaded, "", "", "", nil))
	c.Log.Info("tunables reloaded")
}

// drainRegistryEvents keeps caches and sessions consistent with the
// registry: a descriptor swap or decommission invalidates the tenant's
// cached state and, on decommission, terminates its sessions.
func (c *Core) drainRegistryEvents(events <-chan registry.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case evt := <-events:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			switch evt.Type {
			case registry.EventDescriptorSwap:
				c.Dispatcher.InvalidateTenant(ctx, evt.TenantID)
			case registry.EventDecommissioned:
				c.Dispatcher.InvalidateTenant(ctx, evt.TenantID)
				if ids, err := c.Sessions.InvalidateTenant(ctx, evt.TenantID, models.SessionRevoked); err != nil {
					c.Log.Error("tenant session fan-out failed", "tenant_id", evt.TenantID, "error", err)
				} else if len(ids) > 0 {
					c.Log.Info("tenant sessions terminated", "tenant_id", evt.TenantID, "count", len(ids))
				}
			}
			cancel()
		}
	}
}

func (c *Core) recordAudit(e *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Audit.Record(ctx, e); err != nil {
		c.Log.Error("audit record failed", "event", e.EventType, "error", err)
	}
}
