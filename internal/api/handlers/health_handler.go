package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/api/middleware"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/pool"
	"github.com/platformbuilds/querygate-core/internal/registry"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/cache"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type HealthHandler struct {
	store    store.Store
	valkey   cache.Valkey
	registry *registry.Registry
	pools    *pool.Manager
	logger   logger.Logger
}

func NewHealthHandler(st store.Store, vk cache.Valkey, reg *registry.Registry,
	pm *pool.Manager, log logger.Logger) *HealthHandler {
	return &HealthHandler{store: st, valkey: vk, registry: reg, pools: pm, logger: log}
}

// System reports gateway-wide health: metadata store, valkey, and
// registry occupancy. Public; no tenant context.
func (h *HealthHandler) System(c *gin.Context) {
	ctx := c.Request.Context()
	components := gin.H{}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		components["metadata_store"] = gin.H{"status": "unhealthy", "error": err.Error()}
		healthy = false
	} else {
		components["metadata_store"] = gin.H{"status": "healthy"}
	}

	if err := h.valkey.Ping(ctx); err != nil {
		components["valkey"] = gin.H{"status": "unhealthy", "error": err.Error()}
		healthy = false
	} else {
		components["valkey"] = gin.H{"status": "healthy"}
	}

	entries := h.registry.Entries()
	active := 0
	for _, e := range entries {
		if e.Tenant.Status == models.TenantActive {
			active++
		}
	}
	components["registry"] = gin.H{"tenants": len(entries), "active": active}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// Tenant reports the caller's tenant: registry status, pool occupancy
// and breaker state.
func (h *HealthHandler) Tenant(c *gin.Context) {
	tbc := middleware.Bearer(c)

	body := gin.H{
		"tenant_id":     tbc.TenantID,
		"breaker_state": h.pools.BreakerState(tbc.TenantID),
	}
	if idle, busy, max, ok := h.pools.Stats(tbc.TenantID); ok {
		body["pool"] = gin.H{"idle": idle, "busy": busy, "max": max}
	} else {
		body["pool"] = gin.H{"idle": 0, "busy": 0, "max": 0}
	}

	if entry, err := h.registry.Lookup(tbc.TenantID); err == nil {
		body["status"] = entry.Tenant.Status
		body["database_kind"] = entry.Tenant.Descriptor.Kind
	} else {
		body["status"] = models.TenantInactive
	}

	c.JSON(http.StatusOK, body)
}
