package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/api/middleware"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type AuditHandler struct {
	store  store.Store
	logger logger.Logger
}

func NewAuditHandler(st store.Store, log logger.Logger) *AuditHandler {
	return &AuditHandler{store: st, logger: log}
}

// List returns recent audit entries. Non-global-admins only ever see
// their own tenant's rows, whatever filter they ask for.
func (h *AuditHandler) List(c *gin.Context) {
	tbc := middleware.Bearer(c)

	f := store.AuditFilter{
		TenantID:  c.Query("tenant_id"),
		UserID:    c.Query("user_id"),
		EventType: c.Query("event_type"),
	}
	if !tbc.IsGlobalAdmin {
		f.TenantID = tbc.TenantID
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && limit > 0 {
		f.Limit = limit
	} else {
		f.Limit = 100
	}

	entries, err := h.store.ListAudit(c.Request.Context(), f)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "entries": entries, "count": len(entries)})
}
