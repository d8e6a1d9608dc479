package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/api/middleware"
	"github.com/platformbuilds/querygate-core/internal/audit"
	"github.com/platformbuilds/querygate-core/internal/dispatch"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type SchemaHandler struct {
	dispatcher *dispatch.Dispatcher
	audit      *audit.Writer
	logger     logger.Logger
}

func NewSchemaHandler(d *dispatch.Dispatcher, aw *audit.Writer, log logger.Logger) *SchemaHandler {
	return &SchemaHandler{dispatcher: d, audit: aw, logger: log}
}

// Get returns the caller's tenant schema snapshot, extracting it on
// first sight.
func (h *SchemaHandler) Get(c *gin.Context) {
	tbc := middleware.Bearer(c)
	snap, err := h.dispatcher.TenantSchema(c.Request.Context(), tbc.TenantID)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "schema": snap})
}

// Refresh forces re-extraction of the tenant schema and invalidates
// cached query results that may depend on the old shape.
func (h *SchemaHandler) Refresh(c *gin.Context) {
	tbc := middleware.Bearer(c)
	ctx := c.Request.Context()
	snap, err := h.dispatcher.RefreshSchema(ctx, tbc.TenantID)
	if err != nil {
		Error(c, err)
		return
	}

	if err := h.audit.Record(ctx, audit.Entry(models.EventSchemaRefreshed, tbc.UserID, tbc.TenantID, tbc.SessionID,
		map[string]interface{}{"version": snap.Version, "tables": len(snap.Tables)})); err != nil {
		h.logger.Warn("schema refresh audit failed", "tenant_id", tbc.TenantID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "schema": snap})
}
