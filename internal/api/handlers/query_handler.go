package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/api/middleware"
	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/dispatch"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/registry"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type QueryHandler struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	logger     logger.Logger
}

func NewQueryHandler(d *dispatch.Dispatcher, reg *registry.Registry, log logger.Logger) *QueryHandler {
	return &QueryHandler{dispatcher: d, registry: reg, logger: log}
}

// Execute runs one query through the dispatcher for the caller's
// tenant.
func (h *QueryHandler) Execute(c *gin.Context) {
	res, err := h.dispatchFromBody(c)
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "result": res})
}

// GetResult returns a previously executed result by query ID. Results
// are tenant-scoped; another tenant's ID is indistinguishable from a
// missing one.
func (h *QueryHandler) GetResult(c *gin.Context) {
	tbc := middleware.Bearer(c)
	res, err := h.dispatcher.Result(c.Request.Context(), tbc.TenantID, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "result": res})
}

// Export runs a query and streams the rows as CSV or JSON.
func (h *QueryHandler) Export(c *gin.Context) {
	format := c.DefaultQuery("format", "json")
	if format != "csv" && format != "json" {
		BadRequest(c, "format must be csv or json")
		return
	}

	res, err := h.dispatchFromBody(c)
	if err != nil {
		Error(c, err)
		return
	}

	switch format {
	case "csv":
		h.exportCSV(c, res)
	default:
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.json", res.QueryID))
		c.JSON(http.StatusOK, gin.H{
			"query_id":  res.QueryID,
			"columns":   res.Result.Columns,
			"rows":      res.Result.Rows,
			"row_count": res.RowCount,
			"truncated": res.Result.Truncated,
		})
	}
}

func (h *QueryHandler) exportCSV(c *gin.Context, res *models.QueryResult) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", res.QueryID))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	header := make([]string, len(res.Result.Columns))
	for i, col := range res.Result.Columns {
		header[i] = col.Name
	}
	if err := w.Write(header); err != nil {
		h.logger.Warn("csv export aborted", "query_id", res.QueryID, "error", err)
		return
	}
	record := make([]string, len(res.Result.Columns))
	for _, row := range res.Result.Rows {
		for i := range record {
			if i < len(row) && row[i] != nil {
				record[i] = fmt.Sprint(row[i])
			} else {
				record[i] = ""
			}
		}
		if err := w.Write(record); err != nil {
			h.logger.Warn("csv export aborted", "query_id", res.QueryID, "error", err)
			return
		}
	}
	w.Flush()
}

func (h *QueryHandler) dispatchFromBody(c *gin.Context) (*models.QueryResult, error) {
	var req models.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, apperrors.E(apperrors.KindQueryRejected, "query text is required")
	}

	tbc := middleware.Bearer(c)
	entry, err := h.registry.Lookup(tbc.TenantID)
	if err != nil {
		return nil, err
	}
	return h.dispatcher.Dispatch(c.Request.Context(), tbc, entry.Tenant.Quotas, req)
}
