// internal/api/middleware/metrics.middleware.go
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/monitoring"
)

// MetricsMiddleware records request counters and latency histograms.
// The route template is used as the endpoint label so path parameters
// do not explode cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		tenantID := ""
		if tbc := Bearer(c); tbc != nil {
			tenantID = tbc.TenantID
		}
		monitoring.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), tenantID, time.Since(start))
	}
}
