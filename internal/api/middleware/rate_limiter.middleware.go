// internal/api/middleware/rate_limiter.middleware.go
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/ratelimit"
	"github.com/platformbuilds/querygate-core/internal/registry"
)

// RateLimiter enforces per-user and per-IP token buckets. It runs
// after the routing middleware so authenticated requests are limited
// by user; public paths (login above all) fall back to the IP bucket
// alone. Tenant quotas override the global per-user rate.
func RateLimiter(l *ratelimit.Limiter, reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string
		var userRate float64
		var userBurst int

		if tbc := Bearer(c); tbc != nil {
			userID = tbc.UserID
			if entry, err := reg.Lookup(tbc.TenantID); err == nil {
				userRate = entry.Tenant.Quotas.RequestsPerSec
				userBurst = entry.Tenant.Quotas.RequestBurst
			}
		}

		if err := l.Allow(userID, c.ClientIP(), userRate, userBurst); err != nil {
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}
