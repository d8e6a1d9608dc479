// internal/api/middleware/request_logger.middleware.go
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// RequestLogger logs every HTTP request with the identifiers the
// routing middleware attached. Bodies are never logged; query text can
// carry customer data.
func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		sessionID, tenantID, requestID := "", "", ""
		if param.Keys != nil {
			if v, ok := param.Keys[BearerKey]; ok {
				if tbc, ok := v.(*models.TokenBearerContext); ok {
					sessionID = tbc.SessionID
					tenantID = tbc.TenantID
				}
			}
			if v, ok := param.Keys[RequestIDKey]; ok {
				requestID, _ = v.(string)
			}
		}

		fields := []interface{}{
			"method", param.Method,
			"path", param.Path,
			"status", param.StatusCode,
			"latency", param.Latency,
			"client_ip", param.ClientIP,
			"user_agent", param.Request.UserAgent(),
			"request_id", requestID,
			"session_id", sessionID,
			"tenant_id", tenantID,
		}
		if param.ErrorMessage != "" {
			fields = append(fields, "error", param.ErrorMessage)
		}

		switch {
		case param.StatusCode >= 500:
			log.Error("http request", fields...)
		case param.StatusCode >= 400:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
		return ""
	})
}
