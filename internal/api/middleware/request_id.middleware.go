// internal/api/middleware/request_id.middleware.go
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey is the context key holding the request's correlation id.
const RequestIDKey = "request_id"

// RequestIDHeader carries the correlation id on responses, and lets a
// caller supply its own for end-to-end tracing.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a correlation id. Error envelopes and
// the request log carry it so a failure can be traced across tiers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// CorrelationID returns the request's correlation id, empty when the
// RequestID middleware did not run.
func CorrelationID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
