// Package handlers implements the gateway's HTTP surface. Handlers
// never derive tenant identity themselves; they read the bearer
// context the routing middleware attached.
package handlers

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/api/middleware"
	"github.com/platformbuilds/querygate-core/internal/apperrors"
)

// Error writes the uniform error envelope for a taxonomy error. The
// status code comes from the error kind; retry hints surface as a
// Retry-After header.
func Error(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	if ra := apperrors.RetryAfterOf(err); ra > 0 {
		secs := int(math.Ceil(ra.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	c.JSON(apperrors.HTTPStatus(kind), gin.H{
		"status":         "error",
		"error":          apperrors.PublicMessage(err),
		"kind":           string(kind),
		"correlation_id": middleware.CorrelationID(c),
	})
}

// BadRequest reports a malformed request body or parameter. Shape
// errors are not part of the taxonomy; they never reach the pipeline.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status":         "error",
		"error":          msg,
		"correlation_id": middleware.CorrelationID(c),
	})
}
