// internal/api/middleware/auth.middleware.go
package middleware

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/audit"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/rbac"
	"github.com/platformbuilds/querygate-core/internal/registry"
	"github.com/platformbuilds/querygate-core/internal/sessions"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// Context keys set by the routing middleware.
const (
	BearerKey  = "bearer"
	SessionKey = "session"
)

// TenantHeader is the explicit tenant header every non-public request
// must carry. It must agree with the token's tenant claim.
const TenantHeader = "X-Tenant"

// TenantRouting authenticates every non-public request and is the only
// place tenant identity enters the pipeline. It resolves the bearer
// token to a live session, checks the tenant against the registry,
// verifies the X-Tenant header, and attaches an immutable
// TokenBearerContext for downstream handlers.
func TenantRouting(sm *sessions.Manager, reg *registry.Registry, ev *rbac.Evaluator,
	st store.Store, aw *audit.Writer, log logger.Logger) gin.HandlerFunc {

	return func(c *gin.Context) {
		if isPublicEndpoint(c.Request.URL.Path) {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abortWithError(c, apperrors.E(apperrors.KindUnauthenticated, "authentication required"))
			return
		}

		sess, err := sm.Resolve(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, err)
			return
		}

		entry, err := reg.Lookup(sess.TenantID)
		if err != nil {
			// An unknown or drained tenant means the session can no
			// longer route anywhere; the caller must re-authenticate.
			abortWithError(c, apperrors.E(apperrors.KindUnauthenticated, "tenant is not active"))
			return
		}

		if header := c.GetHeader(TenantHeader); header == "" {
			abortWithError(c, apperrors.E(apperrors.KindForbidden, "missing "+TenantHeader+" header"))
			return
		} else if header != sess.TenantID {
			abortWithError(c, apperrors.E(apperrors.KindForbidden, "tenant header does not match token"))
			return
		}

		user, err := st.GetUser(c.Request.Context(), sess.UserID)
		if err != nil {
			abortWithError(c, apperrors.E(apperrors.KindUnauthenticated, "unknown user"))
			return
		}
		if user.Status != models.UserActive {
			abortWithError(c, apperrors.E(apperrors.KindUnauthenticated, "user is deactivated"))
			return
		}

		tbc := &models.TokenBearerContext{
			UserID:        sess.UserID,
			TenantID:      sess.TenantID,
			SessionID:     sess.ID,
			Roles:         sess.Roles,
			IsGlobalAdmin: user.IsGlobalAdmin,
			Effective:     ev.Effective(sess.Roles),
			PoolSlot:      entry.Slot,
			ClientIP:      c.ClientIP(),
		}
		c.Set(BearerKey, tbc)
		c.Set(SessionKey, sess)

		if err := aw.Record(c.Request.Context(), audit.Entry(models.EventRequestEntered,
			tbc.UserID, tbc.TenantID, tbc.SessionID, map[string]interface{}{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
			})); err != nil {
			log.Warn("request audit failed", "session_id", tbc.SessionID, "error", err)
		}

		c.Next()
	}
}

// RequirePermission gates a route on an effective permission. Global
// admins pass unconditionally.
func RequirePermission(res models.Resource, level models.Level) gin.HandlerFunc {
	return func(c *gin.Context) {
		tbc := Bearer(c)
		if tbc == nil {
			abortWithError(c, apperrors.E(apperrors.KindUnauthenticated, "authentication required"))
			return
		}
		if tbc.IsGlobalAdmin {
			c.Next()
			return
		}
		if err := rbac.Check(tbc.Effective, res, level, nil); err != nil {
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}

// Bearer returns the authenticated bearer context, nil on public paths.
func Bearer(c *gin.Context) *models.TokenBearerContext {
	v, ok := c.Get(BearerKey)
	if !ok {
		return nil
	}
	tbc, _ := v.(*models.TokenBearerContext)
	return tbc
}

// Session returns the resolved session, nil on public paths.
func Session(c *gin.Context) *models.Session {
	v, ok := c.Get(SessionKey)
	if !ok {
		return nil
	}
	sess, _ := v.(*models.Session)
	return sess
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return ""
}

func isPublicEndpoint(path string) bool {
	publicPaths := []string{
		"/health/system",
		"/metrics",
		"/auth/login",
	}
	for _, publicPath := range publicPaths {
		if strings.HasPrefix(path, publicPath) {
			return true
		}
	}
	return false
}

func abortWithError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	if ra := apperrors.RetryAfterOf(err); ra > 0 {
		c.Header("Retry-After", retryAfterSeconds(ra))
	}
	c.AbortWithStatusJSON(apperrors.HTTPStatus(kind), gin.H{
		"status":         "error",
		"error":          apperrors.PublicMessage(err),
		"kind":           string(kind),
		"correlation_id": CorrelationID(c),
	})
}

// retryAfterSeconds renders a Retry-After header value, rounding up so
// the hint never tells the client to retry too early.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
