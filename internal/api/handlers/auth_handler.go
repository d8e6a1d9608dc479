package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/querygate-core/internal/api/middleware"
	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/audit"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/registry"
	"github.com/platformbuilds/querygate-core/internal/sessions"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type AuthHandler struct {
	sessions *sessions.Manager
	store    store.Store
	registry *registry.Registry
	audit    *audit.Writer
	logger   logger.Logger
}

func NewAuthHandler(sm *sessions.Manager, st store.Store, reg *registry.Registry,
	aw *audit.Writer, log logger.Logger) *AuthHandler {
	return &AuthHandler{sessions: sm, store: st, registry: reg, audit: aw, logger: log}
}

type loginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
	TenantID   string `json:"tenant_id" binding:"required"`
}

// Login authenticates a user and opens a session at the requested
// tenant. The login audit entry is durable: it is flushed before the
// token leaves the building.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, apperrors.E(apperrors.KindInvalidCredential, "identifier, password and tenant_id are required"))
		return
	}

	ctx := c.Request.Context()
	sess, token, user, err := h.sessions.Login(ctx, req.Identifier, req.Password,
		req.TenantID, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		Error(c, err)
		return
	}

	tenant, err := h.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		Error(c, err)
		return
	}

	if err := h.audit.Record(ctx, audit.Entry(models.EventLogin, user.ID, sess.TenantID, sess.ID,
		map[string]interface{}{"client_ip": sess.ClientIP})); err != nil {
		h.logger.Error("login audit failed", "session_id", sess.ID, "error", err)
		Error(c, apperrors.Wrap(apperrors.KindInternal, "audit write failed", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"token":  token,
		"user":   user,
		"tenant": tenant,
		"session": gin.H{
			"id":         sess.ID,
			"expires_at": sess.ExpiresAt,
		},
	})
}

type switchTenantRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

// SwitchTenant moves the caller's session to another tenant they hold
// an active mapping for. The old session closes only after the new one
// is live.
func (h *AuthHandler) SwitchTenant(c *gin.Context) {
	var req switchTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "tenant_id is required")
		return
	}

	current := middleware.Session(c)
	if current == nil {
		Error(c, apperrors.E(apperrors.KindUnauthenticated, "authentication required"))
		return
	}

	// The target must be routable before we touch the session at all.
	if _, err := h.registry.Lookup(req.TenantID); err != nil {
		Error(c, apperrors.E(apperrors.KindForbidden, "target tenant is not active"))
		return
	}

	ctx := c.Request.Context()
	sess, token, err := h.sessions.SwitchTenant(ctx, current, req.TenantID, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		Error(c, err)
		return
	}

	if err := h.audit.Record(ctx, audit.Entry(models.EventSessionCreated, sess.UserID, sess.TenantID, sess.ID,
		map[string]interface{}{"switched_from": current.TenantID})); err != nil {
		h.logger.Error("switch audit failed", "session_id", sess.ID, "error", err)
		Error(c, apperrors.Wrap(apperrors.KindInternal, "audit write failed", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"token":  token,
		"session": gin.H{
			"id":         sess.ID,
			"tenant_id":  sess.TenantID,
			"expires_at": sess.ExpiresAt,
		},
	})
}

// Logout terminates the caller's session. Idempotent.
func (h *AuthHandler) Logout(c *gin.Context) {
	sess := middleware.Session(c)
	if sess == nil {
		Error(c, apperrors.E(apperrors.KindUnauthenticated, "authentication required"))
		return
	}

	ctx := c.Request.Context()
	if err := h.sessions.Logout(ctx, sess.ID); err != nil {
		Error(c, err)
		return
	}
	if err := h.audit.Record(ctx, audit.Entry(models.EventSessionTerminated, sess.UserID, sess.TenantID, sess.ID,
		map[string]interface{}{"reason": "logout"})); err != nil {
		h.logger.Error("logout audit failed", "session_id", sess.ID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
