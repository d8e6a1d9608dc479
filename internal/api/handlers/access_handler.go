package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/platformbuilds/querygate-core/internal/api/middleware"
	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/audit"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/sessions"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// AccessHandler covers user creation and the grant/revoke/request
// lifecycle. Grants and revocations write durable audit entries.
type AccessHandler struct {
	store    store.Store
	sessions *sessions.Manager
	audit    *audit.Writer
	logger   logger.Logger
}

func NewAccessHandler(st store.Store, sm *sessions.Manager, aw *audit.Writer, log logger.Logger) *AccessHandler {
	return &AccessHandler{store: st, sessions: sm, audit: aw, logger: log}
}

type createUserRequest struct {
	Username      string `json:"username" binding:"required"`
	Email         string `json:"email" binding:"required"`
	Password      string `json:"password" binding:"required"`
	FullName      string `json:"full_name"`
	IsGlobalAdmin bool   `json:"is_global_admin"`
}

func (h *AccessHandler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "username, email and password are required")
		return
	}

	ctx := c.Request.Context()
	user, err := h.store.CreateUser(ctx, store.NewUser{
		Username:      req.Username,
		Email:         req.Email,
		Password:      req.Password,
		FullName:      req.FullName,
		IsGlobalAdmin: req.IsGlobalAdmin,
	})
	if err != nil {
		Error(c, err)
		return
	}

	tbc := middleware.Bearer(c)
	h.record(c, audit.Entry(models.EventUserCreated, tbc.UserID, tbc.TenantID, tbc.SessionID,
		map[string]interface{}{"created_user_id": user.ID, "username": user.Username}))

	c.JSON(http.StatusCreated, gin.H{"status": "success", "user": user})
}

type grantRequest struct {
	UserID   string   `json:"user_id" binding:"required"`
	TenantID string   `json:"tenant_id" binding:"required"`
	Roles    []string `json:"roles" binding:"required"`
}

// Grant attaches a user to a tenant with a role set. Durable: the
// audit row is flushed before the response returns.
func (h *AccessHandler) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "user_id, tenant_id and roles are required")
		return
	}

	ctx := c.Request.Context()
	tbc := middleware.Bearer(c)
	mapping, err := h.store.GrantAccess(ctx, req.UserID, req.TenantID, req.Roles, tbc.UserID)
	if err != nil {
		Error(c, err)
		return
	}

	if err := h.audit.Record(ctx, audit.Entry(models.EventGrantAccess, tbc.UserID, req.TenantID, tbc.SessionID,
		map[string]interface{}{"granted_user_id": req.UserID, "roles": req.Roles})); err != nil {
		h.logger.Error("grant audit failed", "mapping_id", mapping.ID, "error", err)
		Error(c, apperrors.Wrap(apperrors.KindInternal, "audit write failed", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "mapping": mapping})
}

type revokeRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	TenantID string `json:"tenant_id" binding:"required"`
}

// Revoke removes a user's access to a tenant and terminates every
// session the pair holds, dropping their cache mirrors so the fast
// path cannot resurrect them.
func (h *AccessHandler) Revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "user_id and tenant_id are required")
		return
	}

	ctx := c.Request.Context()
	tbc := middleware.Bearer(c)
	closed, err := h.store.RevokeAccess(ctx, req.UserID, req.TenantID, tbc.UserID)
	if err != nil {
		Error(c, err)
		return
	}
	h.sessions.DropMirrors(ctx, closed)

	if err := h.audit.Record(ctx, audit.Entry(models.EventRevokeAccess, tbc.UserID, req.TenantID, tbc.SessionID,
		map[string]interface{}{"revoked_user_id": req.UserID, "terminated_sessions": len(closed)})); err != nil {
		h.logger.Error("revoke audit failed", "user_id", req.UserID, "error", err)
		Error(c, apperrors.Wrap(apperrors.KindInternal, "audit write failed", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "terminated_sessions": len(closed)})
}

type accessRequestBody struct {
	TenantID string   `json:"tenant_id" binding:"required"`
	Roles    []string `json:"roles" binding:"required"`
	Reason   string   `json:"reason"`
}

// Request submits an access request on the caller's own behalf. Any
// authenticated user may ask; only admins decide.
func (h *AccessHandler) Request(c *gin.Context) {
	var req accessRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "tenant_id and roles are required")
		return
	}

	ctx := c.Request.Context()
	tbc := middleware.Bearer(c)
	ar := &models.AccessRequest{
		ID:        uuid.NewString(),
		UserID:    tbc.UserID,
		TenantID:  req.TenantID,
		Roles:     req.Roles,
		Status:    models.RequestPending,
		Reason:    req.Reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.SubmitAccessRequest(ctx, ar); err != nil {
		Error(c, err)
		return
	}

	h.record(c, audit.Entry(models.EventAccessRequested, tbc.UserID, req.TenantID, tbc.SessionID,
		map[string]interface{}{"request_id": ar.ID, "roles": req.Roles}))

	c.JSON(http.StatusCreated, gin.H{"status": "success", "request": ar})
}

// ListRequests returns access requests, optionally narrowed by tenant
// and status.
func (h *AccessHandler) ListRequests(c *gin.Context) {
	requests, err := h.store.ListAccessRequests(c.Request.Context(),
		c.Query("tenant_id"), c.Query("status"))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "requests": requests})
}

// Approve decides an access request in the affirmative, creating the
// mapping in the same transaction.
func (h *AccessHandler) Approve(c *gin.Context) { h.decide(c, true) }

// Reject decides an access request in the negative. Decisions are
// terminal.
func (h *AccessHandler) Reject(c *gin.Context) { h.decide(c, false) }

func (h *AccessHandler) decide(c *gin.Context, approve bool) {
	id := c.Param("id")
	if id == "" {
		BadRequest(c, "request id is required")
		return
	}

	ctx := c.Request.Context()
	tbc := middleware.Bearer(c)
	ar, err := h.store.DecideAccessRequest(ctx, id, approve, tbc.UserID)
	if err != nil {
		Error(c, err)
		return
	}

	h.record(c, audit.Entry(models.EventAccessDecided, tbc.UserID, ar.TenantID, tbc.SessionID,
		map[string]interface{}{"request_id": ar.ID, "approved": approve}))

	c.JSON(http.StatusOK, gin.H{"status": "success", "request": ar})
}

// record writes a non-durable audit entry; failures are logged, never
// surfaced.
func (h *AccessHandler) record(c *gin.Context, e *models.AuditEntry) {
	if err := h.audit.Record(c.Request.Context(), e); err != nil {
		h.logger.Warn("audit record failed", "event", e.EventType, "error", err)
	}
}
