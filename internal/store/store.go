// Package store is the durable source of truth for users, tenants,
// roles, mappings, sessions, access requests and audit entries. The
// rest of the core holds only caches of its data. Every state-changing
// operation is transactional; partial failure is never visible.
package store

import (
	"context"
	"time"

	"github.com/platformbuilds/querygate-core/internal/models"
)

// NewUser carries the inputs of CreateUser. The password is hashed
// before it reaches any backend.
type NewUser struct {
	Username      string
	Email         string
	Password      string
	FullName      string
	IsGlobalAdmin bool
}

// SessionFilter selects sessions for invalidation. Empty fields match
// everything; both set means the (user, tenant) pair.
type SessionFilter struct {
	UserID   string
	TenantID string
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	TenantID  string
	UserID    string
	EventType string
	Limit     int
}

type Store interface {
	// Users
	CreateUser(ctx context.Context, nu NewUser) (*models.User, error)
	Authenticate(ctx context.Context, identifier, password string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	DeactivateUser(ctx context.Context, id string) error

	// Tenants
	UpsertTenant(ctx context.Context, t *models.Tenant) (string, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	SetTenantStatus(ctx context.Context, id, status string) error

	// Role templates
	ListRoleTemplates(ctx context.Context) ([]models.RoleTemplate, error)
	GetRoleTemplate(ctx context.Context, name string) (*models.RoleTemplate, error)
	PutRoleTemplate(ctx context.Context, t models.RoleTemplate) error

	// Access mappings
	GrantAccess(ctx context.Context, userID, tenantID string, roles []string, grantedBy string) (*models.UserTenantMapping, error)
	RevokeAccess(ctx context.Context, userID, tenantID, revokedBy string) ([]string, error)
	GetMapping(ctx context.Context, userID, tenantID string) (*models.UserTenantMapping, error)

	// Sessions
	OpenSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CloseSession(ctx context.Context, id, terminalState string) error
	// SwitchSession closes one session and opens another in the same
	// transaction; the caller never ends up with zero or two live
	// sessions.
	SwitchSession(ctx context.Context, closeID, terminalState string, open *models.Session) error
	InvalidateSessions(ctx context.Context, f SessionFilter, terminalState string) ([]string, error)

	// Access requests
	SubmitAccessRequest(ctx context.Context, r *models.AccessRequest) error
	GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error)
	ListAccessRequests(ctx context.Context, tenantID, status string) ([]*models.AccessRequest, error)
	DecideAccessRequest(ctx context.Context, id string, approve bool, decidedBy string) (*models.AccessRequest, error)

	// Audit
	AppendAudit(ctx context.Context, entries []*models.AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]*models.AuditEntry, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}
