package models

import (
	"encoding/json"
	"time"
)

// RBAC models for the central metadata store. These are the durable
// entities; runtime-only values live in query.go and context.go.

// UserStatus values.
const (
	UserActive      = "active"
	UserDeactivated = "deactivated"
)

// User is a global principal. Users are soft-deactivated, never hard
// deleted while audit rows reference them.
type User struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	FullName      string     `json:"full_name"`
	PasswordHash  string     `json:"-"`
	PasswordSalt  string     `json:"-"`
	IsGlobalAdmin bool       `json:"is_global_admin"`
	Status        string     `json:"status"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DatabaseKind enumerates the engines a tenant clone can run on.
type DatabaseKind string

const (
	DBPostgres DatabaseKind = "postgres"
	DBMySQL    DatabaseKind = "mysql"
	DBDocument DatabaseKind = "document"
	DBEmbedded DatabaseKind = "embedded"
)

// DatabaseDescriptor carries the connection parameters of the clone
// currently backing a tenant. Opaque to the metadata store; the pool
// manager interprets it per kind.
type DatabaseDescriptor struct {
	Kind          DatabaseKind      `json:"kind"`
	DSN           string            `json:"dsn"`
	Database      string            `json:"database,omitempty"`
	CloneRevision int64             `json:"clone_revision"`
	Params        map[string]string `json:"params,omitempty"`
}

// Tenant statuses.
const (
	TenantActive   = "active"
	TenantInactive = "inactive"
	TenantPending  = "pending"
)

// Tenant is a logical customer bound to exactly one database clone.
type Tenant struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Status           string             `json:"status"`
	Descriptor       DatabaseDescriptor `json:"descriptor"`
	SubscriptionTier string             `json:"subscription_tier"`
	Quotas           TenantQuotas       `json:"quotas"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// TenantQuotas are per-tenant resource limits consumed by the limiter
// and the dispatcher.
type TenantQuotas struct {
	MaxResultRows   int     `json:"max_result_rows"`
	MaxPoolSize     int     `json:"max_pool_size"`
	RequestsPerSec  float64 `json:"requests_per_sec"`
	RequestBurst    int     `json:"request_burst"`
	MaxQuerySeconds int     `json:"max_query_seconds"`
}

// Resource is the closed enum of permission targets.
type Resource string

const (
	ResUsers    Resource = "users"
	ResTenants  Resource = "tenants"
	ResSessions Resource = "sessions"
	ResQueries  Resource = "queries"
	ResSchemas  Resource = "schemas"
	ResReports  Resource = "reports"
	ResAudit    Resource = "audit"
	ResSettings Resource = "settings"
)

// Resources lists every valid resource, in declaration order.
func Resources() []Resource {
	return []Resource{ResUsers, ResTenants, ResSessions, ResQueries,
		ResSchemas, ResReports, ResAudit, ResSettings}
}

// Level is the totally ordered permission level. A higher level implies
// every lower level for the same resource.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelCreate
	LevelDelete
	LevelAdmin
)

var levelNames = map[Level]string{
	LevelNone:   "NONE",
	LevelRead:   "READ",
	LevelWrite:  "WRITE",
	LevelCreate: "CREATE",
	LevelDelete: "DELETE",
	LevelAdmin:  "ADMIN",
}

var levelValues = map[string]Level{
	"NONE": LevelNone, "READ": LevelRead, "WRITE": LevelWrite,
	"CREATE": LevelCreate, "DELETE": LevelDelete, "ADMIN": LevelAdmin,
}

func (l Level) String() string { return levelNames[l] }

// ParseLevel maps a stored name back to a Level; unknown names parse
// as NONE.
func ParseLevel(s string) Level { return levelValues[s] }

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*l = ParseLevel(s)
	return nil
}

// Permission is the (resource, level, conditions) triple. Conditions
// are flat JSON predicates: a permission's conditions constrain the
// acceptable request conditions.
type Permission struct {
	Resource   Resource               `json:"resource"`
	Level      Level                  `json:"level"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
}

// RoleTemplate is a named, versioned permission bundle with optional
// single inheritance. Templates are never mutated in place; a new
// version replaces the old one.
type RoleTemplate struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Parent      string       `json:"parent,omitempty"`
	Version     int          `json:"version"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Mapping statuses.
const (
	MappingActive  = "active"
	MappingRevoked = "revoked"
)

// UserTenantMapping records that a user may access a tenant. Roles are
// attached to the mapping and are multi-valued.
type UserTenantMapping struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Roles     []string  `json:"roles"`
	Status    string    `json:"status"`
	GrantedBy string    `json:"granted_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session states. Active is the only non-terminal state.
const (
	SessionActive    = "active"
	SessionExpired   = "expired"
	SessionRevoked   = "revoked"
	SessionLoggedOut = "logged_out"
)

// Session is a server-recorded, time-bounded binding of a user to a
// tenant. The fingerprint is random per session and never derived from
// the password.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	TenantID    string    `json:"tenant_id"`
	Roles       []string  `json:"roles"`
	Fingerprint string    `json:"-"`
	State       string    `json:"state"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ClientIP    string    `json:"client_ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}

// IsLive reports whether the session can still authenticate requests
// at the given instant.
func (s *Session) IsLive(now time.Time) bool {
	return s.State == SessionActive && now.Before(s.ExpiresAt)
}

// Access request states. Pending is the only non-terminal state.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// AccessRequest is a user-initiated request for tenant access.
// Decisions are terminal; re-deciding fails with Conflict.
type AccessRequest struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TenantID  string     `json:"tenant_id"`
	Roles     []string   `json:"roles"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Audit event types. The durable set must be flushed before the
// triggering response returns.
const (
	EventLogin               = "login"
	EventGrantAccess         = "grant_access"
	EventRevokeAccess        = "revoke_access"
	EventPermissionDenied    = "permission_denied"
	EventSessionCreated      = "session_created"
	EventSessionTerminated   = "session_terminated"
	EventTenantActivated     = "tenant_activated"
	EventTenantDecommission  = "tenant_decommissioned"
	EventRequestEntered      = "request_entered"
	EventQueryExecuted       = "query_executed"
	EventQueryRejected       = "query_rejected"
	EventAccessRequested     = "access_requested"
	EventAccessDecided       = "access_decided"
	EventSchemaRefreshed     = "schema_refreshed"
	EventUserCreated         = "user_created"
	EventCacheInvalidated    = "cache_invalidated"
	EventConfigReloaded      = "config_reloaded"
	EventBreakerStateChanged = "breaker_state_changed"
)

// DurableEvents is the set whose audit rows must be durable before the
// response returns.
var DurableEvents = map[string]bool{
	EventLogin:              true,
	EventGrantAccess:        true,
	EventRevokeAccess:       true,
	EventPermissionDenied:   true,
	EventSessionCreated:     true,
	EventSessionTerminated:  true,
	EventTenantActivated:    true,
	EventTenantDecommission: true,
}

// AuditEntry is an immutable record of an RBAC-affecting event.
type AuditEntry struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
