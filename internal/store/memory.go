package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/auth"
	"github.com/platformbuilds/querygate-core/internal/models"
)

// memoryStore is the in-memory Store used by tests and local
// development. Same semantics as the Postgres backend, one big lock.
type memoryStore struct {
	mu        sync.Mutex
	hasher    *auth.PasswordHasher
	users     map[string]*models.User
	tenants   map[string]*models.Tenant
	templates map[string][]models.RoleTemplate // name -> versions ascending
	mappings  map[string]*models.UserTenantMapping
	sessions  map[string]*models.Session
	requests  map[string]*models.AccessRequest
	audit     []*models.AuditEntry
}

func NewMemory(hasher *auth.PasswordHasher) Store {
	return &memoryStore{
		hasher:    hasher,
		users:     make(map[string]*models.User),
		tenants:   make(map[string]*models.Tenant),
		templates: make(map[string][]models.RoleTemplate),
		mappings:  make(map[string]*models.UserTenantMapping),
		sessions:  make(map[string]*models.Session),
		requests:  make(map[string]*models.AccessRequest),
	}
}

func (s *memoryStore) Close() {}

func (s *memoryStore) Ping(_ context.Context) error { return nil }

func (s *memoryStore) CreateUser(_ context.Context, nu NewUser) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(nu.Email)
	for _, u := range s.users {
		if u.Username == nu.Username || u.Email == email {
			return nil, apperrors.E(apperrors.KindDuplicateIdentifier, "username or email already in use")
		}
	}
	hash, salt, err := s.hasher.Hash(nu.Password)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "hash password", err)
	}
	now := time.Now().UTC()
	u := &models.User{
		ID:            uuid.NewString(),
		Username:      nu.Username,
		Email:         email,
		FullName:      nu.FullName,
		PasswordHash:  hash,
		PasswordSalt:  salt,
		IsGlobalAdmin: nu.IsGlobalAdmin,
		Status:        models.UserActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *memoryStore) Authenticate(_ context.Context, identifier, password string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Status != models.UserActive {
			continue
		}
		if u.Username == identifier || u.Email == strings.ToLower(identifier) {
			if !s.hasher.Verify(password, u.PasswordHash, u.PasswordSalt) {
				return nil, apperrors.E(apperrors.KindInvalidCredential, "invalid credentials")
			}
			now := time.Now().UTC()
			u.LastLoginAt = &now
			cp := *u
			return &cp, nil
		}
	}
	s.hasher.Verify(password, strings.Repeat("0", 64), strings.Repeat("0", 32))
	return nil, apperrors.E(apperrors.KindInvalidCredential, "invalid credentials")
}

func (s *memoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperrors.E(apperrors.KindNotFound, "user not found")
	}
	cp := *u
	return &cp, nil
}

func (s *memoryStore) DeactivateUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return apperrors.E(apperrors.KindNotFound, "user not found")
	}
	u.Status = models.UserDeactivated
	u.UpdatedAt = time.Now().UTC()
	for _, sess := range s.sessions {
		if sess.UserID == id && sess.State == models.SessionActive {
			sess.State = models.SessionRevoked
		}
	}
	return nil
}

func (s *memoryStore) UpsertTenant(_ context.Context, t *models.Tenant) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TenantPending
	}
	now := time.Now().UTC()
	if existing, ok := s.tenants[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	s.tenants[t.ID] = &cp
	return t.ID, nil
}

func (s *memoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, apperrors.E(apperrors.KindTenantNotFound, "tenant not found")
	}
	cp := *t
	return &cp, nil
}

func (s *memoryStore) ListTenants(_ context.Context) ([]*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) SetTenantStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return apperrors.E(apperrors.KindTenantNotFound, "tenant not found")
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) ListRoleTemplates(_ context.Context) ([]models.RoleTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RoleTemplate
	for _, versions := range s.templates {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryStore) GetRoleTemplate(_ context.Context, name string) (*models.RoleTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.templates[name]
	if !ok {
		return nil, apperrors.E(apperrors.KindNotFound, "role template not found")
	}
	cp := versions[len(versions)-1]
	return &cp, nil
}

func (s *memoryStore) PutRoleTemplate(_ context.Context, t models.RoleTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Version = len(s.templates[t.Name]) + 1
	t.CreatedAt = time.Now().UTC()
	s.templates[t.Name] = append(s.templates[t.Name], t)
	return nil
}

func (s *memoryStore) activeMapping(userID, tenantID string) *models.UserTenantMapping {
	for _, m := range s.mappings {
		if m.UserID == userID && m.TenantID == tenantID && m.Status == models.MappingActive {
			return m
		}
	}
	return nil
}

func (s *memoryStore) GrantAccess(_ context.Context, userID, tenantID string, roles []string, grantedBy string) (*models.UserTenantMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeMapping(userID, tenantID) != nil {
		return nil, apperrors.E(apperrors.KindAlreadyGranted, "an active mapping already exists")
	}
	now := time.Now().UTC()
	m := &models.UserTenantMapping{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		Roles:     append([]string(nil), roles...),
		Status:    models.MappingActive,
		GrantedBy: grantedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mappings[m.ID] = m
	cp := *m
	return &cp, nil
}

func (s *memoryStore) RevokeAccess(_ context.Context, userID, tenantID, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.activeMapping(userID, tenantID)
	if m == nil {
		return nil, apperrors.E(apperrors.KindNotFound, "no active mapping")
	}
	m.Status = models.MappingRevoked
	m.UpdatedAt = time.Now().UTC()
	var closed []string
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.TenantID == tenantID && sess.State == models.SessionActive {
			sess.State = models.SessionRevoked
			closed = append(closed, sess.ID)
		}
	}
	return closed, nil
}

func (s *memoryStore) GetMapping(_ context.Context, userID, tenantID string) (*models.UserTenantMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.activeMapping(userID, tenantID)
	if m == nil {
		return nil, apperrors.E(apperrors.KindNoAccess, "no active mapping")
	}
	cp := *m
	cp.Roles = append([]string(nil), m.Roles...)
	return &cp, nil
}

func (s *memoryStore) OpenSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeMapping(sess.UserID, sess.TenantID) == nil {
		return apperrors.E(apperrors.KindNoAccess, "no active mapping for tenant")
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.E(apperrors.KindNotFound, "session not found")
	}
	cp := *sess
	return &cp, nil
}

func (s *memoryStore) CloseSession(_ context.Context, id, terminalState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.State != models.SessionActive {
		return apperrors.E(apperrors.KindNotFound, "no active session")
	}
	sess.State = terminalState
	return nil
}

func (s *memoryStore) SwitchSession(_ context.Context, closeID, terminalState string, open *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.sessions[closeID]
	if !ok || old.State != models.SessionActive {
		return apperrors.E(apperrors.KindNotFound, "no active session")
	}
	if s.activeMapping(open.UserID, open.TenantID) == nil {
		return apperrors.E(apperrors.KindNoAccess, "no active mapping for tenant")
	}
	old.State = terminalState
	cp := *open
	s.sessions[open.ID] = &cp
	return nil
}

func (s *memoryStore) InvalidateSessions(_ context.Context, f SessionFilter, terminalState string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, sess := range s.sessions {
		if sess.State != models.SessionActive {
			continue
		}
		if f.UserID != "" && sess.UserID != f.UserID {
			continue
		}
		if f.TenantID != "" && sess.TenantID != f.TenantID {
			continue
		}
		sess.State = terminalState
		ids = append(ids, sess.ID)
	}
	return ids, nil
}

func (s *memoryStore) SubmitAccessRequest(_ context.Context, r *models.AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *memoryStore) GetAccessRequest(_ context.Context, id string) (*models.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, apperrors.E(apperrors.KindNotFound, "access request not found")
	}
	cp := *r
	return &cp, nil
}

func (s *memoryStore) ListAccessRequests(_ context.Context, tenantID, status string) ([]*models.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AccessRequest
	for _, r := range s.requests {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) DecideAccessRequest(_ context.Context, id string, approve bool, decidedBy string) (*models.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, apperrors.E(apperrors.KindNotFound, "access request not found")
	}
	if r.Status != models.RequestPending {
		return nil, apperrors.E(apperrors.KindConflict, "access request already decided")
	}
	if approve && s.activeMapping(r.UserID, r.TenantID) != nil {
		return nil, apperrors.E(apperrors.KindAlreadyGranted, "an active mapping already exists")
	}
	now := time.Now().UTC()
	if approve {
		r.Status = models.RequestApproved
		m := &models.UserTenantMapping{
			ID:        uuid.NewString(),
			UserID:    r.UserID,
			TenantID:  r.TenantID,
			Roles:     append([]string(nil), r.Roles...),
			Status:    models.MappingActive,
			GrantedBy: decidedBy,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.mappings[m.ID] = m
	} else {
		r.Status = models.RequestRejected
	}
	r.DecidedBy = decidedBy
	r.DecidedAt = &now
	cp := *r
	return &cp, nil
}

func (s *memoryStore) AppendAudit(_ context.Context, entries []*models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		cp := *e
		s.audit = append(s.audit, &cp)
	}
	return nil
}

func (s *memoryStore) ListAudit(_ context.Context, f AuditFilter) ([]*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) PruneAudit(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*models.AuditEntry
	var pruned int64
	for _, e := range s.audit {
		if e.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return pruned, nil
}
