package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/auth"
	"github.com/platformbuilds/querygate-core/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	hasher, err := auth.NewPasswordHasher(auth.MinIterations)
	require.NoError(t, err)
	return NewMemory(hasher)
}

func seedUserAndTenant(t *testing.T, s Store) (*models.User, string) {
	t.Helper()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, NewUser{
		Username: "alice", Email: "alice@example.com", Password: "s3cret-pass",
	})
	require.NoError(t, err)
	tenantID, err := s.UpsertTenant(ctx, &models.Tenant{
		Name:   "acme",
		Status: models.TenantActive,
		Descriptor: models.DatabaseDescriptor{
			Kind: models.DBPostgres, DSN: "postgres://localhost/acme",
		},
	})
	require.NoError(t, err)
	return u, tenantID
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, NewUser{Username: "alice", Email: "alice@example.com", Password: "pw-one-two"})
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, NewUser{Username: "alice", Email: "other@example.com", Password: "pw-one-two"})
	assert.Equal(t, apperrors.KindDuplicateIdentifier, apperrors.KindOf(err))

	_, err = s.CreateUser(ctx, NewUser{Username: "bob", Email: "Alice@Example.com", Password: "pw-one-two"})
	assert.Equal(t, apperrors.KindDuplicateIdentifier, apperrors.KindOf(err))
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, _ := seedUserAndTenant(t, s)

	got, err := s.Authenticate(ctx, "alice", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.NotNil(t, got.LastLoginAt)

	byEmail, err := s.Authenticate(ctx, "alice@example.com", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.Equal(t, apperrors.KindInvalidCredential, apperrors.KindOf(err))

	_, err = s.Authenticate(ctx, "nobody", "s3cret-pass")
	assert.Equal(t, apperrors.KindInvalidCredential, apperrors.KindOf(err))

	require.NoError(t, s.DeactivateUser(ctx, u.ID))
	_, err = s.Authenticate(ctx, "alice", "s3cret-pass")
	assert.Equal(t, apperrors.KindInvalidCredential, apperrors.KindOf(err))
}

func TestGrantAccessIsSingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, tenantID := seedUserAndTenant(t, s)

	m, err := s.GrantAccess(ctx, u.ID, tenantID, []string{"analyst"}, "root")
	require.NoError(t, err)
	assert.Equal(t, models.MappingActive, m.Status)

	_, err = s.GrantAccess(ctx, u.ID, tenantID, []string{"viewer"}, "root")
	assert.Equal(t, apperrors.KindAlreadyGranted, apperrors.KindOf(err))

	// Revoke then grant again succeeds.
	_, err = s.RevokeAccess(ctx, u.ID, tenantID, "root")
	require.NoError(t, err)
	_, err = s.GrantAccess(ctx, u.ID, tenantID, []string{"viewer"}, "root")
	require.NoError(t, err)
}

func TestRevokeAccessInvalidatesSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, tenantID := seedUserAndTenant(t, s)

	_, err := s.GrantAccess(ctx, u.ID, tenantID, []string{"analyst"}, "root")
	require.NoError(t, err)

	sess := &models.Session{
		ID: uuid.NewString(), UserID: u.ID, TenantID: tenantID,
		Roles: []string{"analyst"}, Fingerprint: "fpt", State: models.SessionActive,
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.OpenSession(ctx, sess))

	closed, err := s.RevokeAccess(ctx, u.ID, tenantID, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, closed)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRevoked, got.State)

	_, err = s.GetMapping(ctx, u.ID, tenantID)
	assert.Equal(t, apperrors.KindNoAccess, apperrors.KindOf(err))
}

func TestOpenSessionRequiresActiveMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, tenantID := seedUserAndTenant(t, s)

	err := s.OpenSession(ctx, &models.Session{
		ID: uuid.NewString(), UserID: u.ID, TenantID: tenantID,
		Fingerprint: "fpt", State: models.SessionActive,
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.Equal(t, apperrors.KindNoAccess, apperrors.KindOf(err))
}

func TestCloseSessionIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, tenantID := seedUserAndTenant(t, s)
	_, err := s.GrantAccess(ctx, u.ID, tenantID, []string{"viewer"}, "root")
	require.NoError(t, err)

	sess := &models.Session{
		ID: uuid.NewString(), UserID: u.ID, TenantID: tenantID,
		Fingerprint: "fpt", State: models.SessionActive,
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.OpenSession(ctx, sess))
	require.NoError(t, s.CloseSession(ctx, sess.ID, models.SessionLoggedOut))

	err = s.CloseSession(ctx, sess.ID, models.SessionRevoked)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionLoggedOut, got.State)
}

func TestSwitchSessionIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, tenantA := seedUserAndTenant(t, s)
	tenantB, err := s.UpsertTenant(ctx, &models.Tenant{
		Name: "globex", Status: models.TenantActive,
		Descriptor: models.DatabaseDescriptor{Kind: models.DBPostgres, DSN: "postgres://localhost/globex"},
	})
	require.NoError(t, err)

	_, err = s.GrantAccess(ctx, u.ID, tenantA, []string{"analyst"}, "root")
	require.NoError(t, err)

	old := &models.Session{
		ID: uuid.NewString(), UserID: u.ID, TenantID: tenantA,
		Fingerprint: "fpt-a", State: models.SessionActive,
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.OpenSession(ctx, old))

	next := &models.Session{
		ID: uuid.NewString(), UserID: u.ID, TenantID: tenantB,
		Fingerprint: "fpt-b", State: models.SessionActive,
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}

	// No mapping at the target tenant: nothing changes, the old
	// session stays active.
	err = s.SwitchSession(ctx, old.ID, models.SessionLoggedOut, next)
	assert.Equal(t, apperrors.KindNoAccess, apperrors.KindOf(err))
	got, err := s.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.State)
	_, err = s.GetSession(ctx, next.ID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	// With the mapping in place both sides commit together.
	_, err = s.GrantAccess(ctx, u.ID, tenantB, []string{"viewer"}, "root")
	require.NoError(t, err)
	require.NoError(t, s.SwitchSession(ctx, old.ID, models.SessionLoggedOut, next))

	got, err = s.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionLoggedOut, got.State)
	got, err = s.GetSession(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.State)

	// A terminal source session cannot be switched again.
	err = s.SwitchSession(ctx, old.ID, models.SessionLoggedOut, &models.Session{
		ID: uuid.NewString(), UserID: u.ID, TenantID: tenantB,
		Fingerprint: "fpt-c", State: models.SessionActive,
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestDecideAccessRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, tenantID := seedUserAndTenant(t, s)

	req := &models.AccessRequest{
		ID: uuid.NewString(), UserID: u.ID, TenantID: tenantID,
		Roles: []string{"analyst"}, Status: models.RequestPending,
		Reason: "quarterly reporting", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SubmitAccessRequest(ctx, req))

	decided, err := s.DecideAccessRequest(ctx, req.ID, true, "root")
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, decided.Status)
	assert.Equal(t, "root", decided.DecidedBy)

	// Approval creates the mapping.
	m, err := s.GetMapping(ctx, u.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst"}, m.Roles)

	// Decisions are terminal.
	_, err = s.DecideAccessRequest(ctx, req.ID, false, "root")
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
}

func TestRoleTemplateVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRoleTemplate(ctx, models.RoleTemplate{
		Name:        "analyst",
		Permissions: []models.Permission{{Resource: models.ResQueries, Level: models.LevelRead}},
	}))
	require.NoError(t, s.PutRoleTemplate(ctx, models.RoleTemplate{
		Name:        "analyst",
		Permissions: []models.Permission{{Resource: models.ResQueries, Level: models.LevelCreate}},
	}))

	got, err := s.GetRoleTemplate(ctx, "analyst")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, models.LevelCreate, got.Permissions[0].Level)

	all, err := s.ListRoleTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Version)
}

func TestAuditListAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []*models.AuditEntry{
		{ID: uuid.NewString(), EventType: models.EventLogin, UserID: "u1", Timestamp: now.Add(-48 * time.Hour)},
		{ID: uuid.NewString(), EventType: models.EventQueryExecuted, UserID: "u1", TenantID: "t1", Timestamp: now.Add(-time.Hour)},
		{ID: uuid.NewString(), EventType: models.EventQueryExecuted, UserID: "u2", TenantID: "t1", Timestamp: now},
	}
	require.NoError(t, s.AppendAudit(ctx, entries))

	byTenant, err := s.ListAudit(ctx, AuditFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, byTenant, 2)
	// Newest first.
	assert.Equal(t, "u2", byTenant[0].UserID)

	byUser, err := s.ListAudit(ctx, AuditFilter{UserID: "u1", EventType: models.EventQueryExecuted})
	require.NoError(t, err)
	assert.Len(t, byUser, 1)

	pruned, err := s.PruneAudit(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	rest, err := s.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}
