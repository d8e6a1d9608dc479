package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/auth"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// postgresStore implements Store on PostgreSQL via pgxpool. Multi-row
// modifications run in serializable transactions.
type postgresStore struct {
	pool   *pgxpool.Pool
	hasher *auth.PasswordHasher
	log    logger.Logger
}

func NewPostgres(ctx context.Context, cfg config.MetadataConfig, hasher *auth.PasswordHasher, log logger.Logger) (Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse metadata dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect metadata store: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping metadata store: %w", err)
	}

	s := &postgresStore{pool: pool, hasher: hasher, log: log}
	if cfg.MigrateOnStart {
		if err := s.ensureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *postgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS master_users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			full_name     TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			password_salt TEXT NOT NULL,
			is_global_admin BOOLEAN NOT NULL DEFAULT FALSE,
			status        TEXT NOT NULL DEFAULT 'active',
			last_login_at TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS master_tenants (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			descriptor        JSONB NOT NULL,
			subscription_tier TEXT NOT NULL DEFAULT '',
			quotas            JSONB NOT NULL DEFAULT '{}',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS role_templates (
			name        TEXT NOT NULL,
			version     INT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			parent      TEXT NOT NULL DEFAULT '',
			permissions JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS user_tenant_mappings (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES master_users(id),
			tenant_id  TEXT NOT NULL REFERENCES master_tenants(id),
			status     TEXT NOT NULL DEFAULT 'active',
			granted_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS user_tenant_mappings_active
			ON user_tenant_mappings (user_id, tenant_id) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS user_tenant_roles (
			mapping_id TEXT NOT NULL REFERENCES user_tenant_mappings(id) ON DELETE CASCADE,
			role_name  TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (mapping_id, role_name)
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_access_sessions (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES master_users(id),
			tenant_id   TEXT NOT NULL REFERENCES master_tenants(id),
			roles       JSONB NOT NULL DEFAULT '[]',
			fingerprint TEXT NOT NULL,
			state       TEXT NOT NULL DEFAULT 'active',
			issued_at   TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			client_ip   TEXT NOT NULL DEFAULT '',
			user_agent  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS tenant_access_sessions_pair
			ON tenant_access_sessions (user_id, tenant_id) WHERE state = 'active'`,
		`CREATE TABLE IF NOT EXISTS tenant_access_requests (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES master_users(id),
			tenant_id  TEXT NOT NULL REFERENCES master_tenants(id),
			roles      JSONB NOT NULL DEFAULT '[]',
			status     TEXT NOT NULL DEFAULT 'pending',
			reason     TEXT NOT NULL DEFAULT '',
			decided_by TEXT,
			decided_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS rbac_audit_log (
			id         TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			tenant_id  TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			ts         TIMESTAMPTZ NOT NULL,
			details    JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS rbac_audit_log_session
			ON rbac_audit_log (session_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure metadata schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) Close() { s.pool.Close() }

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// inTx runs fn in a serializable transaction.
func (s *postgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "begin tx", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "commit tx", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

func (s *postgresStore) CreateUser(ctx context.Context, nu NewUser) (*models.User, error) {
	start := time.Now()
	hash, salt, err := s.hasher.Hash(nu.Password)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "hash password", err)
	}
	u := &models.User{
		ID:            uuid.NewString(),
		Username:      nu.Username,
		Email:         strings.ToLower(nu.Email),
		FullName:      nu.FullName,
		PasswordHash:  hash,
		PasswordSalt:  salt,
		IsGlobalAdmin: nu.IsGlobalAdmin,
		Status:        models.UserActive,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO master_users
			(id, username, email, full_name, password_hash, password_salt, is_global_admin, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, u.Username, u.Email, u.FullName, u.PasswordHash, u.PasswordSalt,
		u.IsGlobalAdmin, u.Status, u.CreatedAt, u.UpdatedAt)
	monitoring.RecordStoreOperation("create_user", time.Since(start), err == nil)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.E(apperrors.KindDuplicateIdentifier, "username or email already in use")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "create user", err)
	}
	return u, nil
}

func (s *postgresStore) Authenticate(ctx context.Context, identifier, password string) (*models.User, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, email, full_name, password_hash, password_salt,
		       is_global_admin, status, last_login_at, created_at, updated_at
		FROM master_users
		WHERE (username = $1 OR email = lower($1)) AND status = 'active'`,
		identifier)
	u, err := scanUser(row)
	if err != nil {
		// Burn a verification anyway so missing users cost the same
		// as wrong passwords.
		s.hasher.Verify(password, strings.Repeat("0", 64), strings.Repeat("0", 32))
		monitoring.RecordStoreOperation("authenticate", time.Since(start), false)
		return nil, apperrors.E(apperrors.KindInvalidCredential, "invalid credentials")
	}
	if !s.hasher.Verify(password, u.PasswordHash, u.PasswordSalt) {
		monitoring.RecordStoreOperation("authenticate", time.Since(start), false)
		return nil, apperrors.E(apperrors.KindInvalidCredential, "invalid credentials")
	}
	now := time.Now().UTC()
	_, _ = s.pool.Exec(ctx, `UPDATE master_users SET last_login_at=$1, updated_at=$1 WHERE id=$2`, now, u.ID)
	monitoring.RecordStoreOperation("authenticate", time.Since(start), true)
	return u, nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash,
		&u.PasswordSalt, &u.IsGlobalAdmin, &u.Status, &u.LastLoginAt,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *postgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, email, full_name, password_hash, password_salt,
		       is_global_admin, status, last_login_at, created_at, updated_at
		FROM master_users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.E(apperrors.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "get user", err)
	}
	return u, nil
}

func (s *postgresStore) DeactivateUser(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE master_users SET status='deactivated', updated_at=now() WHERE id=$1`, id)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "deactivate user", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.E(apperrors.KindNotFound, "user not found")
		}
		_, err = tx.Exec(ctx, `
			UPDATE tenant_access_sessions SET state='revoked', updated_at=now()
			WHERE user_id=$1 AND state='active'`, id)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "invalidate sessions", err)
		}
		return nil
	})
}

// --- Tenants ---

func (s *postgresStore) UpsertTenant(ctx context.Context, t *models.Tenant) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	desc, err := json.Marshal(t.Descriptor)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "marshal descriptor", err)
	}
	quotas, err := json.Marshal(t.Quotas)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "marshal quotas", err)
	}
	if t.Status == "" {
		t.Status = models.TenantPending
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO master_tenants (id, name, status, descriptor, subscription_tier, quotas, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, status=EXCLUDED.status, descriptor=EXCLUDED.descriptor,
			subscription_tier=EXCLUDED.subscription_tier, quotas=EXCLUDED.quotas, updated_at=now()`,
		t.ID, t.Name, t.Status, desc, t.SubscriptionTier, quotas)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "upsert tenant", err)
	}
	return t.ID, nil
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	var desc, quotas []byte
	err := row.Scan(&t.ID, &t.Name, &t.Status, &desc, &t.SubscriptionTier, &quotas, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(desc, &t.Descriptor); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(quotas, &t.Quotas); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *postgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, descriptor, subscription_tier, quotas, created_at, updated_at
		FROM master_tenants WHERE id=$1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.E(apperrors.KindTenantNotFound, "tenant not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "get tenant", err)
	}
	return t, nil
}

func (s *postgresStore) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, descriptor, subscription_tier, quotas, created_at, updated_at
		FROM master_tenants ORDER BY created_at`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list tenants", err)
	}
	defer rows.Close()
	var out []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan tenant", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *postgresStore) SetTenantStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE master_tenants SET status=$1, updated_at=now() WHERE id=$2`, status, id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "set tenant status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.E(apperrors.KindTenantNotFound, "tenant not found")
	}
	return nil
}

// --- Role templates ---

func (s *postgresStore) ListRoleTemplates(ctx context.Context) ([]models.RoleTemplate, error) {
	// Only the latest version of each template is live.
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (name) name, version, description, parent, permissions, created_at
		FROM role_templates ORDER BY name, version DESC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list role templates", err)
	}
	defer rows.Close()
	var out []models.RoleTemplate
	for rows.Next() {
		var t models.RoleTemplate
		var perms []byte
		if err := rows.Scan(&t.Name, &t.Version, &t.Description, &t.Parent, &perms, &t.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan role template", err)
		}
		if err := json.Unmarshal(perms, &t.Permissions); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "decode permissions", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *postgresStore) GetRoleTemplate(ctx context.Context, name string) (*models.RoleTemplate, error) {
	var t models.RoleTemplate
	var perms []byte
	err := s.pool.QueryRow(ctx, `
		SELECT name, version, description, parent, permissions, created_at
		FROM role_templates WHERE name=$1 ORDER BY version DESC LIMIT 1`, name).
		Scan(&t.Name, &t.Version, &t.Description, &t.Parent, &perms, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.E(apperrors.KindNotFound, "role template not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "get role template", err)
	}
	if err := json.Unmarshal(perms, &t.Permissions); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "decode permissions", err)
	}
	return &t, nil
}

func (s *postgresStore) PutRoleTemplate(ctx context.Context, t models.RoleTemplate) error {
	perms, err := json.Marshal(t.Permissions)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal permissions", err)
	}
	// Templates are never mutated in place; a new version replaces.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO role_templates (name, version, description, parent, permissions, created_at)
		VALUES ($1, COALESCE((SELECT MAX(version)+1 FROM role_templates WHERE name=$1), 1), $2, $3, $4, now())`,
		t.Name, t.Description, t.Parent, perms)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "put role template", err)
	}
	return nil
}

// --- Access mappings ---

func (s *postgresStore) GrantAccess(ctx context.Context, userID, tenantID string, roles []string, grantedBy string) (*models.UserTenantMapping, error) {
	start := time.Now()
	m := &models.UserTenantMapping{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		Roles:     roles,
		Status:    models.MappingActive,
		GrantedBy: grantedBy,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_tenant_mappings (id, user_id, tenant_id, status, granted_by, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			m.ID, m.UserID, m.TenantID, m.Status, m.GrantedBy, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apperrors.E(apperrors.KindAlreadyGranted, "an active mapping already exists")
			}
			return apperrors.Wrap(apperrors.KindInternal, "insert mapping", err)
		}
		for _, role := range roles {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_tenant_roles (mapping_id, role_name) VALUES ($1,$2)`, m.ID, role); err != nil {
				return apperrors.Wrap(apperrors.KindInternal, "insert role assignment", err)
			}
		}
		return nil
	})
	monitoring.RecordStoreOperation("grant_access", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *postgresStore) RevokeAccess(ctx context.Context, userID, tenantID, revokedBy string) ([]string, error) {
	start := time.Now()
	var closed []string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE user_tenant_mappings SET status='revoked', updated_at=now()
			WHERE user_id=$1 AND tenant_id=$2 AND status='active'`, userID, tenantID)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "revoke mapping", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.E(apperrors.KindNotFound, "no active mapping")
		}
		rows, err := tx.Query(ctx, `
			UPDATE tenant_access_sessions SET state='revoked', updated_at=now()
			WHERE user_id=$1 AND tenant_id=$2 AND state='active'
			RETURNING id`, userID, tenantID)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "invalidate sessions", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return apperrors.Wrap(apperrors.KindInternal, "scan session id", err)
			}
			closed = append(closed, id)
		}
		return rows.Err()
	})
	monitoring.RecordStoreOperation("revoke_access", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func (s *postgresStore) GetMapping(ctx context.Context, userID, tenantID string) (*models.UserTenantMapping, error) {
	var m models.UserTenantMapping
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, tenant_id, status, granted_by, created_at, updated_at
		FROM user_tenant_mappings
		WHERE user_id=$1 AND tenant_id=$2 AND status='active'`, userID, tenantID).
		Scan(&m.ID, &m.UserID, &m.TenantID, &m.Status, &m.GrantedBy, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.E(apperrors.KindNoAccess, "no active mapping")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "get mapping", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT role_name FROM user_tenant_roles WHERE mapping_id=$1 ORDER BY role_name`, m.ID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "get roles", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan role", err)
		}
		m.Roles = append(m.Roles, role)
	}
	return &m, rows.Err()
}

// --- Sessions ---

func (s *postgresStore) OpenSession(ctx context.Context, sess *models.Session) error {
	start := time.Now()
	roles, err := json.Marshal(sess.Roles)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal roles", err)
	}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		// The mapping must still be active when the row is written.
		var mappingID string
		err := tx.QueryRow(ctx, `
			SELECT id FROM user_tenant_mappings
			WHERE user_id=$1 AND tenant_id=$2 AND status='active'`,
			sess.UserID, sess.TenantID).Scan(&mappingID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.E(apperrors.KindNoAccess, "no active mapping for tenant")
		}
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "check mapping", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO tenant_access_sessions
				(id, user_id, tenant_id, roles, fingerprint, state, issued_at, expires_at, client_ip, user_agent)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			sess.ID, sess.UserID, sess.TenantID, roles, sess.Fingerprint,
			sess.State, sess.IssuedAt, sess.ExpiresAt, sess.ClientIP, sess.UserAgent)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "insert session", err)
		}
		return nil
	})
	monitoring.RecordStoreOperation("open_session", time.Since(start), err == nil)
	return err
}

func (s *postgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	var roles []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, tenant_id, roles, fingerprint, state, issued_at, expires_at, client_ip, user_agent
		FROM tenant_access_sessions WHERE id=$1`, id).
		Scan(&sess.ID, &sess.UserID, &sess.TenantID, &roles, &sess.Fingerprint,
			&sess.State, &sess.IssuedAt, &sess.ExpiresAt, &sess.ClientIP, &sess.UserAgent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.E(apperrors.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "get session", err)
	}
	if err := json.Unmarshal(roles, &sess.Roles); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "decode roles", err)
	}
	return &sess, nil
}

func (s *postgresStore) CloseSession(ctx context.Context, id, terminalState string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenant_access_sessions SET state=$1, updated_at=now()
		WHERE id=$2 AND state='active'`, terminalState, id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "close session", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.E(apperrors.KindNotFound, "no active session")
	}
	return nil
}

func (s *postgresStore) SwitchSession(ctx context.Context, closeID, terminalState string, open *models.Session) error {
	start := time.Now()
	roles, err := json.Marshal(open.Roles)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal roles", err)
	}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tenant_access_sessions SET state=$1, updated_at=now()
			WHERE id=$2 AND state='active'`, terminalState, closeID)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "close session", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.E(apperrors.KindNotFound, "no active session")
		}
		var mappingID string
		err = tx.QueryRow(ctx, `
			SELECT id FROM user_tenant_mappings
			WHERE user_id=$1 AND tenant_id=$2 AND status='active'`,
			open.UserID, open.TenantID).Scan(&mappingID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.E(apperrors.KindNoAccess, "no active mapping for tenant")
		}
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "check mapping", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO tenant_access_sessions
				(id, user_id, tenant_id, roles, fingerprint, state, issued_at, expires_at, client_ip, user_agent)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			open.ID, open.UserID, open.TenantID, roles, open.Fingerprint,
			open.State, open.IssuedAt, open.ExpiresAt, open.ClientIP, open.UserAgent)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "insert session", err)
		}
		return nil
	})
	monitoring.RecordStoreOperation("switch_session", time.Since(start), err == nil)
	return err
}

func (s *postgresStore) InvalidateSessions(ctx context.Context, f SessionFilter, terminalState string) ([]string, error) {
	q := `UPDATE tenant_access_sessions SET state=$1, updated_at=now() WHERE state='active'`
	args := []interface{}{terminalState}
	if f.UserID != "" {
		args = append(args, f.UserID)
		q += fmt.Sprintf(" AND user_id=$%d", len(args))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		q += fmt.Sprintf(" AND tenant_id=$%d", len(args))
	}
	q += " RETURNING id"
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "invalidate sessions", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan session id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Access requests ---

func (s *postgresStore) SubmitAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	roles, err := json.Marshal(r.Roles)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal roles", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_access_requests (id, user_id, tenant_id, roles, status, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.UserID, r.TenantID, roles, r.Status, r.Reason, r.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "submit access request", err)
	}
	return nil
}

func scanAccessRequest(row pgx.Row) (*models.AccessRequest, error) {
	var r models.AccessRequest
	var roles []byte
	var decidedBy *string
	err := row.Scan(&r.ID, &r.UserID, &r.TenantID, &roles, &r.Status, &r.Reason, &decidedBy, &r.DecidedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if decidedBy != nil {
		r.DecidedBy = *decidedBy
	}
	if err := json.Unmarshal(roles, &r.Roles); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *postgresStore) GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, tenant_id, roles, status, reason, decided_by, decided_at, created_at
		FROM tenant_access_requests WHERE id=$1`, id)
	r, err := scanAccessRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.E(apperrors.KindNotFound, "access request not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "get access request", err)
	}
	return r, nil
}

func (s *postgresStore) ListAccessRequests(ctx context.Context, tenantID, status string) ([]*models.AccessRequest, error) {
	q := `SELECT id, user_id, tenant_id, roles, status, reason, decided_by, decided_at, created_at
		FROM tenant_access_requests WHERE 1=1`
	var args []interface{}
	if tenantID != "" {
		args = append(args, tenantID)
		q += fmt.Sprintf(" AND tenant_id=$%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	q += " ORDER BY created_at"
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list access requests", err)
	}
	defer rows.Close()
	var out []*models.AccessRequest
	for rows.Next() {
		r, err := scanAccessRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan access request", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) DecideAccessRequest(ctx context.Context, id string, approve bool, decidedBy string) (*models.AccessRequest, error) {
	start := time.Now()
	var out *models.AccessRequest
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, user_id, tenant_id, roles, status, reason, decided_by, decided_at, created_at
			FROM tenant_access_requests WHERE id=$1 FOR UPDATE`, id)
		r, err := scanAccessRequest(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.E(apperrors.KindNotFound, "access request not found")
		}
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "load access request", err)
		}
		if r.Status != models.RequestPending {
			return apperrors.E(apperrors.KindConflict, "access request already decided")
		}
		now := time.Now().UTC()
		newStatus := models.RequestRejected
		if approve {
			newStatus = models.RequestApproved
		}
		_, err = tx.Exec(ctx, `
			UPDATE tenant_access_requests SET status=$1, decided_by=$2, decided_at=$3 WHERE id=$4`,
			newStatus, decidedBy, now, id)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "decide access request", err)
		}
		if approve {
			mappingID := uuid.NewString()
			_, err := tx.Exec(ctx, `
				INSERT INTO user_tenant_mappings (id, user_id, tenant_id, status, granted_by, created_at, updated_at)
				VALUES ($1,$2,$3,'active',$4,now(),now())`,
				mappingID, r.UserID, r.TenantID, decidedBy)
			if err != nil {
				if isUniqueViolation(err) {
					return apperrors.E(apperrors.KindAlreadyGranted, "an active mapping already exists")
				}
				return apperrors.Wrap(apperrors.KindInternal, "create mapping", err)
			}
			for _, role := range r.Roles {
				if _, err := tx.Exec(ctx, `
					INSERT INTO user_tenant_roles (mapping_id, role_name) VALUES ($1,$2)`, mappingID, role); err != nil {
					return apperrors.Wrap(apperrors.KindInternal, "insert role assignment", err)
				}
			}
		}
		r.Status = newStatus
		r.DecidedBy = decidedBy
		r.DecidedAt = &now
		out = r
		return nil
	})
	monitoring.RecordStoreOperation("decide_access_request", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Audit ---

func (s *postgresStore) AppendAudit(ctx context.Context, entries []*models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "marshal audit details", err)
		}
		batch.Queue(`
			INSERT INTO rbac_audit_log (id, event_type, user_id, tenant_id, session_id, ts, details)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.ID, e.EventType, e.UserID, e.TenantID, e.SessionID, e.Timestamp, details)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "append audit", err)
		}
	}
	return nil
}

func (s *postgresStore) ListAudit(ctx context.Context, f AuditFilter) ([]*models.AuditEntry, error) {
	q := `SELECT id, event_type, user_id, tenant_id, session_id, ts, details FROM rbac_audit_log WHERE 1=1`
	var args []interface{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		q += fmt.Sprintf(" AND tenant_id=$%d", len(args))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		q += fmt.Sprintf(" AND user_id=$%d", len(args))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		q += fmt.Sprintf(" AND event_type=$%d", len(args))
	}
	q += " ORDER BY ts DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list audit", err)
	}
	defer rows.Close()
	var out []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.UserID, &e.TenantID, &e.SessionID, &e.Timestamp, &details); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan audit entry", err)
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "decode audit details", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *postgresStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rbac_audit_log WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "prune audit", err)
	}
	return tag.RowsAffected(), nil
}
