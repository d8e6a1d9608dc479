// Package sessions owns the lifecycle of tenant access sessions: login,
// tenant switch, resolution on the request path, and invalidation
// fan-out. The metadata store is the source of truth; Valkey mirrors
// live sessions for the routing middleware's fast path.
package sessions

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/auth"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/cache"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type Manager struct {
	store store.Store
	cache cache.Valkey
	codec *auth.TokenCodec
	ttl   time.Duration
	log   logger.Logger
}

func NewManager(st store.Store, ck cache.Valkey, codec *auth.TokenCodec, ttl time.Duration, log logger.Logger) *Manager {
	return &Manager{store: st, cache: ck, codec: codec, ttl: ttl, log: log}
}

// Login authenticates the user and opens a session at the requested
// tenant. The caller must name a tenant the user holds an active
// mapping for.
func (m *Manager) Login(ctx context.Context, identifier, password, tenantID, clientIP, userAgent string) (*models.Session, string, *models.User, error) {
	user, err := m.store.Authenticate(ctx, identifier, password)
	if err != nil {
		monitoring.RecordAuthAttempt("login", "failure")
		return nil, "", nil, err
	}

	sess, token, err := m.open(ctx, user, tenantID, clientIP, userAgent)
	if err != nil {
		monitoring.RecordAuthAttempt("login", "failure")
		return nil, "", nil, err
	}
	monitoring.RecordAuthAttempt("login", "success")
	return sess, token, user, nil
}

// SwitchTenant closes the current session and opens one at the target
// tenant in a single store transaction. On failure the current session
// stays live, so the caller never ends up with no session at all.
func (m *Manager) SwitchTenant(ctx context.Context, current *models.Session, tenantID, clientIP, userAgent string) (*models.Session, string, error) {
	if tenantID == current.TenantID {
		return nil, "", apperrors.E(apperrors.KindConflict, "already at this tenant")
	}
	user, err := m.store.GetUser(ctx, current.UserID)
	if err != nil {
		return nil, "", err
	}
	sess, err := m.build(ctx, user, tenantID, clientIP, userAgent)
	if err != nil {
		monitoring.RecordAuthAttempt("switch_tenant", "failure")
		return nil, "", err
	}
	if err := m.store.SwitchSession(ctx, current.ID, models.SessionLoggedOut, sess); err != nil {
		monitoring.RecordAuthAttempt("switch_tenant", "failure")
		return nil, "", err
	}
	token, err := m.codec.Encode(sess)
	if err != nil {
		return nil, "", err
	}
	if err := m.cache.InvalidateSession(ctx, current.ID); err != nil {
		m.log.Warn("session mirror invalidation failed", "session_id", current.ID, "error", err)
	}
	m.mirror(ctx, sess)
	monitoring.RecordAuthAttempt("switch_tenant", "success")
	return sess, token, nil
}

func (m *Manager) open(ctx context.Context, user *models.User, tenantID, clientIP, userAgent string) (*models.Session, string, error) {
	sess, err := m.build(ctx, user, tenantID, clientIP, userAgent)
	if err != nil {
		return nil, "", err
	}
	if err := m.store.OpenSession(ctx, sess); err != nil {
		return nil, "", err
	}
	token, err := m.codec.Encode(sess)
	if err != nil {
		return nil, "", err
	}
	m.mirror(ctx, sess)
	return sess, token, nil
}

// build assembles a new active session for a user at a tenant the user
// holds an active mapping for. Nothing is persisted yet.
func (m *Manager) build(ctx context.Context, user *models.User, tenantID, clientIP, userAgent string) (*models.Session, error) {
	mapping, err := m.store.GetMapping(ctx, user.ID, tenantID)
	if err != nil {
		return nil, err
	}
	fpt, err := auth.NewFingerprint()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "generate fingerprint", err)
	}
	issued, expires := auth.ExpiryFromNow(m.ttl)
	return &models.Session{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		TenantID:    tenantID,
		Roles:       mapping.Roles,
		Fingerprint: fpt,
		State:       models.SessionActive,
		IssuedAt:    issued,
		ExpiresAt:   expires,
		ClientIP:    clientIP,
		UserAgent:   userAgent,
	}, nil
}

func (m *Manager) mirror(ctx context.Context, sess *models.Session) {
	if err := m.cache.SetSession(ctx, sess, m.ttl); err != nil {
		// Mirror failure is not fatal; resolution falls back to the store.
		m.log.Warn("session mirror write failed", "session_id", sess.ID, "error", err)
	}
}

// Resolve turns a bearer token into the live session it names. The
// Valkey mirror serves the common case; on a miss the store row is
// loaded and re-mirrored. Expired sessions are marked terminal on first
// sight.
func (m *Manager) Resolve(ctx context.Context, token string) (*models.Session, error) {
	claims, err := m.codec.Decode(token)
	if err != nil {
		return nil, err
	}

	sess, err := m.cache.GetSession(ctx, claims.SessionID)
	if err != nil {
		sess, err = m.store.GetSession(ctx, claims.SessionID)
		if err != nil {
			if apperrors.Is(err, apperrors.KindNotFound) {
				return nil, apperrors.E(apperrors.KindBadToken, "unknown session")
			}
			return nil, err
		}
		if sess.IsLive(time.Now()) {
			if cerr := m.cache.SetSession(ctx, sess, time.Until(sess.ExpiresAt)); cerr != nil {
				m.log.Warn("session mirror write failed", "session_id", sess.ID, "error", cerr)
			}
		}
	}

	// The token's fingerprint must match the server-side record; a
	// stolen claim set with a guessed fingerprint fails here.
	if subtle.ConstantTimeCompare([]byte(sess.Fingerprint), []byte(claims.Fingerprint)) != 1 {
		return nil, apperrors.E(apperrors.KindBadToken, "fingerprint mismatch")
	}
	if sess.TenantID != claims.TenantID || sess.UserID != claims.Subject {
		return nil, apperrors.E(apperrors.KindBadToken, "token does not match session")
	}

	now := time.Now()
	if sess.State == models.SessionActive && !now.Before(sess.ExpiresAt) {
		if err := m.close(ctx, sess.ID, models.SessionExpired); err != nil {
			m.log.Warn("lazy expiry failed", "session_id", sess.ID, "error", err)
		}
		return nil, apperrors.E(apperrors.KindExpiredToken, "session expired")
	}
	if !sess.IsLive(now) {
		if sess.State == models.SessionRevoked {
			return nil, apperrors.E(apperrors.KindNoAccess, "access revoked")
		}
		return nil, apperrors.E(apperrors.KindUnauthenticated, "session terminated")
	}
	return sess, nil
}

// Logout terminates a session. Idempotent from the caller's view: an
// already-terminal session logs out cleanly.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	err := m.close(ctx, sessionID, models.SessionLoggedOut)
	if err != nil && !apperrors.Is(err, apperrors.KindNotFound) {
		return err
	}
	return nil
}

func (m *Manager) close(ctx context.Context, sessionID, terminalState string) error {
	if err := m.store.CloseSession(ctx, sessionID, terminalState); err != nil {
		return err
	}
	if err := m.cache.InvalidateSession(ctx, sessionID); err != nil {
		m.log.Warn("session mirror invalidation failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// InvalidateUser terminates every active session of a user, across all
// tenants. Returns the terminated session IDs.
func (m *Manager) InvalidateUser(ctx context.Context, userID, terminalState string) ([]string, error) {
	ids, err := m.store.InvalidateSessions(ctx, store.SessionFilter{UserID: userID}, terminalState)
	if err != nil {
		return nil, err
	}
	m.dropMirrors(ctx, ids)
	return ids, nil
}

// InvalidateTenant terminates every active session at a tenant. Used on
// decommission and descriptor swap.
func (m *Manager) InvalidateTenant(ctx context.Context, tenantID, terminalState string) ([]string, error) {
	ids, err := m.store.InvalidateSessions(ctx, store.SessionFilter{TenantID: tenantID}, terminalState)
	if err != nil {
		return nil, err
	}
	m.dropMirrors(ctx, ids)
	return ids, nil
}

// DropMirrors removes Valkey session mirrors for the given IDs. Used by
// callers that invalidated rows through the store directly, such as
// access revocation.
func (m *Manager) DropMirrors(ctx context.Context, ids []string) { m.dropMirrors(ctx, ids) }

func (m *Manager) dropMirrors(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := m.cache.InvalidateSession(ctx, id); err != nil {
			m.log.Warn("session mirror invalidation failed", "session_id", id, "error", err)
		}
	}
}
