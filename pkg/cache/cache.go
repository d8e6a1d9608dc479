// Package cache wraps the Valkey tier used for sessions, query results
// and schema snapshots. Every key written through this package is
// tenant- or session-scoped by its callers; the package itself never
// invents cross-tenant keys.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/platformbuilds/querygate-core/internal/models"
)

// ErrCacheMiss is returned by Get when the key does not exist. All
// other errors are infrastructure failures.
var ErrCacheMiss = errors.New("cache: key not found")

type Valkey interface {
	// General caching
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error

	// Session mirror for the routing middleware's fast path. The
	// metadata store stays the source of truth.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	SetSession(ctx context.Context, session *models.Session, ttl time.Duration) error
	InvalidateSession(ctx context.Context, sessionID string) error
	ActiveSessions(ctx context.Context, tenantID string) ([]string, error)
}

// New picks single-node or cluster mode from the node list.
func New(nodes []string, password string, db int, defaultTTL time.Duration) (Valkey, error) {
	if len(nodes) == 1 {
		return NewValkeySingle(nodes[0], db, password, defaultTTL)
	}
	return NewValkeyCluster(nodes, password, defaultTTL)
}

func sessionKey(id string) string       { return "qg:session:" + id }
func tenantSessionsKey(t string) string { return "qg:sessions:tenant:" + t }

// sessionMirror is the cache encoding of a session. The model keeps
// the fingerprint out of its public JSON; the mirror must carry it so
// token verification still works on a cache hit.
type sessionMirror struct {
	models.Session
	Fingerprint string `json:"fingerprint"`
}

func marshalSession(s *models.Session) ([]byte, error) {
	return json.Marshal(sessionMirror{Session: *s, Fingerprint: s.Fingerprint})
}

func unmarshalSession(data []byte) (*models.Session, error) {
	var m sessionMirror
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	s := m.Session
	s.Fingerprint = m.Fingerprint
	return &s, nil
}
