package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// noopValkeyCache provides an in-memory, process-local fallback that
// satisfies Valkey when the external cache is unavailable. It is
// best-effort and intended for development, tests and degraded
// operation; data is not shared across replicas and is lost on
// restart.
type noopValkeyCache struct {
	m        map[string][]byte
	expiry   map[string]time.Time
	counters map[string]int64
	sets     map[string]map[string]bool
	mu       sync.RWMutex
}

func NewNoopValkeyCache(log logger.Logger) Valkey {
	if log != nil {
		log.Warn("Valkey cache unavailable; using in-memory fallback (noop)")
	}
	return &noopValkeyCache{
		m:        make(map[string][]byte),
		expiry:   make(map[string]time.Time),
		counters: make(map[string]int64),
		sets:     make(map[string]map[string]bool),
	}
}

func (n *noopValkeyCache) Get(ctx context.Context, key string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if exp, ok := n.expiry[key]; ok && time.Now().After(exp) {
		delete(n.m, key)
		delete(n.expiry, key)
	}
	b, ok := n.m[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return b, nil
}

func (n *noopValkeyCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	b, err := encode(key, value)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.m[key] = b
	if ttl > 0 {
		n.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(n.expiry, key)
	}
	n.mu.Unlock()
	return nil
}

func (n *noopValkeyCache) Delete(ctx context.Context, key string) error {
	n.mu.Lock()
	delete(n.m, key)
	delete(n.expiry, key)
	n.mu.Unlock()
	return nil
}

func (n *noopValkeyCache) Incr(ctx context.Context, key string) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counters[key]++
	v := n.counters[key]
	// INCR creates a plain string key, same as Valkey.
	n.m[key] = []byte(strconv.FormatInt(v, 10))
	return v, nil
}

func (n *noopValkeyCache) Ping(ctx context.Context) error { return nil }

func (n *noopValkeyCache) SetSession(ctx context.Context, session *models.Session, ttl time.Duration) error {
	data, err := marshalSession(session)
	if err != nil {
		return err
	}
	if err := n.Set(ctx, sessionKey(session.ID), data, ttl); err != nil {
		return err
	}
	n.mu.Lock()
	set := n.sets[tenantSessionsKey(session.TenantID)]
	if set == nil {
		set = make(map[string]bool)
		n.sets[tenantSessionsKey(session.TenantID)] = set
	}
	set[session.ID] = true
	n.mu.Unlock()
	return nil
}

func (n *noopValkeyCache) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := n.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	session, err := unmarshalSession(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return session, nil
}

func (n *noopValkeyCache) InvalidateSession(ctx context.Context, sessionID string) error {
	if sess, err := n.GetSession(ctx, sessionID); err == nil && sess != nil {
		n.mu.Lock()
		if set := n.sets[tenantSessionsKey(sess.TenantID)]; set != nil {
			delete(set, sessionID)
		}
		n.mu.Unlock()
	}
	return n.Delete(ctx, sessionKey(sessionID))
}

func (n *noopValkeyCache) ActiveSessions(ctx context.Context, tenantID string) ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	set := n.sets[tenantSessionsKey(tenantID)]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}
