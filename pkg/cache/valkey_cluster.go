package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
)

// valkeyClusterImpl implements Valkey against a Valkey/Redis cluster.
type valkeyClusterImpl struct {
	client *redis.ClusterClient
	ttl    time.Duration
}

func NewValkeyCluster(nodes []string, password string, defaultTTL time.Duration) (Valkey, error) {
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        nodes,
		Password:     password,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey cluster: %w", err)
	}

	return &valkeyClusterImpl{client: client, ttl: defaultTTL}, nil
}

func (v *valkeyClusterImpl) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := v.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		monitoring.RecordCacheOperation("get", "miss")
		return nil, ErrCacheMiss
	}
	if err != nil {
		monitoring.RecordCacheOperation("get", "error")
		return nil, err
	}
	monitoring.RecordCacheOperation("get", "hit")
	return b, nil
}

func (v *valkeyClusterImpl) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encode(key, value)
	if err != nil {
		monitoring.RecordCacheOperation("set", "error")
		return err
	}
	if ttl <= 0 {
		ttl = v.ttl
	}
	if err := v.client.Set(ctx, key, data, ttl).Err(); err != nil {
		monitoring.RecordCacheOperation("set", "error")
		return err
	}
	monitoring.RecordCacheOperation("set", "success")
	return nil
}

func (v *valkeyClusterImpl) Delete(ctx context.Context, key string) error {
	if err := v.client.Del(ctx, key).Err(); err != nil {
		monitoring.RecordCacheOperation("delete", "error")
		return err
	}
	monitoring.RecordCacheOperation("delete", "success")
	return nil
}

func (v *valkeyClusterImpl) Incr(ctx context.Context, key string) (int64, error) {
	n, err := v.client.Incr(ctx, key).Result()
	if err != nil {
		monitoring.RecordCacheOperation("incr", "error")
		return 0, err
	}
	monitoring.RecordCacheOperation("incr", "success")
	return n, nil
}

func (v *valkeyClusterImpl) Ping(ctx context.Context) error {
	return v.client.Ping(ctx).Err()
}

func (v *valkeyClusterImpl) SetSession(ctx context.Context, session *models.Session, ttl time.Duration) error {
	data, err := marshalSession(session)
	if err != nil {
		monitoring.RecordCacheOperation("set_session", "error")
		return err
	}
	if err := v.Set(ctx, sessionKey(session.ID), data, ttl); err != nil {
		monitoring.RecordCacheOperation("set_session", "error")
		return err
	}
	if err := v.client.SAdd(ctx, tenantSessionsKey(session.TenantID), session.ID).Err(); err != nil {
		monitoring.RecordCacheOperation("set_session", "error")
		return err
	}
	monitoring.RecordCacheOperation("set_session", "success")
	return nil
}

func (v *valkeyClusterImpl) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := v.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	session, err := unmarshalSession(data)
	if err != nil {
		monitoring.RecordCacheOperation("get_session", "error")
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	monitoring.RecordCacheOperation("get_session", "hit")
	return session, nil
}

func (v *valkeyClusterImpl) InvalidateSession(ctx context.Context, sessionID string) error {
	if sess, err := v.GetSession(ctx, sessionID); err == nil && sess != nil {
		_ = v.client.SRem(ctx, tenantSessionsKey(sess.TenantID), sessionID).Err()
	}
	if err := v.Delete(ctx, sessionKey(sessionID)); err != nil {
		monitoring.RecordCacheOperation("invalidate_session", "error")
		return err
	}
	monitoring.RecordCacheOperation("invalidate_session", "success")
	return nil
}

func (v *valkeyClusterImpl) ActiveSessions(ctx context.Context, tenantID string) ([]string, error) {
	return v.client.SMembers(ctx, tenantSessionsKey(tenantID)).Result()
}
