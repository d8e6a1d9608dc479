package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		UserRate: 1, UserBurst: 2,
		IPRate: 100, IPBurst: 100,
	}
}

func TestUserBucketExhausts(t *testing.T) {
	l := New(testConfig())

	require.NoError(t, l.Allow("u1", "10.0.0.1", 0, 0))
	require.NoError(t, l.Allow("u1", "10.0.0.1", 0, 0))

	err := l.Allow("u1", "10.0.0.1", 0, 0)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
	assert.GreaterOrEqual(t, apperrors.RetryAfterOf(err), time.Second)

	// Another user is unaffected.
	assert.NoError(t, l.Allow("u2", "10.0.0.2", 0, 0))
}

func TestIPBucketIsIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.IPRate, cfg.IPBurst = 1, 1
	l := New(cfg)

	require.NoError(t, l.Allow("u1", "10.0.0.1", 0, 0))

	// Different user, same IP: the IP bucket rejects.
	err := l.Allow("u2", "10.0.0.1", 0, 0)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
}

func TestQuotaOverridesUserRate(t *testing.T) {
	l := New(testConfig())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow("u1", "10.0.0.1", 10, 5))
	}
	err := l.Allow("u1", "10.0.0.1", 10, 5)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
}

func TestSetConfigResetsBuckets(t *testing.T) {
	l := New(testConfig())
	require.NoError(t, l.Allow("u1", "10.0.0.1", 0, 0))
	require.NoError(t, l.Allow("u1", "10.0.0.1", 0, 0))
	require.Error(t, l.Allow("u1", "10.0.0.1", 0, 0))

	cfg := testConfig()
	cfg.UserBurst = 10
	l.SetConfig(cfg)
	assert.NoError(t, l.Allow("u1", "10.0.0.1", 0, 0))
}

func TestEvict(t *testing.T) {
	l := New(testConfig())
	require.NoError(t, l.Allow("u1", "10.0.0.1", 0, 0))

	l.mu.Lock()
	l.users["u1"].lastSeen = time.Now().Add(-time.Hour)
	l.ips["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.Evict()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.users)
	assert.Empty(t, l.ips)
}
