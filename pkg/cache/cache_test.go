package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

func TestSessionMirrorRoundTrip(t *testing.T) {
	vk := NewNoopValkeyCache(logger.NewNop())
	ctx := context.Background()

	sess := &models.Session{
		ID:          "s1",
		UserID:      "u1",
		TenantID:    "t1",
		Roles:       []string{"analyst"},
		Fingerprint: "fpt-random-value",
		State:       models.SessionActive,
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, vk.SetSession(ctx, sess, time.Hour))

	got, err := vk.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, []string{"analyst"}, got.Roles)
	// The fingerprint is excluded from the model's public JSON but the
	// mirror must keep it, or token verification fails on a cache hit.
	assert.Equal(t, "fpt-random-value", got.Fingerprint)
}

func TestSessionMirrorInvalidate(t *testing.T) {
	vk := NewNoopValkeyCache(logger.NewNop())
	ctx := context.Background()

	sess := &models.Session{ID: "s1", TenantID: "t1", Fingerprint: "f", State: models.SessionActive}
	require.NoError(t, vk.SetSession(ctx, sess, time.Hour))
	require.NoError(t, vk.InvalidateSession(ctx, "s1"))

	_, err := vk.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	ids, err := vk.ActiveSessions(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
