package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/auth"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	hasher, err := auth.NewPasswordHasher(auth.MinIterations)
	require.NoError(t, err)
	return store.NewMemory(hasher)
}

func testConfig() config.AuditConfig {
	return config.AuditConfig{BatchSize: 3, FlushInterval: time.Hour}
}

func TestDurableEventsFlushImmediately(t *testing.T) {
	st := newStore(t)
	w := NewWriter(st, testConfig(), logger.NewNop())
	ctx := context.Background()

	// A non-durable event stays buffered.
	require.NoError(t, w.Record(ctx, Entry(models.EventQueryExecuted, "u1", "t1", "s1", nil)))
	rows, err := st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	// A durable event flushes itself and everything before it.
	require.NoError(t, w.Record(ctx, Entry(models.EventLogin, "u1", "", "s1", nil)))
	rows, err = st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	st := newStore(t)
	w := NewWriter(st, testConfig(), logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Record(ctx, Entry(models.EventQueryExecuted, "u1", "t1", "s1", nil)))
	}
	rows, err := st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestStopFlushesRemainder(t *testing.T) {
	st := newStore(t)
	w := NewWriter(st, testConfig(), logger.NewNop())
	w.Start()
	ctx := context.Background()

	require.NoError(t, w.Record(ctx, Entry(models.EventQueryExecuted, "u1", "t1", "s1", nil)))
	w.Stop(ctx)

	rows, err := st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// failingStore rejects the first append to prove durable errors
// propagate to the caller.
type failingStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

func (f *failingStore) AppendAudit(ctx context.Context, entries []*models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("store down")
	}
	return f.Store.AppendAudit(ctx, entries)
}

func TestDurableWriteFailureSurfaces(t *testing.T) {
	st := &failingStore{Store: newStore(t), fails: 1}
	w := NewWriter(st, testConfig(), logger.NewNop())
	ctx := context.Background()

	err := w.Record(ctx, Entry(models.EventGrantAccess, "u1", "t1", "", nil))
	assert.Error(t, err)

	// A non-durable failure is swallowed.
	st.mu.Lock()
	st.fails = 1
	st.mu.Unlock()
	for i := 0; i < 3; i++ {
		assert.NoError(t, w.Record(ctx, Entry(models.EventQueryExecuted, "u1", "t1", "s1", nil)))
	}
}
