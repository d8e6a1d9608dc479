package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/audit"
	"github.com/platformbuilds/querygate-core/internal/auth"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/pool"
	"github.com/platformbuilds/querygate-core/internal/qcache"
	"github.com/platformbuilds/querygate-core/internal/registry"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/internal/translate"
	"github.com/platformbuilds/querygate-core/pkg/cache"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// fakeConn serves canned rows and counts executions.
type fakeConn struct {
	queries *atomic.Int64
	execs   *atomic.Int64
}

func (c *fakeConn) Query(_ context.Context, _ string, maxRows int) (*models.ResultSet, error) {
	c.queries.Add(1)
	rs := &models.ResultSet{Columns: []models.Column{
		{Name: "id", Type: "bigint"}, {Name: "email", Type: "text"}, {Name: "total", Type: "numeric"},
	}}
	for i := 0; i < 5; i++ {
		if maxRows > 0 && len(rs.Rows) >= maxRows {
			rs.Truncated = true
			break
		}
		rs.Rows = append(rs.Rows, models.Row{i, "user@example.com", i * 10})
	}
	return rs, nil
}

func (c *fakeConn) Exec(context.Context, string) (int64, error) {
	c.execs.Add(1)
	return 2, nil
}

func (c *fakeConn) Schema(context.Context) (map[string]models.TableSchema, error) {
	return map[string]models.TableSchema{
		"orders": {Name: "orders", Columns: []models.Column{{Name: "id", Type: "bigint"}}},
	}, nil
}
func (c *fakeConn) Ping(context.Context) error  { return nil }
func (c *fakeConn) Close(context.Context) error { return nil }

type fakeConnector struct {
	queries atomic.Int64
	execs   atomic.Int64
}

func (f *fakeConnector) Kind() models.DatabaseKind { return models.DBPostgres }
func (f *fakeConnector) Open(context.Context) (pool.Conn, error) {
	return &fakeConn{queries: &f.queries, execs: &f.execs}, nil
}
func (f *fakeConnector) Close(context.Context) error { return nil }

type env struct {
	dispatcher *Dispatcher
	connector  *fakeConnector
	store      store.Store
	pools      *pool.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.NewNop()
	hasher, err := auth.NewPasswordHasher(auth.MinIterations)
	require.NoError(t, err)
	st := store.NewMemory(hasher)
	vk := cache.NewNoopValkeyCache(log)

	reg := registry.New(log)
	reg.Activate(&models.Tenant{
		ID: "t1", Status: models.TenantActive,
		Descriptor: models.DatabaseDescriptor{Kind: models.DBPostgres, DSN: "postgres://nowhere/t1"},
	})

	connector := &fakeConnector{}
	pools := pool.NewManager(reg,
		config.PoolConfig{MinConns: 0, MaxConns: 2, AcquireTimeout: 100 * time.Millisecond},
		config.BreakerConfig{FailureThreshold: 5, OpenFor: 30 * time.Second, HalfOpenProbes: 2},
		log)
	pools.SetConnectorFactory(func(models.DatabaseDescriptor) (pool.Connector, error) {
		return connector, nil
	})
	t.Cleanup(func() { pools.Stop(context.Background()) })

	d := New(
		translate.NewRules(),
		pools,
		qcache.NewResultCache(vk, time.Minute, 1000, log),
		qcache.NewSchemaCache(vk, time.Minute, log),
		vk,
		audit.NewWriter(st, config.AuditConfig{BatchSize: 1, FlushInterval: time.Hour}, log),
		config.DispatchConfig{DefaultMaxRows: 1000, QueryTimeout: 5 * time.Second, ResultCacheTTL: time.Minute},
		log,
	)
	return &env{dispatcher: d, connector: connector, store: st, pools: pools}
}

func bearer(roles []string, perms []models.Permission) *models.TokenBearerContext {
	return &models.TokenBearerContext{
		UserID:    "u1",
		TenantID:  "t1",
		SessionID: "s1",
		Roles:     roles,
		Effective: perms,
	}
}

func readPerm() []models.Permission {
	return []models.Permission{{Resource: models.ResQueries, Level: models.LevelRead}}
}

func TestDispatchSelect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.dispatcher.Dispatch(ctx, bearer([]string{"viewer"}, readPerm()),
		models.TenantQuotas{}, models.QueryRequest{Text: "SELECT id FROM orders"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.RowCount)
	assert.False(t, res.Cached)
	assert.Equal(t, "SELECT id FROM orders", res.ExecutedQuery)

	// The recorded result is retrievable by ID, tenant-scoped.
	got, err := e.dispatcher.Result(ctx, "t1", res.QueryID)
	require.NoError(t, err)
	assert.Equal(t, res.QueryID, got.QueryID)
	_, err = e.dispatcher.Result(ctx, "t2", res.QueryID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestDispatchCacheHitSkipsExecution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tbc := bearer([]string{"viewer"}, readPerm())
	req := models.QueryRequest{Text: "SELECT id FROM orders"}

	_, err := e.dispatcher.Dispatch(ctx, tbc, models.TenantQuotas{}, req)
	require.NoError(t, err)
	first := e.connector.queries.Load()

	res, err := e.dispatcher.Dispatch(ctx, tbc, models.TenantQuotas{}, req)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, first, e.connector.queries.Load())

	// SkipCache forces execution.
	req.Options.SkipCache = true
	res, err = e.dispatcher.Dispatch(ctx, tbc, models.TenantQuotas{}, req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Greater(t, e.connector.queries.Load(), first)
}

func TestDispatchNondeterministicNotCached(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tbc := bearer([]string{"viewer"}, readPerm())
	req := models.QueryRequest{Text: "SELECT NOW() FROM orders"}

	_, err := e.dispatcher.Dispatch(ctx, tbc, models.TenantQuotas{}, req)
	require.NoError(t, err)
	res, err := e.dispatcher.Dispatch(ctx, tbc, models.TenantQuotas{}, req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, e.connector.queries.Load())
}

func TestDispatchWriteRequiresWriteLevel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.dispatcher.Dispatch(ctx, bearer([]string{"viewer"}, readPerm()),
		models.TenantQuotas{}, models.QueryRequest{Text: "UPDATE orders SET total = 0 WHERE id = 1"})
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))

	// Permission denials land in the audit log.
	rows, err := e.store.ListAudit(ctx, store.AuditFilter{EventType: models.EventPermissionDenied})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	writer := []models.Permission{{Resource: models.ResQueries, Level: models.LevelWrite}}
	res, err := e.dispatcher.Dispatch(ctx, bearer([]string{"editor"}, writer),
		models.TenantQuotas{}, models.QueryRequest{Text: "UPDATE orders SET total = 0 WHERE id = 1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, e.connector.execs.Load())
	assert.Equal(t, 1, res.RowCount)
}

func TestDispatchConditionedReadOnlyRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	guest := []models.Permission{{
		Resource: models.ResQueries, Level: models.LevelRead,
		Conditions: map[string]interface{}{"read_only": true},
	}}

	// Reads pass through the read_only condition.
	_, err := e.dispatcher.Dispatch(ctx, bearer([]string{"guest"}, guest),
		models.TenantQuotas{}, models.QueryRequest{Text: "SELECT id FROM orders"})
	require.NoError(t, err)

	// Writes never match a read_only conditioned grant.
	_, err = e.dispatcher.Dispatch(ctx, bearer([]string{"guest"}, guest),
		models.TenantQuotas{}, models.QueryRequest{Text: "DELETE FROM orders WHERE id = 1"})
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
}

func TestDispatchDenyList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := []models.Permission{{Resource: models.ResQueries, Level: models.LevelAdmin}}

	cases := []string{
		"DROP TABLE orders",
		"DELETE FROM orders",
		"GRANT ALL ON orders TO intruder",
		"SELECT * FROM tenant_other.orders",
	}
	for _, q := range cases {
		_, err := e.dispatcher.Dispatch(ctx, bearer([]string{"admin"}, admin),
			models.TenantQuotas{}, models.QueryRequest{Text: q})
		assert.Equal(t, apperrors.KindQueryRejected, apperrors.KindOf(err), "query %q", q)
	}

	// The caller's own tenant schema is fine.
	_, err := e.dispatcher.Dispatch(ctx, bearer([]string{"admin"}, admin),
		models.TenantQuotas{}, models.QueryRequest{Text: "SELECT * FROM tenant_t1.orders"})
	require.NoError(t, err)

	rejected, err := e.store.ListAudit(ctx, store.AuditFilter{EventType: models.EventQueryRejected})
	require.NoError(t, err)
	assert.Len(t, rejected, len(cases))
}

func TestDispatchRowCapFromQuota(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.dispatcher.Dispatch(ctx, bearer([]string{"viewer"}, readPerm()),
		models.TenantQuotas{MaxResultRows: 2}, models.QueryRequest{Text: "SELECT id FROM orders"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowCount)
	assert.True(t, res.Result.Truncated)
}

func TestDispatchMaskedColumns(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	masked := []models.Permission{{
		Resource: models.ResQueries, Level: models.LevelRead,
		Conditions: map[string]interface{}{"masked_columns": []interface{}{"email"}},
	}}

	res, err := e.dispatcher.Dispatch(ctx, bearer([]string{"restricted"}, masked),
		models.TenantQuotas{}, models.QueryRequest{Text: "SELECT id FROM orders"})
	require.NoError(t, err)
	assert.True(t, res.SecurityFiltered)
	for _, c := range res.Result.Columns {
		assert.NotEqual(t, "email", c.Name)
	}
	assert.Len(t, res.Result.Columns, 2)
	assert.Len(t, res.Result.Rows[0], 2)
}

func TestDispatchUntranslatable(t *testing.T) {
	e := newEnv(t)
	_, err := e.dispatcher.Dispatch(context.Background(), bearer([]string{"viewer"}, readPerm()),
		models.TenantQuotas{}, models.QueryRequest{Text: "do the thing with the stuff"})
	assert.Equal(t, apperrors.KindUntranslatable, apperrors.KindOf(err))
}

func TestDispatchWriteInvalidatesCachedReads(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reader := bearer([]string{"viewer"}, readPerm())
	writer := bearer([]string{"editor"},
		[]models.Permission{{Resource: models.ResQueries, Level: models.LevelWrite}})
	read := models.QueryRequest{Text: "SELECT id FROM orders"}

	_, err := e.dispatcher.Dispatch(ctx, reader, models.TenantQuotas{}, read)
	require.NoError(t, err)
	res, err := e.dispatcher.Dispatch(ctx, reader, models.TenantQuotas{}, read)
	require.NoError(t, err)
	require.True(t, res.Cached)
	executed := e.connector.queries.Load()

	_, err = e.dispatcher.Dispatch(ctx, writer, models.TenantQuotas{},
		models.QueryRequest{Text: "UPDATE orders SET total = 0 WHERE id = 1"})
	require.NoError(t, err)

	res, err = e.dispatcher.Dispatch(ctx, reader, models.TenantQuotas{}, read)
	require.NoError(t, err)
	assert.False(t, res.Cached, "a read after a write must not be served from cache")
	assert.Greater(t, e.connector.queries.Load(), executed)
}

func TestRefreshSchemaInvalidatesResults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tbc := bearer([]string{"viewer"}, readPerm())
	req := models.QueryRequest{Text: "SELECT id FROM orders"}

	_, err := e.dispatcher.Dispatch(ctx, tbc, models.TenantQuotas{}, req)
	require.NoError(t, err)

	snap, err := e.dispatcher.RefreshSchema(ctx, "t1")
	require.NoError(t, err)
	assert.Contains(t, snap.Tables, "orders")

	res, err := e.dispatcher.Dispatch(ctx, tbc, models.TenantQuotas{}, req)
	require.NoError(t, err)
	assert.False(t, res.Cached, "refresh must drop cached results")
}
