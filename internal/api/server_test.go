package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/core"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/pool"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Port:        0,
		Auth: config.AuthConfig{
			TokenSecret:      "test-secret-test-secret-test-1234",
			SessionTTL:       60,
			PBKDF2Iterations: 100000,
		},
		Pools: config.PoolConfig{
			MinConns:       0,
			MaxConns:       4,
			AcquireTimeout: time.Second,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			OpenFor:          time.Minute,
			HalfOpenProbes:   1,
		},
		RateLimit: config.RateLimitConfig{
			UserRate: 100, UserBurst: 100,
			IPRate: 100, IPBurst: 100,
		},
		Dispatch: config.DispatchConfig{
			DefaultMaxRows: 100,
			QueryTimeout:   5 * time.Second,
			ResultCacheTTL: time.Minute,
			SchemaCacheTTL: time.Minute,
		},
		Audit: config.AuditConfig{BatchSize: 1, FlushInterval: time.Second},
	}
}

type apiEnv struct {
	core   *core.Core
	server *Server
}

// fakeConn mimics a relational clone with a users table.
type fakeConn struct{}

func (f *fakeConn) Query(ctx context.Context, query string, maxRows int) (*models.ResultSet, error) {
	rows := []models.Row{
		{int64(1), "ada@example.com", int64(10)},
		{int64(2), "grace@example.com", int64(20)},
		{int64(3), "edsger@example.com", int64(30)},
	}
	truncated := false
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
		truncated = true
	}
	return &models.ResultSet{
		Columns: []models.Column{
			{Name: "id", Type: "bigint"},
			{Name: "email", Type: "text"},
			{Name: "total", Type: "bigint"},
		},
		Rows:      rows,
		Truncated: truncated,
	}, nil
}

func (f *fakeConn) Exec(ctx context.Context, query string) (int64, error) { return 1, nil }

func (f *fakeConn) Schema(ctx context.Context) (map[string]models.TableSchema, error) {
	return map[string]models.TableSchema{
		"users": {Name: "users", Columns: []models.Column{
			{Name: "id", Type: "bigint"}, {Name: "email", Type: "text"}, {Name: "total", Type: "bigint"},
		}},
	}, nil
}

func (f *fakeConn) Ping(ctx context.Context) error { return nil }

func (f *fakeConn) Close(ctx context.Context) error { return nil }

type fakeConnector struct{ kind models.DatabaseKind }

func (f *fakeConnector) Kind() models.DatabaseKind { return f.kind }

func (f *fakeConnector) Open(ctx context.Context) (pool.Conn, error) { return &fakeConn{}, nil }

func (f *fakeConnector) Close(ctx context.Context) error { return nil }

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	log := logger.NewNop()
	c, err := core.New(context.Background(), cfg, log)
	require.NoError(t, err)
	c.Pools.SetConnectorFactory(func(models.DatabaseDescriptor) (pool.Connector, error) {
		return &fakeConnector{kind: models.DBPostgres}, nil
	})

	ctx := context.Background()

	for _, tenant := range []*models.Tenant{
		{
			ID: "acme", Name: "Acme", Status: models.TenantActive,
			Descriptor: models.DatabaseDescriptor{Kind: models.DBPostgres, DSN: "postgres://acme", CloneRevision: 1},
			Quotas:     models.TenantQuotas{MaxResultRows: 100, MaxPoolSize: 4},
		},
		{
			ID: "globex", Name: "Globex", Status: models.TenantActive,
			Descriptor: models.DatabaseDescriptor{Kind: models.DBPostgres, DSN: "postgres://globex", CloneRevision: 1},
			Quotas:     models.TenantQuotas{MaxResultRows: 100, MaxPoolSize: 4},
		},
	} {
		_, err := c.Store.UpsertTenant(ctx, tenant)
		require.NoError(t, err)
		c.Registry.Activate(tenant)
	}

	admin, err := c.Store.CreateUser(ctx, store.NewUser{
		Username: "root", Email: "root@example.com", Password: "RootPa55!", IsGlobalAdmin: true,
	})
	require.NoError(t, err)
	analyst, err := c.Store.CreateUser(ctx, store.NewUser{
		Username: "ada", Email: "ada@example.com", Password: "AdaPa55!",
	})
	require.NoError(t, err)
	viewer, err := c.Store.CreateUser(ctx, store.NewUser{
		Username: "vera", Email: "vera@example.com", Password: "ViewPa55!",
	})
	require.NoError(t, err)

	_, err = c.Store.GrantAccess(ctx, admin.ID, "acme", []string{"admin"}, admin.ID)
	require.NoError(t, err)
	_, err = c.Store.GrantAccess(ctx, analyst.ID, "acme", []string{"analyst"}, admin.ID)
	require.NoError(t, err)
	_, err = c.Store.GrantAccess(ctx, analyst.ID, "globex", []string{"analyst"}, admin.ID)
	require.NoError(t, err)
	_, err = c.Store.GrantAccess(ctx, viewer.ID, "acme", []string{"viewer"}, admin.ID)
	require.NoError(t, err)

	return &apiEnv{core: c, server: NewServer(cfg, log, c)}
}

func (e *apiEnv) do(t *testing.T, method, path, token, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant", tenant)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *apiEnv) login(t *testing.T, identifier, password, tenant string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/auth/login", "", "", gin.H{
		"identifier": identifier, "password": password, "tenant_id": tenant,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestLoginAndQueryRoundTrip(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t, "ada", "AdaPa55!", "acme")

	w := env.do(t, http.MethodPost, "/query", token, "acme", gin.H{
		"text": "SELECT id, email, total FROM users",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Result models.QueryResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Result.RowCount)
	assert.Equal(t, "acme", resp.Result.TenantID)
	require.NotEmpty(t, resp.Result.QueryID)

	// The recorded result is retrievable by ID.
	w = env.do(t, http.MethodGet, "/query/"+resp.Result.QueryID, token, "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/auth/login", "", "", gin.H{
		"identifier": "ada", "password": "wrong", "tenant_id": "acme",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/query", "", "acme", gin.H{"text": "SELECT 1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTenantHeaderMismatchIsForbidden(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t, "ada", "AdaPa55!", "acme")

	w := env.do(t, http.MethodPost, "/query", token, "globex", gin.H{"text": "SELECT 1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/query", token, "", gin.H{"text": "SELECT 1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminGates(t *testing.T) {
	env := newAPIEnv(t)
	adminToken := env.login(t, "root", "RootPa55!", "acme")
	viewerToken := env.login(t, "vera", "ViewPa55!", "acme")

	body := gin.H{"username": "new", "email": "new@example.com", "password": "NewPa55!"}
	w := env.do(t, http.MethodPost, "/users", viewerToken, "acme", body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/users", adminToken, "acme", body)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRevokeTerminatesSessions(t *testing.T) {
	env := newAPIEnv(t)
	adminToken := env.login(t, "root", "RootPa55!", "acme")
	adaToken := env.login(t, "ada", "AdaPa55!", "acme")

	// Ada can reach the tenant before the revocation.
	w := env.do(t, http.MethodGet, "/schema", adaToken, "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	adaID := userIDByName(t, env, "ada")
	w = env.do(t, http.MethodPost, "/access/revoke", adminToken, "acme", gin.H{
		"user_id": adaID, "tenant_id": "acme",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The old token no longer authenticates.
	w = env.do(t, http.MethodGet, "/schema", adaToken, "acme", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func userIDByName(t *testing.T, env *apiEnv, username string) string {
	t.Helper()
	ctx := context.Background()
	user, err := env.core.Store.Authenticate(ctx, username, map[string]string{
		"ada": "AdaPa55!", "root": "RootPa55!", "vera": "ViewPa55!",
	}[username])
	require.NoError(t, err)
	return user.ID
}

func TestSwitchTenant(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t, "ada", "AdaPa55!", "acme")

	w := env.do(t, http.MethodPost, "/auth/switch-tenant", token, "acme", gin.H{"tenant_id": "globex"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// The new token works at globex; the old session is closed.
	w2 := env.do(t, http.MethodGet, "/schema", resp.Token, "globex", nil)
	assert.Equal(t, http.StatusOK, w2.Code, w2.Body.String())
	w3 := env.do(t, http.MethodGet, "/schema", token, "acme", nil)
	assert.Equal(t, http.StatusUnauthorized, w3.Code)
}

func TestSwitchTenantWithoutMapping(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t, "vera", "ViewPa55!", "acme")

	w := env.do(t, http.MethodPost, "/auth/switch-tenant", token, "acme", gin.H{"tenant_id": "globex"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The failed switch left the original session live.
	w = env.do(t, http.MethodGet, "/health/tenant", token, "acme", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQueryExportCSV(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t, "ada", "AdaPa55!", "acme")

	w := env.do(t, http.MethodPost, "/query/export?format=csv", token, "acme", gin.H{
		"text": "SELECT id, email, total FROM users",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "id,email,total", lines[0])
	assert.Contains(t, lines[1], "ada@example.com")
}

func TestQueryExportRejectsUnknownFormat(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t, "ada", "AdaPa55!", "acme")
	w := env.do(t, http.MethodPost, "/query/export?format=xml", token, "acme", gin.H{"text": "SELECT 1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestViewerCannotQuery(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t, "vera", "ViewPa55!", "acme")
	w := env.do(t, http.MethodPost, "/query", token, "acme", gin.H{"text": "SELECT 1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	env := newAPIEnv(t)
	env.core.Limiter.SetConfig(config.RateLimitConfig{
		UserRate: 0.1, UserBurst: 1,
		IPRate: 100, IPBurst: 100,
	})
	token := env.login(t, "ada", "AdaPa55!", "acme")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodGet, "/health/tenant", token, "acme", nil)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
		}
	}
	sort.Ints(codes)
	assert.Equal(t, http.StatusTooManyRequests, codes[len(codes)-1])
}

func TestSystemHealthIsPublic(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodGet, "/health/system", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAuditListIsAdminVisible(t *testing.T) {
	env := newAPIEnv(t)
	adminToken := env.login(t, "root", "RootPa55!", "acme")
	viewerToken := env.login(t, "vera", "ViewPa55!", "acme")

	w := env.do(t, http.MethodGet, "/audit", viewerToken, "acme", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/audit?event_type=login", adminToken, "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Entries []models.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Entries)
}

func TestAccessRequestLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	adminToken := env.login(t, "root", "RootPa55!", "acme")
	viewerToken := env.login(t, "vera", "ViewPa55!", "acme")

	w := env.do(t, http.MethodPost, "/access/request", viewerToken, "acme", gin.H{
		"tenant_id": "globex", "roles": []string{"viewer"}, "reason": "quarterly review",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Request models.AccessRequest `json:"request"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(t, http.MethodPost, fmt.Sprintf("/access/requests/%s/approve", created.Request.ID),
		adminToken, "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The mapping now exists, so the viewer can log in at globex.
	_ = env.login(t, "vera", "ViewPa55!", "globex")

	// Deciding twice conflicts.
	w = env.do(t, http.MethodPost, fmt.Sprintf("/access/requests/%s/reject", created.Request.ID),
		adminToken, "acme", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTenantHealthReportsBreakerAndPool(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t, "ada", "AdaPa55!", "acme")

	w := env.do(t, http.MethodGet, "/health/tenant", token, "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "closed", body["breaker_state"])
	assert.Equal(t, "acme", body["tenant_id"])
}
