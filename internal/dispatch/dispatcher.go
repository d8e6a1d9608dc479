// Package dispatch runs the query pipeline: translate, gate on
// permissions, deny-list, cache lookup, pooled execution, role-scope
// filtering, audit. Tenant identity comes exclusively from the bearer
// context the middleware built.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/audit"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/models"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/internal/pool"
	"github.com/platformbuilds/querygate-core/internal/qcache"
	"github.com/platformbuilds/querygate-core/internal/rbac"
	"github.com/platformbuilds/querygate-core/internal/tracing"
	"github.com/platformbuilds/querygate-core/internal/translate"
	"github.com/platformbuilds/querygate-core/pkg/cache"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

type Dispatcher struct {
	translator translate.Translator
	pools      *pool.Manager
	results    *qcache.ResultCache
	schemas    *qcache.SchemaCache
	valkey     cache.Valkey
	audit      *audit.Writer
	cfg        config.DispatchConfig
	log        logger.Logger
}

func New(tr translate.Translator, pools *pool.Manager, results *qcache.ResultCache,
	schemas *qcache.SchemaCache, vk cache.Valkey, aw *audit.Writer,
	cfg config.DispatchConfig, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		translator: tr, pools: pools, results: results, schemas: schemas,
		valkey: vk, audit: aw, cfg: cfg, log: log,
	}
}

// SetTunables applies hot-reloaded dispatch settings.
func (d *Dispatcher) SetTunables(cfg config.DispatchConfig) { d.cfg = cfg }

// Dispatch runs one query for an authenticated bearer.
func (d *Dispatcher) Dispatch(ctx context.Context, tbc *models.TokenBearerContext,
	quotas models.TenantQuotas, req models.QueryRequest) (*models.QueryResult, error) {

	start := time.Now()
	ctx, span := tracing.StartDispatchSpan(ctx, tbc.TenantID, tbc.UserID)
	defer span.End()

	qtype := models.QueryType("unknown")
	res, err := d.dispatch(ctx, tbc, quotas, req, &qtype)
	monitoring.RecordDispatch(tbc.TenantID, string(qtype), time.Since(start), err == nil)
	if err != nil {
		monitoring.RecordError(string(apperrors.KindOf(err)), "dispatch")
		tracing.RecordError(span, err)
	} else {
		tracing.RecordResult(span, string(qtype), res.RowCount, res.Cached)
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, tbc *models.TokenBearerContext,
	quotas models.TenantQuotas, req models.QueryRequest, qtype *models.QueryType) (*models.QueryResult, error) {

	ctx, cancel := context.WithTimeout(ctx, d.deadline(quotas, req.Options))
	defer cancel()

	schema, err := d.TenantSchema(ctx, tbc.TenantID)
	if err != nil {
		// Translation still works without a schema view, just blinder.
		d.log.Warn("schema unavailable for translation", "tenant_id", tbc.TenantID, "error", err)
		schema = nil
	}

	tctx, tspan := tracing.StartStageSpan(ctx, "translate")
	tq, err := d.translator.Translate(tctx, translate.Request{
		Text: req.Text, Schema: schema, Roles: tbc.Roles,
	})
	if err != nil {
		tracing.RecordError(tspan, err)
		tspan.End()
		return nil, err
	}
	tspan.End()
	*qtype = tq.Classification.Type

	if err := d.gate(ctx, tbc, tq); err != nil {
		return nil, err
	}
	if err := CheckDenyList(tq.Query, tbc.TenantID); err != nil {
		d.recordAudit(ctx, audit.Entry(models.EventQueryRejected, tbc.UserID, tbc.TenantID, tbc.SessionID,
			map[string]interface{}{"query": tq.Query, "reason": apperrors.PublicMessage(err)}))
		return nil, err
	}

	maxRows := d.maxRows(quotas, req.Options)
	scope := scopeOf(tbc.Effective)

	cacheable := tq.Classification.Deterministic && !tq.Classification.RequiresWrite && !req.Options.SkipCache
	digest := qcache.Digest(tq.Query, tbc.Roles, maxRows)
	if cacheable {
		if hit, ok := d.results.Get(ctx, tbc.TenantID, digest); ok {
			d.recordAudit(ctx, d.executedEntry(tbc, req.Text, tq.Query, hit))
			return hit, nil
		}
	}

	res, err := d.execute(ctx, tbc, tq, req.Text, maxRows, scope)
	if err != nil {
		return nil, err
	}

	// A committed write makes every cached read of this tenant stale.
	// The bump must land before the response returns, or a follow-up
	// read can observe the pre-write rows.
	if tq.Classification.RequiresWrite {
		if err := d.results.Invalidate(ctx, tbc.TenantID); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "invalidate cached results after write", err)
		}
	}

	d.rememberResult(ctx, res)
	if cacheable {
		d.results.Put(ctx, tbc.TenantID, digest, res)
	}
	d.recordAudit(ctx, d.executedEntry(tbc, req.Text, tq.Query, res))
	return res, nil
}

// gate rejects queries whose classification exceeds the caller's
// effective permissions. Reads carry the read_only condition so that
// conditioned read-only grants can match them; writes do not.
func (d *Dispatcher) gate(ctx context.Context, tbc *models.TokenBearerContext, tq *models.TranslatedQuery) error {
	required := models.LevelRead
	var reqConds map[string]interface{}
	switch {
	case tq.Classification.Type == models.QueryDDL:
		required = models.LevelAdmin
	case tq.Classification.RequiresWrite:
		required = models.LevelWrite
	default:
		reqConds = map[string]interface{}{"read_only": true}
	}
	if err := rbac.Check(tbc.Effective, models.ResQueries, required, reqConds); err != nil {
		d.recordAudit(ctx, audit.Entry(models.EventPermissionDenied, tbc.UserID, tbc.TenantID, tbc.SessionID,
			map[string]interface{}{"required": required.String(), "resource": string(models.ResQueries)}))
		return err
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, tbc *models.TokenBearerContext,
	tq *models.TranslatedQuery, original string, maxRows int, scope roleScope) (*models.QueryResult, error) {

	ctx, span := tracing.StartStageSpan(ctx, "execute")
	defer span.End()

	res := &models.QueryResult{
		QueryID:       uuid.NewString(),
		TenantID:      tbc.TenantID,
		UserID:        tbc.UserID,
		OriginalQuery: original,
		ExecutedQuery: tq.Query,
		ExecutedAt:    time.Now().UTC(),
	}
	start := time.Now()
	err := d.pools.Execute(ctx, tbc.TenantID, func(conn pool.Conn) error {
		if tq.Classification.RequiresWrite {
			affected, err := conn.Exec(ctx, tq.Query)
			if err != nil {
				return err
			}
			res.Result = models.ResultSet{
				Columns: []models.Column{{Name: "rows_affected", Type: "bigint"}},
				Rows:    []models.Row{{affected}},
			}
			return nil
		}
		rs, err := conn.Query(ctx, tq.Query, maxRows)
		if err != nil {
			return err
		}
		res.Result = *rs
		return nil
	})
	if err != nil {
		if ctxErr := apperrors.FromContext(ctx); ctxErr != nil && apperrors.KindOf(err) == apperrors.KindInternal {
			return nil, ctxErr
		}
		return nil, err
	}
	res.ExecutionTime = time.Since(start)
	res.SecurityFiltered = applyScope(&res.Result, scope)
	res.RowCount = len(res.Result.Rows)
	return res, nil
}

// Result returns a previously dispatched result by ID, tenant-scoped.
func (d *Dispatcher) Result(ctx context.Context, tenantID, queryID string) (*models.QueryResult, error) {
	raw, err := d.valkey.Get(ctx, resultKey(tenantID, queryID))
	if err != nil {
		if err == cache.ErrCacheMiss {
			return nil, apperrors.E(apperrors.KindNotFound, "query result not found")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "load query result", err)
	}
	var res models.QueryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "decode query result", err)
	}
	return &res, nil
}

// TenantSchema returns the tenant's schema snapshot, extracting it
// through the pool on a miss.
func (d *Dispatcher) TenantSchema(ctx context.Context, tenantID string) (*models.SchemaSnapshot, error) {
	return d.schemas.GetOrExtract(ctx, tenantID, func(ctx context.Context) (map[string]models.TableSchema, error) {
		return d.extractSchema(ctx, tenantID)
	})
}

// RefreshSchema forces re-extraction and drops the tenant's cached
// results, since a schema change can invalidate them.
func (d *Dispatcher) RefreshSchema(ctx context.Context, tenantID string) (*models.SchemaSnapshot, error) {
	snap, err := d.schemas.Refresh(ctx, tenantID, func(ctx context.Context) (map[string]models.TableSchema, error) {
		return d.extractSchema(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	if err := d.results.Invalidate(ctx, tenantID); err != nil {
		d.log.Warn("result invalidation after schema refresh failed", "tenant_id", tenantID, "error", err)
	}
	return snap, nil
}

// InvalidateTenant drops both caches of a tenant. Called on descriptor
// swap and decommission.
func (d *Dispatcher) InvalidateTenant(ctx context.Context, tenantID string) {
	if err := d.results.Invalidate(ctx, tenantID); err != nil {
		d.log.Warn("result invalidation failed", "tenant_id", tenantID, "error", err)
	}
	if err := d.schemas.Invalidate(ctx, tenantID); err != nil {
		d.log.Warn("schema invalidation failed", "tenant_id", tenantID, "error", err)
	}
}

func (d *Dispatcher) extractSchema(ctx context.Context, tenantID string) (map[string]models.TableSchema, error) {
	var tables map[string]models.TableSchema
	err := d.pools.Execute(ctx, tenantID, func(conn pool.Conn) error {
		t, err := conn.Schema(ctx)
		if err != nil {
			return err
		}
		tables = t
		return nil
	})
	return tables, err
}

func (d *Dispatcher) deadline(quotas models.TenantQuotas, opts models.QueryOptions) time.Duration {
	deadline := d.cfg.QueryTimeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	if quotas.MaxQuerySeconds > 0 {
		if q := time.Duration(quotas.MaxQuerySeconds) * time.Second; q < deadline {
			deadline = q
		}
	}
	if opts.TimeoutSeconds > 0 {
		if o := time.Duration(opts.TimeoutSeconds) * time.Second; o < deadline {
			deadline = o
		}
	}
	return deadline
}

func (d *Dispatcher) maxRows(quotas models.TenantQuotas, opts models.QueryOptions) int {
	max := d.cfg.DefaultMaxRows
	if quotas.MaxResultRows > 0 && (max == 0 || quotas.MaxResultRows < max) {
		max = quotas.MaxResultRows
	}
	if opts.MaxRows > 0 && (max == 0 || opts.MaxRows < max) {
		max = opts.MaxRows
	}
	return max
}

func (d *Dispatcher) rememberResult(ctx context.Context, res *models.QueryResult) {
	ttl := d.cfg.ResultCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := d.valkey.Set(ctx, resultKey(res.TenantID, res.QueryID), res, ttl); err != nil {
		d.log.Warn("query result store failed", "query_id", res.QueryID, "error", err)
	}
}

func (d *Dispatcher) executedEntry(tbc *models.TokenBearerContext, original, executed string, res *models.QueryResult) *models.AuditEntry {
	return audit.Entry(models.EventQueryExecuted, tbc.UserID, tbc.TenantID, tbc.SessionID,
		map[string]interface{}{
			"query_id":  res.QueryID,
			"query":     executed,
			"original":  original,
			"row_count": res.RowCount,
			"cached":    res.Cached,
			"filtered":  res.SecurityFiltered,
		})
}

func (d *Dispatcher) recordAudit(ctx context.Context, e *models.AuditEntry) {
	if err := d.audit.Record(ctx, e); err != nil {
		d.log.Error("audit record failed", "event", e.EventType, "error", err)
	}
}

func resultKey(tenantID, queryID string) string {
	return fmt.Sprintf("qg:%s:queryresult:%s", tenantID, queryID)
}
