package models

import "time"

// Query-side values exchanged between the dispatcher, the translator,
// the caches and the gateway.

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Text    string       `json:"text" binding:"required"`
	Options QueryOptions `json:"options"`
}

// QueryOptions tune a single dispatch.
type QueryOptions struct {
	MaxRows        int  `json:"max_rows,omitempty"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
	SkipCache      bool `json:"skip_cache,omitempty"`
}

// QueryType classifies what the translated query does.
type QueryType string

const (
	QuerySelect    QueryType = "select"
	QueryAggregate QueryType = "aggregate"
	QueryWrite     QueryType = "write"
	QueryDDL       QueryType = "ddl"
)

// SecurityLevel grades how sensitive a translated query is.
type SecurityLevel string

const (
	SecurityLow    SecurityLevel = "low"
	SecurityMedium SecurityLevel = "medium"
	SecurityHigh   SecurityLevel = "high"
)

// Classification is produced by the translator alongside the query
// string. The dispatcher gates on it before anything touches a pool.
type Classification struct {
	Type          QueryType     `json:"type"`
	SecurityLevel SecurityLevel `json:"security_level"`
	TouchedTables []string      `json:"touched_tables"`
	RequiresWrite bool          `json:"requires_write"`
	Deterministic bool          `json:"deterministic"`
}

// TranslatedQuery is the translator's full answer.
type TranslatedQuery struct {
	Query          string         `json:"query"`
	Classification Classification `json:"classification"`
}

// Column describes one column of a result set. Role-based filtering
// operates on this descriptor, not on row reflection.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Row is a positional tuple of opaque values aligned with the columns
// descriptor.
type Row []interface{}

// ResultSet is the typed result of one query execution.
type ResultSet struct {
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
	// Truncated is set when the per-role row cap cut the result.
	Truncated bool `json:"truncated,omitempty"`
}

// QueryResult is the recorded outcome of one dispatch, returned to the
// caller and retrievable via GET /query/{id}.
type QueryResult struct {
	QueryID          string        `json:"query_id"`
	TenantID         string        `json:"tenant_id"`
	UserID           string        `json:"user_id"`
	OriginalQuery    string        `json:"original_query"`
	ExecutedQuery    string        `json:"executed_query"`
	Result           ResultSet     `json:"result"`
	RowCount         int           `json:"row_count"`
	ExecutionTime    time.Duration `json:"execution_time_ns"`
	Cached           bool          `json:"cached"`
	SecurityFiltered bool          `json:"security_filtered"`
	ExecutedAt       time.Time     `json:"executed_at"`
}

// TableSchema is one table of a tenant schema snapshot.
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// SchemaSnapshot is the cached shape of one tenant's database.
type SchemaSnapshot struct {
	TenantID  string                 `json:"tenant_id"`
	Tables    map[string]TableSchema `json:"tables"`
	Version   int64                  `json:"version"`
	UpdatedAt time.Time              `json:"updated_at"`
}
