// Package pool manages per-tenant database connections: one bounded
// pool per active tenant, each guarded by a circuit breaker. Pools are
// created lazily on first use and drained when the registry
// decommissions the tenant or swaps its clone.
package pool

import (
	"context"
	"fmt"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

// Conn is one live connection to a tenant clone. Implementations are
// not safe for concurrent use; the pool hands each out to one borrower
// at a time.
type Conn interface {
	// Query runs a read and returns at most maxRows rows, setting
	// Truncated when the clone had more.
	Query(ctx context.Context, query string, maxRows int) (*models.ResultSet, error)
	// Exec runs a write and returns the affected row count.
	Exec(ctx context.Context, query string) (int64, error)
	// Schema extracts the clone's table shapes.
	Schema(ctx context.Context) (map[string]models.TableSchema, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector dials new connections for one tenant clone.
type Connector interface {
	Kind() models.DatabaseKind
	Open(ctx context.Context) (Conn, error)
	// Close releases connector-held resources once the pool drains.
	Close(ctx context.Context) error
}

// NewConnector builds the connector matching a descriptor's kind.
func NewConnector(desc models.DatabaseDescriptor) (Connector, error) {
	switch desc.Kind {
	case models.DBPostgres:
		return newPostgresConnector(desc), nil
	case models.DBMySQL:
		return newMySQLConnector(desc)
	case models.DBDocument:
		return newMongoConnector(desc), nil
	case models.DBEmbedded:
		return newBoltConnector(desc), nil
	default:
		return nil, apperrors.Ef(apperrors.KindInternal, "unknown database kind %q", desc.Kind)
	}
}

func execFail(op string, err error) error {
	return apperrors.Wrap(apperrors.KindQueryExecutionFail, fmt.Sprintf("%s failed", op), err)
}
