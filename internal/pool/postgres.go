package pool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/platformbuilds/querygate-core/internal/models"
)

// postgresConnector dials plain pgx connections; pooling is ours, not
// pgxpool's, so the slot arena stays the single source of sizing.
type postgresConnector struct {
	desc models.DatabaseDescriptor
}

func newPostgresConnector(desc models.DatabaseDescriptor) *postgresConnector {
	return &postgresConnector{desc: desc}
}

func (c *postgresConnector) Kind() models.DatabaseKind { return models.DBPostgres }

func (c *postgresConnector) Close(context.Context) error { return nil }

func (c *postgresConnector) Open(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, c.desc.DSN)
	if err != nil {
		return nil, execFail("connect", err)
	}
	return &postgresConn{conn: conn}, nil
}

type postgresConn struct {
	conn *pgx.Conn
}

func (p *postgresConn) Query(ctx context.Context, query string, maxRows int) (*models.ResultSet, error) {
	rows, err := p.conn.Query(ctx, query)
	if err != nil {
		return nil, execFail("query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	rs := &models.ResultSet{Columns: make([]models.Column, len(fields))}
	for i, f := range fields {
		rs.Columns[i] = models.Column{Name: f.Name, Type: fmt.Sprintf("oid:%d", f.DataTypeOID)}
	}
	for rows.Next() {
		if maxRows > 0 && len(rs.Rows) >= maxRows {
			rs.Truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, execFail("scan", err)
		}
		rs.Rows = append(rs.Rows, models.Row(vals))
	}
	if !rs.Truncated {
		if err := rows.Err(); err != nil {
			return nil, execFail("query", err)
		}
	}
	return rs, nil
}

func (p *postgresConn) Exec(ctx context.Context, query string) (int64, error) {
	tag, err := p.conn.Exec(ctx, query)
	if err != nil {
		return 0, execFail("exec", err)
	}
	return tag.RowsAffected(), nil
}

func (p *postgresConn) Schema(ctx context.Context) (map[string]models.TableSchema, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, execFail("schema", err)
	}
	defer rows.Close()

	tables := make(map[string]models.TableSchema)
	for rows.Next() {
		var table, column, dtype string
		if err := rows.Scan(&table, &column, &dtype); err != nil {
			return nil, execFail("schema scan", err)
		}
		t := tables[table]
		t.Name = table
		t.Columns = append(t.Columns, models.Column{Name: column, Type: dtype})
		tables[table] = t
	}
	return tables, rows.Err()
}

func (p *postgresConn) Ping(ctx context.Context) error  { return p.conn.Ping(ctx) }
func (p *postgresConn) Close(ctx context.Context) error { return p.conn.Close(ctx) }
