package pool

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"

	"github.com/platformbuilds/querygate-core/internal/models"
)

// mysqlConnector keeps one database/sql handle with pooling disabled;
// each Open checks out a dedicated *sql.Conn so borrow accounting stays
// with the tenant pool.
type mysqlConnector struct {
	desc models.DatabaseDescriptor
	db   *sql.DB
}

func newMySQLConnector(desc models.DatabaseDescriptor) (*mysqlConnector, error) {
	db, err := sql.Open("mysql", desc.DSN)
	if err != nil {
		return nil, execFail("open", err)
	}
	db.SetMaxIdleConns(0)
	return &mysqlConnector{desc: desc, db: db}, nil
}

func (c *mysqlConnector) Kind() models.DatabaseKind { return models.DBMySQL }

func (c *mysqlConnector) Close(context.Context) error { return c.db.Close() }

func (c *mysqlConnector) Open(ctx context.Context) (Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, execFail("connect", err)
	}
	return &mysqlConn{conn: conn, database: c.desc.Database}, nil
}

type mysqlConn struct {
	conn     *sql.Conn
	database string
}

func (m *mysqlConn) Query(ctx context.Context, query string, maxRows int) (*models.ResultSet, error) {
	rows, err := m.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, execFail("query", err)
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, execFail("columns", err)
	}
	rs := &models.ResultSet{Columns: make([]models.Column, len(cols))}
	for i, c := range cols {
		rs.Columns[i] = models.Column{Name: c.Name(), Type: c.DatabaseTypeName()}
	}
	for rows.Next() {
		if maxRows > 0 && len(rs.Rows) >= maxRows {
			rs.Truncated = true
			break
		}
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, execFail("scan", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
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

func (m *mysqlConn) Exec(ctx context.Context, query string) (int64, error) {
	res, err := m.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, execFail("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, execFail("rows affected", err)
	}
	return n, nil
}

func (m *mysqlConn) Schema(ctx context.Context) (map[string]models.TableSchema, error) {
	rows, err := m.conn.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = ?
		ORDER BY table_name, ordinal_position`, m.database)
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

func (m *mysqlConn) Ping(ctx context.Context) error { return m.conn.PingContext(ctx) }

func (m *mysqlConn) Close(context.Context) error { return m.conn.Close() }
