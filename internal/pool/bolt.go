package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

// Embedded clones are bbolt files, used by trial tenants that ship
// without a database server. Queries are bucket scans.
type boltQuerySpec struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type boltExecSpec struct {
	Bucket string  `json:"bucket"`
	Put    *kvPair `json:"put,omitempty"`
	Del    *string `json:"del,omitempty"`
}

type kvPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// boltConnector shares a single *bolt.DB across the pool; bbolt
// serializes writers internally, so Conn values are cheap views.
type boltConnector struct {
	desc models.DatabaseDescriptor

	mu sync.Mutex
	db *bolt.DB
}

func newBoltConnector(desc models.DatabaseDescriptor) *boltConnector {
	return &boltConnector{desc: desc}
}

func (c *boltConnector) Kind() models.DatabaseKind { return models.DBEmbedded }

func (c *boltConnector) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *boltConnector) Open(context.Context) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		db, err := bolt.Open(c.desc.DSN, 0o600, nil)
		if err != nil {
			return nil, execFail("open", err)
		}
		c.db = db
	}
	return &boltConn{db: c.db}, nil
}

type boltConn struct {
	db *bolt.DB
}

func (b *boltConn) Query(ctx context.Context, query string, maxRows int) (*models.ResultSet, error) {
	var spec boltQuerySpec
	if err := json.Unmarshal([]byte(query), &spec); err != nil || spec.Bucket == "" {
		return nil, apperrors.E(apperrors.KindQueryRejected, "malformed bucket query")
	}
	limit := spec.Limit
	if maxRows > 0 && (limit == 0 || limit > maxRows) {
		limit = maxRows
	}
	rs := &models.ResultSet{Columns: []models.Column{
		{Name: "key", Type: "string"}, {Name: "value", Type: "string"},
	}}
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(spec.Bucket))
		if bk == nil {
			return apperrors.Ef(apperrors.KindQueryRejected, "unknown bucket %q", spec.Bucket)
		}
		c := bk.Cursor()
		prefix := []byte(spec.Prefix)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(rs.Rows) >= limit {
				rs.Truncated = true
				return nil
			}
			rs.Rows = append(rs.Rows, models.Row{string(k), string(v)})
		}
		return nil
	})
	if err != nil {
		if apperrors.Is(err, apperrors.KindQueryRejected) {
			return nil, err
		}
		return nil, execFail("scan", err)
	}
	return rs, nil
}

func (b *boltConn) Exec(_ context.Context, query string) (int64, error) {
	var spec boltExecSpec
	if err := json.Unmarshal([]byte(query), &spec); err != nil || spec.Bucket == "" {
		return 0, apperrors.E(apperrors.KindQueryRejected, "malformed bucket statement")
	}
	var affected int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists([]byte(spec.Bucket))
		if err != nil {
			return err
		}
		switch {
		case spec.Put != nil:
			affected = 1
			return bk.Put([]byte(spec.Put.Key), []byte(spec.Put.Value))
		case spec.Del != nil:
			if bk.Get([]byte(*spec.Del)) != nil {
				affected = 1
			}
			return bk.Delete([]byte(*spec.Del))
		default:
			return apperrors.E(apperrors.KindQueryRejected, "bucket statement names no operation")
		}
	})
	if err != nil {
		if apperrors.Is(err, apperrors.KindQueryRejected) {
			return 0, err
		}
		return 0, execFail("update", err)
	}
	return affected, nil
}

func (b *boltConn) Schema(context.Context) (map[string]models.TableSchema, error) {
	tables := make(map[string]models.TableSchema)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			tables[string(name)] = models.TableSchema{
				Name: string(name),
				Columns: []models.Column{
					{Name: "key", Type: "string"}, {Name: "value", Type: "string"},
				},
			}
			return nil
		})
	})
	if err != nil {
		return nil, execFail("schema", err)
	}
	return tables, nil
}

func (b *boltConn) Ping(context.Context) error { return nil }

// Close is a no-op; the shared handle belongs to the connector.
func (b *boltConn) Close(context.Context) error { return nil }
