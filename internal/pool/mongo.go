package pool

import (
	"context"
	"encoding/json"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

// Document clones speak a JSON query surface instead of SQL. The
// translator emits these specs for tenants of kind "document".
type docQuerySpec struct {
	Collection string                 `json:"collection"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
	Limit      int64                  `json:"limit,omitempty"`
}

type docExecSpec struct {
	Collection string `json:"collection"`
	Update     *struct {
		Filter map[string]interface{} `json:"filter"`
		Set    map[string]interface{} `json:"set"`
	} `json:"update,omitempty"`
	Delete *struct {
		Filter map[string]interface{} `json:"filter"`
	} `json:"delete,omitempty"`
}

type mongoConnector struct {
	desc models.DatabaseDescriptor
}

func newMongoConnector(desc models.DatabaseDescriptor) *mongoConnector {
	return &mongoConnector{desc: desc}
}

func (c *mongoConnector) Kind() models.DatabaseKind { return models.DBDocument }

func (c *mongoConnector) Close(context.Context) error { return nil }

func (c *mongoConnector) Open(ctx context.Context) (Conn, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.desc.DSN))
	if err != nil {
		return nil, execFail("connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, execFail("ping", err)
	}
	return &mongoConn{client: client, db: client.Database(c.desc.Database)}, nil
}

type mongoConn struct {
	client *mongo.Client
	db     *mongo.Database
}

func (m *mongoConn) Query(ctx context.Context, query string, maxRows int) (*models.ResultSet, error) {
	var spec docQuerySpec
	if err := json.Unmarshal([]byte(query), &spec); err != nil || spec.Collection == "" {
		return nil, apperrors.E(apperrors.KindQueryRejected, "malformed document query")
	}
	limit := spec.Limit
	if maxRows > 0 && (limit == 0 || limit > int64(maxRows)) {
		limit = int64(maxRows) + 1 // one extra to detect truncation
	}
	filter := bson.M{}
	for k, v := range spec.Filter {
		filter[k] = v
	}
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := m.db.Collection(spec.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, execFail("find", err)
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, execFail("cursor", err)
	}

	rs := &models.ResultSet{}
	if maxRows > 0 && len(docs) > maxRows {
		docs = docs[:maxRows]
		rs.Truncated = true
	}
	rs.Columns = docColumns(docs)
	for _, d := range docs {
		row := make(models.Row, len(rs.Columns))
		for i, c := range rs.Columns {
			row[i] = d[c.Name]
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rs, nil
}

// docColumns derives a stable column set from the union of document
// keys so callers see a tabular result.
func docColumns(docs []bson.M) []models.Column {
	seen := make(map[string]bool)
	for _, d := range docs {
		for k := range d {
			seen[k] = true
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	cols := make([]models.Column, len(names))
	for i, n := range names {
		cols[i] = models.Column{Name: n, Type: "bson"}
	}
	return cols
}

func (m *mongoConn) Exec(ctx context.Context, query string) (int64, error) {
	var spec docExecSpec
	if err := json.Unmarshal([]byte(query), &spec); err != nil || spec.Collection == "" {
		return 0, apperrors.E(apperrors.KindQueryRejected, "malformed document statement")
	}
	coll := m.db.Collection(spec.Collection)
	switch {
	case spec.Update != nil:
		res, err := coll.UpdateMany(ctx, bson.M(spec.Update.Filter), bson.M{"$set": bson.M(spec.Update.Set)})
		if err != nil {
			return 0, execFail("update", err)
		}
		return res.ModifiedCount, nil
	case spec.Delete != nil:
		res, err := coll.DeleteMany(ctx, bson.M(spec.Delete.Filter))
		if err != nil {
			return 0, execFail("delete", err)
		}
		return res.DeletedCount, nil
	default:
		return 0, apperrors.E(apperrors.KindQueryRejected, "document statement names no operation")
	}
}

func (m *mongoConn) Schema(ctx context.Context) (map[string]models.TableSchema, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, execFail("schema", err)
	}
	tables := make(map[string]models.TableSchema, len(names))
	for _, n := range names {
		// Shape is sampled from one document per collection.
		var sample bson.M
		err := m.db.Collection(n).FindOne(ctx, bson.M{}).Decode(&sample)
		if err != nil && err != mongo.ErrNoDocuments {
			return nil, execFail("schema sample", err)
		}
		tables[n] = models.TableSchema{Name: n, Columns: docColumns([]bson.M{sample})}
	}
	return tables, nil
}

func (m *mongoConn) Ping(ctx context.Context) error  { return m.client.Ping(ctx, nil) }
func (m *mongoConn) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }
