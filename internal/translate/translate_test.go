package translate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

func schemaWith(tables ...string) *models.SchemaSnapshot {
	s := &models.SchemaSnapshot{Tables: map[string]models.TableSchema{}}
	for _, t := range tables {
		s.Tables[t] = models.TableSchema{Name: t}
	}
	return s
}

func TestRulesPassThroughSQL(t *testing.T) {
	tr := NewRules()
	ctx := context.Background()

	out, err := tr.Translate(ctx, Request{Text: "SELECT id, name FROM customers WHERE id = 7"})
	require.NoError(t, err)
	assert.Equal(t, models.QuerySelect, out.Classification.Type)
	assert.Equal(t, []string{"customers"}, out.Classification.TouchedTables)
	assert.False(t, out.Classification.RequiresWrite)
	assert.True(t, out.Classification.Deterministic)

	out, err = tr.Translate(ctx, Request{Text: "SELECT COUNT(*) FROM orders GROUP BY region"})
	require.NoError(t, err)
	assert.Equal(t, models.QueryAggregate, out.Classification.Type)

	out, err = tr.Translate(ctx, Request{Text: "UPDATE orders SET total = 0"})
	require.NoError(t, err)
	assert.Equal(t, models.QueryWrite, out.Classification.Type)
	assert.True(t, out.Classification.RequiresWrite)
	assert.Equal(t, models.SecurityHigh, out.Classification.SecurityLevel)

	out, err = tr.Translate(ctx, Request{Text: "DROP TABLE orders"})
	require.NoError(t, err)
	assert.Equal(t, models.QueryDDL, out.Classification.Type)
}

func TestRulesDetectNondeterminism(t *testing.T) {
	tr := NewRules()
	out, err := tr.Translate(context.Background(), Request{Text: "SELECT NOW() FROM orders"})
	require.NoError(t, err)
	assert.False(t, out.Classification.Deterministic)
}

func TestRulesPlainLanguage(t *testing.T) {
	tr := NewRules()
	ctx := context.Background()
	schema := schemaWith("orders", "customers")

	out, err := tr.Translate(ctx, Request{Text: "show orders", Schema: schema})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM orders", out.Query)

	out, err = tr.Translate(ctx, Request{Text: "count customers", Schema: schema})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM customers", out.Query)
	assert.Equal(t, models.QueryAggregate, out.Classification.Type)

	_, err = tr.Translate(ctx, Request{Text: "show secrets", Schema: schema})
	assert.Equal(t, apperrors.KindUntranslatable, apperrors.KindOf(err))

	_, err = tr.Translate(ctx, Request{Text: "frobnicate the widgets"})
	assert.Equal(t, apperrors.KindUntranslatable, apperrors.KindOf(err))

	_, err = tr.Translate(ctx, Request{Text: "   "})
	assert.Equal(t, apperrors.KindUntranslatable, apperrors.KindOf(err))
}

func TestHTTPTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":"SELECT 1","classification":{"type":"select","security_level":"low","deterministic":true}}`))
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL, time.Second)
	out, err := tr.Translate(context.Background(), Request{Text: "one"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", out.Query)
	assert.Equal(t, models.QuerySelect, out.Classification.Type)
}

func TestHTTPTranslatorUntranslatable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"no idea"}`))
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL, time.Second)
	_, err := tr.Translate(context.Background(), Request{Text: "???"})
	assert.Equal(t, apperrors.KindUntranslatable, apperrors.KindOf(err))
	assert.Equal(t, "no idea", apperrors.PublicMessage(err))
}

func TestHTTPTranslatorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL, time.Second)
	_, err := tr.Translate(context.Background(), Request{Text: "x"})
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}
