package translate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

// ruleTranslator is the built-in fallback: raw SQL passes through with
// a derived classification, and a handful of plain-language forms map
// to generated SELECTs against the tenant schema.
type ruleTranslator struct{}

func NewRules() Translator { return &ruleTranslator{} }

var (
	tableRefRe = regexp.MustCompile(`(?i)\b(?:from|join|into|update|table)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
	identRe    = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	showRe  = regexp.MustCompile(`(?i)^(?:show|list)(?:\s+(?:me\s+)?(?:all\s+)?)?\s*([a-zA-Z_][a-zA-Z0-9_]*)$`)
	countRe = regexp.MustCompile(`(?i)^(?:count|how\s+many)\s+([a-zA-Z_][a-zA-Z0-9_]*)\??$`)

	nondeterministicRe = regexp.MustCompile(`(?i)\b(now\(\)|random\(\)|rand\(\)|current_timestamp|current_date|uuid\(\))`)
	aggregateRe        = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(|\bgroup\s+by\b`)
)

func (r *ruleTranslator) Translate(_ context.Context, req Request) (*models.TranslatedQuery, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, apperrors.E(apperrors.KindUntranslatable, "empty query text")
	}

	if q, ok := asSQL(text); ok {
		return q, nil
	}
	if m := showRe.FindStringSubmatch(text); m != nil {
		return selectAll(m[1], req.Schema)
	}
	if m := countRe.FindStringSubmatch(text); m != nil {
		return countAll(m[1], req.Schema)
	}
	return nil, apperrors.E(apperrors.KindUntranslatable, "query text not understood")
}

// asSQL passes query text that already is SQL straight through, with a
// classification derived from its leading keyword.
func asSQL(text string) (*models.TranslatedQuery, bool) {
	first := strings.ToUpper(firstWord(text))
	var qt models.QueryType
	switch first {
	case "SELECT", "WITH":
		qt = models.QuerySelect
		if aggregateRe.MatchString(text) {
			qt = models.QueryAggregate
		}
	case "INSERT", "UPDATE", "DELETE", "MERGE":
		qt = models.QueryWrite
	case "CREATE", "DROP", "ALTER", "TRUNCATE", "GRANT", "REVOKE":
		qt = models.QueryDDL
	default:
		return nil, false
	}
	return &models.TranslatedQuery{
		Query:          text,
		Classification: classify(qt, text),
	}, true
}

func selectAll(table string, schema *models.SchemaSnapshot) (*models.TranslatedQuery, error) {
	if err := checkTable(table, schema); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT * FROM %s", table)
	return &models.TranslatedQuery{Query: q, Classification: classify(models.QuerySelect, q)}, nil
}

func countAll(table string, schema *models.SchemaSnapshot) (*models.TranslatedQuery, error) {
	if err := checkTable(table, schema); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	return &models.TranslatedQuery{Query: q, Classification: classify(models.QueryAggregate, q)}, nil
}

// checkTable refuses generated queries against tables the schema view
// does not contain. Without a schema view only the identifier shape is
// checked.
func checkTable(table string, schema *models.SchemaSnapshot) error {
	if !identRe.MatchString(table) {
		return apperrors.Ef(apperrors.KindUntranslatable, "invalid table name %q", table)
	}
	if schema == nil {
		return nil
	}
	if _, ok := schema.Tables[table]; !ok {
		return apperrors.Ef(apperrors.KindUntranslatable, "unknown table %q", table)
	}
	return nil
}

func classify(qt models.QueryType, query string) models.Classification {
	c := models.Classification{
		Type:          qt,
		TouchedTables: touchedTables(query),
		RequiresWrite: qt == models.QueryWrite || qt == models.QueryDDL,
		Deterministic: !nondeterministicRe.MatchString(query),
	}
	switch qt {
	case models.QueryWrite, models.QueryDDL:
		c.SecurityLevel = models.SecurityHigh
	case models.QueryAggregate:
		c.SecurityLevel = models.SecurityMedium
	default:
		c.SecurityLevel = models.SecurityLow
	}
	return c
}

func touchedTables(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range tableRefRe.FindAllStringSubmatch(query, -1) {
		t := strings.ToLower(m[1])
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			return s[:i]
		}
	}
	return s
}
