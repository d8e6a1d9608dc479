package dispatch

import (
	"strings"

	"github.com/platformbuilds/querygate-core/internal/models"
)

// Role-scope filtering runs on every result before it leaves the
// dispatcher. Conditions carried by the caller's effective permissions
// on the queries resource shape what survives:
//
//	masked_columns: list of column names removed from the result
//	max_rows:       hard row cap for this role
//
// Filtering is subtractive only. When several permissions apply, the
// union of masks and the tightest row cap win.

// roleScope collects the filter-relevant conditions of an effective
// permission set.
type roleScope struct {
	maskedColumns map[string]bool
	maxRows       int
}

func scopeOf(effective []models.Permission) roleScope {
	s := roleScope{maskedColumns: make(map[string]bool)}
	for _, p := range effective {
		if p.Resource != models.ResQueries {
			continue
		}
		if cols, ok := p.Conditions["masked_columns"].([]interface{}); ok {
			for _, c := range cols {
				if name, ok := c.(string); ok {
					s.maskedColumns[strings.ToLower(name)] = true
				}
			}
		}
		if cap, ok := numeric(p.Conditions["max_rows"]); ok && cap > 0 {
			if s.maxRows == 0 || cap < s.maxRows {
				s.maxRows = cap
			}
		}
	}
	return s
}

func numeric(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// applyScope filters a result set in place and reports whether
// anything was removed.
func applyScope(rs *models.ResultSet, scope roleScope) bool {
	filtered := false

	if len(scope.maskedColumns) > 0 {
		keep := make([]int, 0, len(rs.Columns))
		for i, c := range rs.Columns {
			if scope.maskedColumns[strings.ToLower(c.Name)] {
				filtered = true
				continue
			}
			keep = append(keep, i)
		}
		if filtered {
			cols := make([]models.Column, len(keep))
			for j, i := range keep {
				cols[j] = rs.Columns[i]
			}
			rs.Columns = cols
			for r, row := range rs.Rows {
				out := make(models.Row, len(keep))
				for j, i := range keep {
					if i < len(row) {
						out[j] = row[i]
					}
				}
				rs.Rows[r] = out
			}
		}
	}

	if scope.maxRows > 0 && len(rs.Rows) > scope.maxRows {
		rs.Rows = rs.Rows[:scope.maxRows]
		rs.Truncated = true
		filtered = true
	}
	return filtered
}
