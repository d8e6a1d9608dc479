package dispatch

import (
	"regexp"
	"strings"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
)

// The syntactic deny-list runs after translation and before execution,
// independently of the caller's role. It exists to stop destructive or
// unscoped statements that a translator bug or a crafted prompt could
// smuggle past the permission gate.

var (
	dropRe = regexp.MustCompile(`(?is)\bdrop\s+(table|schema|database|index)\b`)
	// DELETE and UPDATE without a WHERE clause touch every row.
	unscopedDeleteRe = regexp.MustCompile(`(?is)\bdelete\s+from\s+\S+\s*(;|$)`)
	unscopedUpdateRe = regexp.MustCompile(`(?is)\bupdate\s+\S+\s+set\b[^;]*$`)
	adminStmtRe      = regexp.MustCompile(`(?is)\b(grant|revoke)\b|\b(create|alter|drop)\s+(user|role)\b`)
	truncateRe       = regexp.MustCompile(`(?is)\btruncate\b`)
	// Literal tenant-scoped schema references look like tenant_<id>.table.
	tenantSchemaRe = regexp.MustCompile(`(?i)\btenant_([a-zA-Z0-9-]+)\s*\.`)
)

// CheckDenyList rejects queries matching the deny-list. callerTenant
// scopes the cross-tenant reference rule: naming another tenant's
// schema by literal identifier is always rejected.
func CheckDenyList(query, callerTenant string) error {
	if dropRe.MatchString(query) {
		return apperrors.E(apperrors.KindQueryRejected, "DROP statements are not allowed")
	}
	if truncateRe.MatchString(query) {
		return apperrors.E(apperrors.KindQueryRejected, "TRUNCATE statements are not allowed")
	}
	if adminStmtRe.MatchString(query) {
		return apperrors.E(apperrors.KindQueryRejected, "user and grant administration is not allowed")
	}
	if unscopedDeleteRe.MatchString(query) && !strings.Contains(strings.ToLower(query), "where") {
		return apperrors.E(apperrors.KindQueryRejected, "DELETE without a WHERE clause is not allowed")
	}
	if unscopedUpdateRe.MatchString(query) && !strings.Contains(strings.ToLower(query), "where") {
		return apperrors.E(apperrors.KindQueryRejected, "UPDATE without a WHERE clause is not allowed")
	}
	for _, m := range tenantSchemaRe.FindAllStringSubmatch(query, -1) {
		if !strings.EqualFold(m[1], callerTenant) {
			return apperrors.E(apperrors.KindQueryRejected, "cross-tenant schema reference is not allowed")
		}
	}
	return nil
}
