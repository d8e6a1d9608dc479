package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

func testTemplates() []models.RoleTemplate {
	return []models.RoleTemplate{
		{Name: "base", Permissions: []models.Permission{
			{Resource: models.ResReports, Level: models.LevelRead},
		}},
		{Name: "analyst", Parent: "base", Permissions: []models.Permission{
			{Resource: models.ResQueries, Level: models.LevelCreate},
		}},
		{Name: "loop_a", Parent: "loop_b", Permissions: []models.Permission{
			{Resource: models.ResQueries, Level: models.LevelRead},
		}},
		{Name: "loop_b", Parent: "loop_a"},
	}
}

func TestResolveUnionsAncestors(t *testing.T) {
	e := NewEvaluator(testTemplates())
	perms := e.Resolve("analyst")
	require.Len(t, perms, 2)
	assert.Equal(t, models.LevelCreate, MaxLevel(perms, models.ResQueries))
	assert.Equal(t, models.LevelRead, MaxLevel(perms, models.ResReports))
}

func TestResolveTerminatesInheritanceCycle(t *testing.T) {
	e := NewEvaluator(testTemplates())
	perms := e.Resolve("loop_a")
	assert.Len(t, perms, 1)
}

func TestCheckLevelOrdering(t *testing.T) {
	perms := []models.Permission{{Resource: models.ResQueries, Level: models.LevelWrite}}

	assert.NoError(t, Check(perms, models.ResQueries, models.LevelRead, nil))
	assert.NoError(t, Check(perms, models.ResQueries, models.LevelWrite, nil))

	err := Check(perms, models.ResQueries, models.LevelAdmin, nil)
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
	err = Check(perms, models.ResUsers, models.LevelRead, nil)
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
}

func TestCheckPredicateConditions(t *testing.T) {
	perms := []models.Permission{{
		Resource:   models.ResQueries,
		Level:      models.LevelRead,
		Conditions: map[string]interface{}{"read_only": true},
	}}

	assert.NoError(t, Check(perms, models.ResQueries, models.LevelRead,
		map[string]interface{}{"read_only": true}))

	// A request without the predicate does not match the grant.
	err := Check(perms, models.ResQueries, models.LevelRead, nil)
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
}

func TestCheckShapingConditionsDoNotGate(t *testing.T) {
	perms := []models.Permission{{
		Resource: models.ResQueries,
		Level:    models.LevelRead,
		Conditions: map[string]interface{}{
			"masked_columns": []interface{}{"email"},
			"max_rows":       float64(100),
		},
	}}

	// Masking and row caps shape the result; the request itself is
	// authorized even when it carries no matching conditions.
	assert.NoError(t, Check(perms, models.ResQueries, models.LevelRead, nil))

	// Mixed grants still enforce their predicate keys.
	mixed := []models.Permission{{
		Resource: models.ResQueries,
		Level:    models.LevelRead,
		Conditions: map[string]interface{}{
			"masked_columns": []interface{}{"email"},
			"read_only":      true,
		},
	}}
	err := Check(mixed, models.ResQueries, models.LevelRead, nil)
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
	assert.NoError(t, Check(mixed, models.ResQueries, models.LevelRead,
		map[string]interface{}{"read_only": true}))
}
