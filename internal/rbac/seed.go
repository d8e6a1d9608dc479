package rbac

import (
	"time"

	"github.com/platformbuilds/querygate-core/internal/models"
)

// Seeded role template names.
const (
	RoleSuperAdmin   = "super_admin"
	RoleAdmin        = "admin"
	RoleAnalyst      = "analyst"
	RoleBusinessUser = "business_user"
	RoleViewer       = "viewer"
	RoleAPIUser      = "api_user"
	RoleGuest        = "guest"
)

// SeededTemplates returns the bootstrap template set. Contents are
// defaults; deployments may extend them with new versions.
func SeededTemplates() []models.RoleTemplate {
	now := time.Now().UTC()
	adminAll := make([]models.Permission, 0, len(models.Resources()))
	for _, r := range models.Resources() {
		adminAll = append(adminAll, models.Permission{Resource: r, Level: models.LevelAdmin})
	}
	adminTenantScoped := make([]models.Permission, 0, len(models.Resources()))
	for _, r := range models.Resources() {
		if r == models.ResTenants {
			continue
		}
		adminTenantScoped = append(adminTenantScoped, models.Permission{Resource: r, Level: models.LevelAdmin})
	}

	return []models.RoleTemplate{
		{
			Name:        RoleSuperAdmin,
			Description: "Full administrative access on all resources",
			Version:     1,
			Permissions: adminAll,
			CreatedAt:   now,
		},
		{
			Name:        RoleAdmin,
			Description: "Administrative access on tenant-scoped resources",
			Version:     1,
			Permissions: adminTenantScoped,
			CreatedAt:   now,
		},
		{
			Name:        RoleAnalyst,
			Description: "Query authoring and schema inspection",
			Version:     1,
			Permissions: []models.Permission{
				{Resource: models.ResQueries, Level: models.LevelCreate},
				{Resource: models.ResSchemas, Level: models.LevelCreate},
			},
			CreatedAt: now,
		},
		{
			Name:        RoleBusinessUser,
			Description: "Read access to queries and reports",
			Version:     1,
			Permissions: []models.Permission{
				{Resource: models.ResQueries, Level: models.LevelRead},
				{Resource: models.ResReports, Level: models.LevelRead},
			},
			CreatedAt: now,
		},
		{
			Name:        RoleViewer,
			Description: "Read access to reports",
			Version:     1,
			Permissions: []models.Permission{
				{Resource: models.ResReports, Level: models.LevelRead},
			},
			CreatedAt: now,
		},
		{
			Name:        RoleAPIUser,
			Description: "Programmatic query submission",
			Version:     1,
			Permissions: []models.Permission{
				{Resource: models.ResQueries, Level: models.LevelCreate},
			},
			CreatedAt: now,
		},
		{
			Name:        RoleGuest,
			Description: "Read-only query access",
			Version:     1,
			Permissions: []models.Permission{
				{
					Resource:   models.ResQueries,
					Level:      models.LevelRead,
					Conditions: map[string]interface{}{"read_only": true},
				},
			},
			CreatedAt: now,
		},
	}
}
