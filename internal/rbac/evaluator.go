// Package rbac resolves role templates into effective permissions and
// answers permission checks. Role data is tenant-scoped by the caller;
// this package never sees more than one tenant's assignments at a
// time.
package rbac

import (
	"reflect"
	"sync"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/models"
)

// Evaluator holds the role template set. Templates are replaced, never
// mutated, so reads take a snapshot under a short lock.
type Evaluator struct {
	mu        sync.RWMutex
	templates map[string]models.RoleTemplate
}

func NewEvaluator(templates []models.RoleTemplate) *Evaluator {
	e := &Evaluator{templates: make(map[string]models.RoleTemplate, len(templates))}
	for _, t := range templates {
		e.templates[t.Name] = t
	}
	return e
}

// Replace installs a new template set atomically.
func (e *Evaluator) Replace(templates []models.RoleTemplate) {
	m := make(map[string]models.RoleTemplate, len(templates))
	for _, t := range templates {
		m[t.Name] = t
	}
	e.mu.Lock()
	e.templates = m
	e.mu.Unlock()
}

// Template returns a template by name.
func (e *Evaluator) Template(name string) (models.RoleTemplate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[name]
	return t, ok
}

// Templates returns the current template set.
func (e *Evaluator) Templates() []models.RoleTemplate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.RoleTemplate, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, t)
	}
	return out
}

// Resolve returns a role's permissions unioned with its ancestors'.
// Unknown roles resolve empty; inheritance cycles terminate at the
// first repeated name.
func (e *Evaluator) Resolve(role string) []models.Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []models.Permission
	seen := make(map[string]bool)
	for name := role; name != "" && !seen[name]; {
		seen[name] = true
		t, ok := e.templates[name]
		if !ok {
			break
		}
		out = append(out, t.Permissions...)
		name = t.Parent
	}
	return out
}

// Effective unions the resolved permissions of every role a user holds
// at a tenant.
func (e *Evaluator) Effective(roles []string) []models.Permission {
	var out []models.Permission
	for _, r := range roles {
		out = append(out, e.Resolve(r)...)
	}
	return out
}

// Check succeeds iff an effective permission exists whose resource
// matches, whose level covers the required level, and whose conditions
// are satisfied by the supplied request conditions.
func Check(effective []models.Permission, res models.Resource, required models.Level, reqConds map[string]interface{}) error {
	for _, p := range effective {
		if p.Resource != res {
			continue
		}
		if p.Level < required {
			continue
		}
		if !conditionsSatisfied(p.Conditions, reqConds) {
			continue
		}
		return nil
	}
	return apperrors.Ef(apperrors.KindForbidden,
		"requires %s on %s", required, res)
}

// shapingConds are condition keys that shape the output of an allowed
// request rather than gate whether it may run. The dispatcher applies
// them to the result; they never make a grant unmatchable.
var shapingConds = map[string]bool{
	"masked_columns": true,
	"max_rows":       true,
}

// conditionsSatisfied reports whether every applicability predicate the
// permission carries is met by the request conditions. Output-shaping
// keys are skipped. A permission without conditions matches any
// request.
func conditionsSatisfied(permConds, reqConds map[string]interface{}) bool {
	for k, want := range permConds {
		if shapingConds[k] {
			continue
		}
		got, ok := reqConds[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// MaxLevel returns the highest level the effective set grants on a
// resource, ignoring conditions.
func MaxLevel(effective []models.Permission, res models.Resource) models.Level {
	max := models.LevelNone
	for _, p := range effective {
		if p.Resource == res && p.Level > max {
			max = p.Level
		}
	}
	return max
}
