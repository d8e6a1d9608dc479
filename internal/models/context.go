package models

// TokenBearerContext is the immutable per-request value the routing
// middleware constructs after authenticating a request. Downstream
// code only reads it; tenant identity enters the pipeline nowhere
// else.
type TokenBearerContext struct {
	UserID        string
	TenantID      string
	SessionID     string
	Roles         []string
	IsGlobalAdmin bool
	// Effective permissions resolved at middleware time, keyed by
	// resource. Values carry the highest granted level plus merged
	// conditions per role.
	Effective []Permission
	// PoolSlot is the tenant's arena slot in the pool manager.
	PoolSlot int
	ClientIP string
}

// MaxLevel returns the highest effective level this bearer holds on a
// resource.
func (c *TokenBearerContext) MaxLevel(res Resource) Level {
	max := LevelNone
	for _, p := range c.Effective {
		if p.Resource == res && p.Level > max {
			max = p.Level
		}
	}
	return max
}
