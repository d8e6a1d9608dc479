// Package translate turns user query text into an executable query
// plus its classification. The real translator is an external service;
// a rule-based local translator backs development and tenants whose
// deployment has no translator endpoint configured.
package translate

import (
	"context"

	"github.com/platformbuilds/querygate-core/internal/models"
)

// Request is what a translator sees: the text, the tenant's schema
// view, and the caller's roles. Nothing here identifies a connection
// pool; translators never execute anything.
type Request struct {
	Text   string                 `json:"text"`
	Schema *models.SchemaSnapshot `json:"schema,omitempty"`
	Roles  []string               `json:"roles"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (*models.TranslatedQuery, error)
}
