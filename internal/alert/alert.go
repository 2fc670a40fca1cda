// Package alert describes a tenant's configured alert definitions and the
// read-only lookup the enrichment engine consults for them.
package alert

import (
	"context"
	"errors"
	"strings"
)

// ErrCatalogUnavailable marks a failed catalog lookup. Enrichment degrades to
// passthrough when it sees it; it is never surfaced to the tenant.
var ErrCatalogUnavailable = errors.New("alert catalog unavailable")

type Colors struct {
	Background string `json:"background"`
	Text       string `json:"text"`
	Border     string `json:"border"`
}

// Definition is one configured alert for an event type.
//
// EffectsJSON is stored serialized and parsed lazily during enrichment.
type Definition struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	VisualCue    string `json:"visual_cue"`
	Sound        string `json:"sound"`
	TextTemplate string `json:"text_template"`
	// Duration is the on-screen time in milliseconds.
	Duration    int    `json:"duration"`
	Colors      Colors `json:"colors"`
	EffectsJSON string `json:"effects,omitempty"`
	Enabled     bool   `json:"enabled"`
	IsDefault   bool   `json:"is_default"`
}

// Matches reports whether the definition is configured for eventType.
func (d Definition) Matches(eventType string) bool {
	return strings.EqualFold(strings.TrimSpace(d.Type), strings.TrimSpace(eventType))
}

// Catalog is the read-only lookup of alert definitions.
type Catalog interface {
	AlertsForTenant(ctx context.Context, tenantID string) ([]Definition, error)
}

// CatalogFunc adapts a function to Catalog.
type CatalogFunc func(ctx context.Context, tenantID string) ([]Definition, error)

func (f CatalogFunc) AlertsForTenant(ctx context.Context, tenantID string) ([]Definition, error) {
	return f(ctx, tenantID)
}
