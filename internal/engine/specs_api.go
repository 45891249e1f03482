package engine

import (
	"time"

	"meridian/internal/specs"
)

// =============================================================================
// specs.* operations
// =============================================================================

// ListSpecs returns catalogued specs, paginated.
func (e *Engine) ListSpecs(offset, pageSize int) ([]specs.Spec, bool) {
	all := e.catalog.List()
	return paginate(all, offset, pageSize)
}

// GetSpecStructure returns a spec's heading tree.
func (e *Engine) GetSpecStructure(name string) ([]specs.Section, error) {
	start := time.Now()
	out, err := e.catalog.GetStructure(name)
	e.observe("specs.get_structure", start, err, 0)
	return out, err
}

// GetSpecSection returns one section's text.
func (e *Engine) GetSpecSection(name, heading string) (specs.Section, error) {
	start := time.Now()
	out, err := e.catalog.GetSection(name, heading)
	e.observe("specs.get_section", start, err, 0)
	return out, err
}

// SearchSpecs matches a query against spec bodies.
func (e *Engine) SearchSpecs(query string, offset, pageSize int) ([]specs.SearchHit, bool) {
	hits := e.catalog.Search(query)
	return paginate(hits, offset, pageSize)
}

// ValidateSpecs reports catalog problems.
func (e *Engine) ValidateSpecs() []specs.ValidationIssue {
	start := time.Now()
	out := e.catalog.Validate()
	e.observe("specs.validate", start, nil, 0)
	return out
}
