package engine

import (
	"context"
	"time"

	"meridian/internal/links"
)

// =============================================================================
// links.* operations
// =============================================================================

// AddLink inserts a typed link between two artifacts.
func (e *Engine) AddLink(ctx context.Context, source, target links.Endpoint, t links.Type, confidence float64, method string) (links.Link, error) {
	start := time.Now()
	out, err := e.graph.Add(ctx, source, target, t, confidence, method)
	e.observe("links.add_link", start, err, 0)
	return out, err
}

// RemoveLink deletes a link.
func (e *Engine) RemoveLink(ctx context.Context, id string) error {
	start := time.Now()
	err := e.graph.Remove(ctx, id)
	e.observe("links.remove_link", start, err, 0)
	return err
}

// GetLinks returns an entity's links, filtered and paginated.
func (e *Engine) GetLinks(entity links.Endpoint, direction links.Direction, f links.Filters, offset, pageSize int) ([]links.Link, bool) {
	all := e.graph.GetLinks(entity, direction, f)
	return paginate(all, offset, pageSize)
}

// FindImplementation returns the code entities implementing a spec entity.
func (e *Engine) FindImplementation(specEntity links.Endpoint) []links.Endpoint {
	return e.graph.FindImplementation(specEntity)
}

// FindDocumentation returns the docs covering a code entity.
func (e *Engine) FindDocumentation(codeEntity links.Endpoint) []links.Endpoint {
	return e.graph.FindDocumentation(codeEntity)
}

// FindExamples returns the examples for an entity.
func (e *Engine) FindExamples(entity links.Endpoint) []links.Endpoint {
	return e.graph.FindExamples(entity)
}

// FindLinkTests returns the tests covering an entity.
func (e *Engine) FindLinkTests(entity links.Endpoint) []links.Endpoint {
	return e.graph.FindTests(entity)
}

// ValidateLinks re-checks every link touching an entity; missing endpoints
// degrade links to broken.
func (e *Engine) ValidateLinks(ctx context.Context, entity links.Endpoint) ([]links.Link, error) {
	start := time.Now()
	out, err := e.graph.Validate(ctx, entity)
	e.observe("links.validate", start, err, 0)
	return out, err
}

// TraceLinkPath runs a bounded weighted BFS between two entities.
func (e *Engine) TraceLinkPath(from, to links.Endpoint, maxDepth int, weights links.TypeWeights) []links.PathStep {
	start := time.Now()
	out := e.graph.TracePath(from, to, maxDepth, weights)
	e.observe("links.trace_path", start, nil, 0)
	return out
}

// LinkHealth reports graph-wide health statistics.
func (e *Engine) LinkHealth() links.HealthStats {
	stats := e.graph.Health()
	e.collector.SetGauge("link_health_ratio", stats.Ratio)
	return stats
}

// FindOrphans reports entities failing a coverage criterion.
func (e *Engine) FindOrphans(mode links.OrphanMode) []links.Endpoint {
	return e.graph.FindOrphans(mode)
}
