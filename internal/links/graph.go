package links

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/logging"
	"meridian/internal/store"
)

// Graph is the semantic link graph. Records persist under link:{id} with
// nine secondary indexes by (source,target) × (level, type, level+type);
// adjacency lives in memory, rebuilt at open.
type Graph struct {
	mu      sync.RWMutex
	store   *store.Store
	resolve EntityResolver

	links    map[string]*Link
	bySource map[string][]string // endpoint key -> link ids
	byTarget map[string][]string
}

// NewGraph opens the link graph. resolve may be nil; validation then only
// checks structural health.
func NewGraph(ctx context.Context, s *store.Store, resolve EntityResolver) (*Graph, error) {
	timer := logging.StartTimer(logging.CategoryLinks, "NewGraph")
	defer timer.Stop()

	g := &Graph{
		store:    s,
		resolve:  resolve,
		links:    make(map[string]*Link),
		bySource: make(map[string][]string),
		byTarget: make(map[string][]string),
	}
	err := s.Scan(ctx, []byte("link:"), func(key, value []byte) bool {
		var l Link
		if uerr := json.Unmarshal(value, &l); uerr != nil {
			logging.Get(logging.CategoryLinks).Warn("skipping unreadable link %s: %v", key, uerr)
			return true
		}
		g.links[l.ID] = &l
		g.indexLocked(&l)
		return true
	})
	if err != nil {
		return nil, err
	}
	logging.Links("Link graph opened (%d links)", len(g.links))
	return g, nil
}

func linkKey(id string) []byte { return []byte("link:" + id) }

// secondaryKeys builds the nine index keys for a link: for each side
// (source, target) an index by level, by type, and by level+type.
// The ninth is the pair index used for duplicate detection.
func secondaryKeys(l *Link) [][]byte {
	return [][]byte{
		[]byte(fmt.Sprintf("link_idx:src_level:%s:%s", l.Source.Level, l.ID)),
		[]byte(fmt.Sprintf("link_idx:src_type:%s:%s", l.Type, l.ID)),
		[]byte(fmt.Sprintf("link_idx:src:%s:%s:%s", l.Source.Level, l.Type, l.ID)),
		[]byte(fmt.Sprintf("link_idx:tgt_level:%s:%s", l.Target.Level, l.ID)),
		[]byte(fmt.Sprintf("link_idx:tgt_type:%s:%s", l.Type, l.ID)),
		[]byte(fmt.Sprintf("link_idx:tgt:%s:%s:%s", l.Target.Level, l.Type, l.ID)),
		[]byte(fmt.Sprintf("link_idx:from:%s:%s", l.Source, l.ID)),
		[]byte(fmt.Sprintf("link_idx:to:%s:%s", l.Target, l.ID)),
		[]byte(fmt.Sprintf("link_idx:pair:%s:%s:%s", l.Source, l.Target, l.Type)),
	}
}

func (g *Graph) indexLocked(l *Link) {
	src := l.Source.String()
	tgt := l.Target.String()
	g.bySource[src] = append(g.bySource[src], l.ID)
	g.byTarget[tgt] = append(g.byTarget[tgt], l.ID)
}

func (g *Graph) unindexLocked(l *Link) {
	src := l.Source.String()
	tgt := l.Target.String()
	g.bySource[src] = removeID(g.bySource[src], l.ID)
	g.byTarget[tgt] = removeID(g.byTarget[tgt], l.ID)
}

func removeID(ids []string, id string) []string {
	for i, other := range ids {
		if other == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Add inserts a link. Duplicates (same source, target and type) and cycles
// over implements/documents/tests are conflicts; the graph stays unchanged.
func (g *Graph) Add(ctx context.Context, source, target Endpoint, linkType Type, confidence float64, method string) (Link, error) {
	if !ValidLevel(source.Level) || !ValidLevel(target.Level) {
		return Link{}, fmt.Errorf("%w: unknown level", ErrInvalidInput)
	}
	if source.EntityID == "" || target.EntityID == "" {
		return Link{}, fmt.Errorf("%w: entity ids required", ErrInvalidInput)
	}
	if !ValidType(linkType) {
		return Link{}, fmt.Errorf("%w: unknown link type %q", ErrInvalidInput, linkType)
	}
	if confidence < 0 || confidence > 1 {
		return Link{}, fmt.Errorf("%w: confidence %f out of range", ErrInvalidInput, confidence)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range g.bySource[source.String()] {
		l := g.links[id]
		if l.Target == target && l.Type == linkType {
			return Link{}, fmt.Errorf("%w: duplicate link %s -[%s]-> %s", ErrConflict, source, linkType, target)
		}
	}

	if acyclicTypes[linkType] && g.reachesLocked(target, source) {
		return Link{}, fmt.Errorf("%w: link %s -> %s introduces a cycle", ErrConflict, source, target)
	}

	l := Link{
		ID:               uuid.NewString(),
		Source:           source,
		Target:           target,
		Type:             linkType,
		Confidence:       confidence,
		ExtractionMethod: method,
		CreatedAt:        time.Now().UTC(),
		Health:           HealthValid,
	}
	if err := g.persistLocked(ctx, &l, nil); err != nil {
		return Link{}, err
	}
	g.links[l.ID] = &l
	g.indexLocked(&l)

	logging.LinksDebug("Added link %s -[%s]-> %s (%.2f)", source, linkType, target, confidence)
	return l, nil
}

// reachesLocked reports whether target is reachable from start over the
// acyclic type set.
func (g *Graph) reachesLocked(start, target Endpoint) bool {
	if start == target {
		return true
	}
	seen := map[string]struct{}{start.String(): {}}
	queue := []Endpoint{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range g.bySource[cur.String()] {
			l := g.links[id]
			if !acyclicTypes[l.Type] {
				continue
			}
			next := l.Target
			if next == target {
				return true
			}
			if _, ok := seen[next.String()]; ok {
				continue
			}
			seen[next.String()] = struct{}{}
			queue = append(queue, next)
		}
	}
	return false
}

// persistLocked writes the record and its secondary keys in one batch,
// removing old's keys first on updates.
func (g *Graph) persistLocked(ctx context.Context, l, old *Link) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	batch := store.NewBatch()
	if old != nil {
		for _, k := range secondaryKeys(old) {
			batch.Delete(k)
		}
	}
	batch.Put(linkKey(l.ID), data)
	for _, k := range secondaryKeys(l) {
		batch.Put(k, []byte{})
	}
	return g.store.Apply(ctx, batch)
}

// Remove deletes a link explicitly. (Entity deletion never removes links;
// it degrades them to broken via Validate.)
func (g *Graph) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.links[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	batch := store.NewBatch()
	batch.Delete(linkKey(id))
	for _, k := range secondaryKeys(l) {
		batch.Delete(k)
	}
	if err := g.store.Apply(ctx, batch); err != nil {
		return err
	}
	g.unindexLocked(l)
	delete(g.links, id)
	return nil
}

// Get returns one link.
func (g *Graph) Get(id string) (Link, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.links[id]
	if !ok {
		return Link{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *l, nil
}

// GetLinks returns an entity's links in the requested direction, filtered.
func (g *Graph) GetLinks(entity Endpoint, direction Direction, f Filters) []Link {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	switch direction {
	case DirectionOut:
		ids = g.bySource[entity.String()]
	case DirectionIn:
		ids = g.byTarget[entity.String()]
	default:
		ids = append(append([]string(nil), g.bySource[entity.String()]...), g.byTarget[entity.String()]...)
	}

	out := make([]Link, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		l := g.links[id]
		if f.Type != "" && l.Type != f.Type {
			continue
		}
		if f.Level != "" && l.Source.Level != f.Level && l.Target.Level != f.Level {
			continue
		}
		if l.Confidence < f.MinConfidence {
			continue
		}
		if f.Health != "" && l.Health != f.Health {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// neighborsByType collects the far endpoints of an entity's edges of one
// type, in the given direction.
func (g *Graph) neighborsByType(entity Endpoint, t Type, direction Direction) []Endpoint {
	var out []Endpoint
	for _, l := range g.GetLinks(entity, direction, Filters{Type: t}) {
		if l.Source == entity {
			out = append(out, l.Target)
		} else {
			out = append(out, l.Source)
		}
	}
	return out
}

// FindImplementation returns the code entities implementing a spec entity.
// Implements edges run spec -> code.
func (g *Graph) FindImplementation(specEntity Endpoint) []Endpoint {
	return g.neighborsByType(specEntity, TypeImplements, DirectionOut)
}

// FindDocumentation returns the doc entities documenting a code entity.
func (g *Graph) FindDocumentation(codeEntity Endpoint) []Endpoint {
	return g.neighborsByType(codeEntity, TypeDocuments, DirectionIn)
}

// FindExamples returns the example entities exemplifying an entity.
func (g *Graph) FindExamples(entity Endpoint) []Endpoint {
	return g.neighborsByType(entity, TypeExemplifies, DirectionIn)
}

// FindTests returns the test entities covering an entity.
func (g *Graph) FindTests(entity Endpoint) []Endpoint {
	return g.neighborsByType(entity, TypeTests, DirectionIn)
}

// Validate re-checks both endpoints of every link touching an entity.
// Missing endpoints mark the link broken; links are never silently removed.
// Returns the re-validated links.
func (g *Graph) Validate(ctx context.Context, entity Endpoint) ([]Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := append(append([]string(nil), g.bySource[entity.String()]...), g.byTarget[entity.String()]...)
	seen := make(map[string]struct{}, len(ids))
	var out []Link
	now := time.Now().UTC()

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		l := g.links[id]

		health := HealthValid
		if g.resolve != nil {
			if !g.resolve(l.Source.Level, l.Source.EntityID) || !g.resolve(l.Target.Level, l.Target.EntityID) {
				health = HealthBroken
			}
		}
		if l.Health != health || l.ValidatedAt.IsZero() {
			old := *l
			l.Health = health
			l.ValidatedAt = now
			if err := g.persistLocked(ctx, l, &old); err != nil {
				return nil, err
			}
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PathStep is one hop in a traced path.
type PathStep struct {
	Link Link     `json:"link"`
	Node Endpoint `json:"node"`
}

// TypeWeights biases trace_path expansion; heavier types are explored
// first. Unlisted types weigh 1.
type TypeWeights map[Type]float64

// TracePath runs a bounded breadth-first search from one entity to another
// over the typed edge set, both directions, up to maxDepth hops.
func (g *Graph) TracePath(from, to Endpoint, maxDepth int, weights TypeWeights) []PathStep {
	if maxDepth <= 0 {
		maxDepth = 4
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type visit struct {
		node  Endpoint
		steps []PathStep
	}
	seen := map[string]struct{}{from.String(): {}}
	queue := []visit{{node: from}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.steps) >= maxDepth {
			continue
		}

		ids := append(append([]string(nil), g.bySource[cur.node.String()]...), g.byTarget[cur.node.String()]...)
		edges := make([]*Link, 0, len(ids))
		dup := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, ok := dup[id]; ok {
				continue
			}
			dup[id] = struct{}{}
			edges = append(edges, g.links[id])
		}
		// Heavier types expand first.
		sort.SliceStable(edges, func(i, j int) bool {
			return weightOf(weights, edges[i].Type) > weightOf(weights, edges[j].Type)
		})

		for _, l := range edges {
			next := l.Target
			if next == cur.node {
				next = l.Source
			}
			if _, ok := seen[next.String()]; ok {
				continue
			}
			seen[next.String()] = struct{}{}
			steps := append(append([]PathStep(nil), cur.steps...), PathStep{Link: *l, Node: next})
			if next == to {
				return steps
			}
			queue = append(queue, visit{node: next, steps: steps})
		}
	}
	return nil
}

func weightOf(w TypeWeights, t Type) float64 {
	if w == nil {
		return 1
	}
	if v, ok := w[t]; ok {
		return v
	}
	return 1
}

// Health returns graph-wide health statistics.
func (g *Graph) Health() HealthStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := HealthStats{}
	for _, l := range g.links {
		stats.Total++
		switch l.Health {
		case HealthValid:
			stats.Valid++
		case HealthStale:
			stats.Stale++
		case HealthBroken:
			stats.Broken++
		}
	}
	if stats.Total > 0 {
		stats.Ratio = float64(stats.Valid) / float64(stats.Total)
	}
	return stats
}

// FindOrphans reports entities that fail the mode's coverage criterion:
// spec entities with no non-broken outgoing implements edge to code, or
// non-test entities with no non-broken tests edge in either direction.
func (g *Graph) FindOrphans(mode OrphanMode) []Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entities := make(map[string]Endpoint)
	for _, l := range g.links {
		entities[l.Source.String()] = l.Source
		entities[l.Target.String()] = l.Target
	}

	var out []Endpoint
	for key, e := range entities {
		switch mode {
		case OrphanUnimplemented:
			if e.Level != LevelSpec {
				continue
			}
			implemented := false
			for _, id := range g.bySource[key] {
				l := g.links[id]
				if l.Type == TypeImplements && l.Target.Level == LevelCode && l.Health != HealthBroken {
					implemented = true
					break
				}
			}
			if !implemented {
				out = append(out, e)
			}
		case OrphanUntested:
			if e.Level == LevelTest {
				continue
			}
			tested := false
			for _, id := range append(append([]string(nil), g.bySource[key]...), g.byTarget[key]...) {
				if g.links[id].Type == TypeTests && g.links[id].Health != HealthBroken {
					tested = true
					break
				}
			}
			if !tested {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Count returns the number of links.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.links)
}
