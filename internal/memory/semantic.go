package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/logging"
	"meridian/internal/store"
)

// SemanticConfig parameterises pattern promotion.
type SemanticConfig struct {
	// An episode shape needs at least this many successful episodes (N_promote).
	MinRecurrence int

	// Minimum success rate across the cluster (θ_promote).
	MinSuccessRate float64

	// EWMA smoothing factor for pattern success rates.
	SuccessRateAlpha float64
}

// Semantic holds generalised knowledge extracted from episodes: patterns
// and the concept graph, persisted under pattern:{id}.
type Semantic struct {
	mu       sync.RWMutex
	store    *store.Store
	cfg      SemanticConfig
	patterns map[string]*Pattern
	byName   map[string]string // shape name -> pattern id

	// concept graph adjacency; separate table, no cyclic owning refs.
	conceptAdj map[string]map[string]struct{}
}

// NewSemantic opens the semantic tier.
func NewSemantic(ctx context.Context, s *store.Store, cfg SemanticConfig) (*Semantic, error) {
	if cfg.MinRecurrence <= 0 {
		cfg.MinRecurrence = 3
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = 0.66
	}
	if cfg.SuccessRateAlpha <= 0 || cfg.SuccessRateAlpha > 1 {
		cfg.SuccessRateAlpha = 0.3
	}

	sem := &Semantic{
		store:      s,
		cfg:        cfg,
		patterns:   make(map[string]*Pattern),
		byName:     make(map[string]string),
		conceptAdj: make(map[string]map[string]struct{}),
	}

	err := s.Scan(ctx, []byte("pattern:"), func(key, value []byte) bool {
		var p Pattern
		if uerr := json.Unmarshal(value, &p); uerr != nil {
			logging.Get(logging.CategorySemantic).Warn("skipping unreadable pattern %s: %v", key, uerr)
			return true
		}
		sem.patterns[p.ID] = &p
		sem.byName[p.Name] = p.ID
		for _, edge := range p.ConceptEdges {
			sem.addEdgeLocked(edge.From, edge.To)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	logging.Semantic("Semantic tier opened (%d patterns)", len(sem.patterns))
	return sem, nil
}

func patternKey(id string) []byte { return []byte("pattern:" + id) }

func (s *Semantic) addEdgeLocked(from, to string) {
	if from == "" || to == "" || from == to {
		return
	}
	m, ok := s.conceptAdj[from]
	if !ok {
		m = make(map[string]struct{})
		s.conceptAdj[from] = m
	}
	m[to] = struct{}{}
}

// clusterSuccessRate is the fraction of successful episodes in a cluster.
func clusterSuccessRate(eps []Episode) float64 {
	if len(eps) == 0 {
		return 0
	}
	ok := 0
	for _, ep := range eps {
		if ep.Outcome == OutcomeSuccess {
			ok++
		}
	}
	return float64(ok) / float64(len(eps))
}

// Promote creates or reinforces a pattern from a recurring episode cluster.
// Returns the pattern and whether promotion happened; clusters below the
// recurrence or success thresholds are rejected without side effects.
func (s *Semantic) Promote(ctx context.Context, cluster Cluster) (Pattern, bool, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "Promote")
	defer timer.Stop()

	successes := 0
	for _, ep := range cluster.Episodes {
		if ep.Outcome == OutcomeSuccess {
			successes++
		}
	}
	rate := clusterSuccessRate(cluster.Episodes)
	if successes < s.cfg.MinRecurrence || rate < s.cfg.MinSuccessRate {
		logging.SemanticDebug("Cluster %q rejected for promotion (successes=%d, rate=%.2f)", cluster.Shape, successes, rate)
		return Pattern{}, false, nil
	}

	s.mu.Lock()
	var p *Pattern
	if id, ok := s.byName[cluster.Shape]; ok {
		p = s.patterns[id]
		// EWMA toward the cluster's observed rate.
		alpha := s.cfg.SuccessRateAlpha
		p.SuccessRate = alpha*rate + (1-alpha)*p.SuccessRate
	} else {
		p = &Pattern{
			ID:          uuid.NewString(),
			Name:        cluster.Shape,
			SuccessRate: rate,
		}
		s.patterns[p.ID] = p
		s.byName[p.Name] = p.ID
	}
	p.Frequency = len(cluster.Episodes)
	p.UpdatedAt = time.Now().UTC()

	seen := toSet(p.ExampleEpisodeIDs)
	for _, ep := range cluster.Episodes {
		if ep.Outcome != OutcomeSuccess {
			continue
		}
		if _, ok := seen[ep.ID]; !ok {
			p.ExampleEpisodeIDs = append(p.ExampleEpisodeIDs, ep.ID)
			seen[ep.ID] = struct{}{}
		}
	}

	// Concept edges from symbols that co-occur within an episode.
	edgeSeen := make(map[string]struct{}, len(p.ConceptEdges))
	for _, e := range p.ConceptEdges {
		edgeSeen[e.From+"->"+e.To] = struct{}{}
	}
	for _, ep := range cluster.Episodes {
		for i := 0; i+1 < len(ep.SymbolsUsed); i++ {
			from, to := ep.SymbolsUsed[i], ep.SymbolsUsed[i+1]
			key := from + "->" + to
			if _, ok := edgeSeen[key]; ok || from == to {
				continue
			}
			p.ConceptEdges = append(p.ConceptEdges, ConceptEdge{From: from, To: to})
			edgeSeen[key] = struct{}{}
			s.addEdgeLocked(from, to)
		}
	}
	copied := *p
	s.mu.Unlock()

	data, err := json.Marshal(&copied)
	if err != nil {
		return Pattern{}, false, err
	}
	if err := retryStoreIo(ctx, 3, func() error {
		return s.store.Put(ctx, patternKey(copied.ID), data)
	}); err != nil {
		return Pattern{}, false, err
	}

	logging.Semantic("Promoted pattern %q (freq=%d, rate=%.2f)", copied.Name, copied.Frequency, copied.SuccessRate)
	return copied, true, nil
}

// PatternMatch pairs a pattern with its match score against a task text.
type PatternMatch struct {
	Pattern Pattern
	Score   float64
}

// MatchPatterns ranks stored patterns against a task description.
func (s *Semantic) MatchPatterns(taskText string) []PatternMatch {
	query := toSet(descTokens(taskText))

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PatternMatch, 0, len(s.patterns))
	for _, p := range s.patterns {
		nameTokens := toSet(descTokens(strings.ReplaceAll(p.Name, "|", " ")))
		score := jaccard(query, nameTokens) * (0.5 + 0.5*p.SuccessRate)
		if score <= 0 {
			continue
		}
		out = append(out, PatternMatch{Pattern: *p, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Pattern.Name < out[j].Pattern.Name
	})
	return out
}

// ConceptPath returns a shortest concept-graph path from one symbol to
// another, or nil when unconnected. Plain BFS over the adjacency table.
func (s *Semantic) ConceptPath(from, to string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from == to {
		return []string{from}
	}
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range s.conceptAdj[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []string
				for n := to; n != ""; n = prev[n] {
					path = append([]string{n}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// Get returns one pattern by id.
func (s *Semantic) Get(id string) (Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return Pattern{}, fmt.Errorf("pattern %s: %w", id, store.ErrNotFound)
	}
	return *p, nil
}

// Count returns the number of stored patterns.
func (s *Semantic) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}
