package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/embedding"
	"meridian/internal/logging"
	"meridian/internal/store"
)

// EpisodicConfig parameterises the episodic tier.
type EpisodicConfig struct {
	RetentionDays int

	// Episodes below this pattern value with zero accesses are dropped at
	// consolidation once past the retention horizon.
	LowValueThreshold float64
}

// Episodic stores records of concrete past tasks under episode:{id}.
type Episodic struct {
	mu       sync.RWMutex
	store    *store.Store
	cfg      EpisodicConfig
	episodes map[string]*Episode
	embedder embedding.Engine
	vectors  map[string][]float32
}

// NewEpisodic opens the episodic tier, warming its in-memory view from the
// store. The embedding engine is optional; without it similarity is purely
// lexical+structural.
func NewEpisodic(ctx context.Context, s *store.Store, cfg EpisodicConfig, embedder embedding.Engine) (*Episodic, error) {
	timer := logging.StartTimer(logging.CategoryEpisodic, "NewEpisodic")
	defer timer.Stop()

	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.LowValueThreshold <= 0 {
		cfg.LowValueThreshold = 0.1
	}

	e := &Episodic{
		store:    s,
		cfg:      cfg,
		episodes: make(map[string]*Episode),
		embedder: embedder,
		vectors:  make(map[string][]float32),
	}

	err := s.Scan(ctx, []byte("episode:"), func(key, value []byte) bool {
		var ep Episode
		if uerr := json.Unmarshal(value, &ep); uerr != nil {
			logging.Get(logging.CategoryEpisodic).Warn("skipping unreadable episode %s: %v", key, uerr)
			return true
		}
		e.episodes[ep.ID] = &ep
		return true
	})
	if err != nil {
		return nil, err
	}
	logging.Episodic("Episodic tier opened (%d episodes)", len(e.episodes))
	return e, nil
}

func episodeKey(id string) []byte { return []byte("episode:" + id) }

// Record persists a new episode. The ID is assigned here when absent.
func (e *Episodic) Record(ctx context.Context, ep Episode) (Episode, error) {
	if ep.TaskDescription == "" {
		return Episode{}, fmt.Errorf("record episode: task description required")
	}
	switch ep.Outcome {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
	default:
		return Episode{}, fmt.Errorf("record episode: invalid outcome %q", ep.Outcome)
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	ep.SchemaVersion = episodeSchemaVersion

	if err := e.persist(ctx, &ep); err != nil {
		return Episode{}, err
	}

	e.mu.Lock()
	e.episodes[ep.ID] = &ep
	e.mu.Unlock()

	if e.embedder != nil {
		if vec, err := e.embedder.Embed(ctx, ep.TaskDescription); err == nil {
			e.mu.Lock()
			e.vectors[ep.ID] = vec
			e.mu.Unlock()
		}
	}

	logging.EpisodicDebug("Recorded episode %s (outcome=%s, symbols=%d)", ep.ID, ep.Outcome, len(ep.SymbolsUsed))
	return ep, nil
}

func (e *Episodic) persist(ctx context.Context, ep *Episode) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	// Transient store errors are retried here; other kinds surface.
	return retryStoreIo(ctx, 3, func() error {
		return e.store.Put(ctx, episodeKey(ep.ID), data)
	})
}

// Get returns one episode.
func (e *Episodic) Get(ctx context.Context, id string) (Episode, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.episodes[id]
	if !ok {
		return Episode{}, fmt.Errorf("episode %s: %w", id, store.ErrNotFound)
	}
	return *ep, nil
}

// SimilarEpisode pairs an episode with its blended similarity score.
type SimilarEpisode struct {
	Episode Episode
	Score   float64
}

// SimilarFilters narrows FindSimilar. ContextFiles/ContextSymbols carry the
// caller's current footprint for the structural half of the blend.
type SimilarFilters struct {
	Outcome        Outcome
	Since          time.Time
	ContextFiles   []string
	ContextSymbols []string
}

// FindSimilar ranks episodes against a task description. The blend is
// 0.5 lexical Jaccard over description tokens, 0.3 structural Jaccard over
// files+symbols, 0.2 embedding cosine; absent embeddings redistribute their
// weight pro rata. Ties break on recency then access count.
func (e *Episodic) FindSimilar(ctx context.Context, taskText string, k int, f SimilarFilters) ([]SimilarEpisode, error) {
	timer := logging.StartTimer(logging.CategoryEpisodic, "FindSimilar")
	defer timer.Stop()

	if k <= 0 {
		k = 5
	}

	queryTokens := toSet(descTokens(taskText))
	queryStruct := toSet(append(append([]string{}, f.ContextFiles...), f.ContextSymbols...))

	var queryVec []float32
	if e.embedder != nil {
		if vec, err := e.embedder.Embed(ctx, taskText); err == nil {
			queryVec = vec
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]SimilarEpisode, 0, len(e.episodes))
	for _, ep := range e.episodes {
		if err := ctx.Err(); err != nil {
			break
		}
		if f.Outcome != "" && ep.Outcome != f.Outcome {
			continue
		}
		if !f.Since.IsZero() && ep.CreatedAt.Before(f.Since) {
			continue
		}

		lexical := jaccard(queryTokens, toSet(descTokens(ep.TaskDescription)))
		structSet := toSet(append(append([]string{}, ep.FilesAccessed...), ep.SymbolsUsed...))
		structural := jaccard(queryStruct, structSet)

		wLex, wStruct, wVec := 0.5, 0.3, 0.2
		var vecSim float64
		if queryVec != nil {
			if epVec, ok := e.vectors[ep.ID]; ok {
				vecSim, _ = embedding.CosineSimilarity(queryVec, epVec)
			} else {
				wLex, wStruct, wVec = 0.625, 0.375, 0
			}
		} else {
			wLex, wStruct, wVec = 0.625, 0.375, 0
		}

		score := wLex*lexical + wStruct*structural + wVec*vecSim
		if score <= 0 {
			continue
		}
		out = append(out, SimilarEpisode{Episode: *ep, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Episode.CreatedAt.Equal(out[j].Episode.CreatedAt) {
			return out[i].Episode.CreatedAt.After(out[j].Episode.CreatedAt)
		}
		return out[i].Episode.AccessCount > out[j].Episode.AccessCount
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Recent returns episodes created at or after since, newest first.
func (e *Episodic) Recent(since time.Time, limit int) []Episode {
	e.mu.RLock()
	out := make([]Episode, 0, len(e.episodes))
	for _, ep := range e.episodes {
		if ep.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *ep)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// IncrementAccess bumps an episode's access count. Monotonic by
// construction: it only ever adds one.
func (e *Episodic) IncrementAccess(ctx context.Context, id string) error {
	e.mu.Lock()
	ep, ok := e.episodes[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("episode %s: %w", id, store.ErrNotFound)
	}
	ep.AccessCount++
	copied := *ep
	e.mu.Unlock()

	return e.persist(ctx, &copied)
}

// SetPatternValue updates the consolidation-owned value field.
func (e *Episodic) SetPatternValue(ctx context.Context, id string, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("pattern value %f out of range", value)
	}
	e.mu.Lock()
	ep, ok := e.episodes[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("episode %s: %w", id, store.ErrNotFound)
	}
	ep.PatternValue = value
	copied := *ep
	e.mu.Unlock()

	return e.persist(ctx, &copied)
}

// shapeKey collapses an episode onto its recurring shape: the sorted leading
// description tokens. Episodes sharing a shape are promotion candidates.
func shapeKey(ep *Episode) string {
	tokens := descTokens(ep.TaskDescription)
	sort.Strings(tokens)
	if len(tokens) > 4 {
		tokens = tokens[:4]
	}
	return strings.Join(tokens, "|")
}

// Cluster is a group of episodes sharing a shape, nominated for promotion.
type Cluster struct {
	Shape    string
	Episodes []Episode
}

// Consolidate drops low-value, never-accessed episodes older than the
// retention horizon and returns recurring clusters for semantic promotion.
func (e *Episodic) Consolidate(ctx context.Context, now time.Time, minRecurrence int) ([]Cluster, error) {
	timer := logging.StartTimer(logging.CategoryEpisodic, "Consolidate")
	defer timer.Stop()

	horizon := now.AddDate(0, 0, -e.cfg.RetentionDays)

	e.mu.Lock()
	var dropped []string
	shapes := make(map[string][]Episode)
	for id, ep := range e.episodes {
		if ep.AccessCount == 0 && ep.PatternValue < e.cfg.LowValueThreshold && ep.CreatedAt.Before(horizon) {
			dropped = append(dropped, id)
			continue
		}
		key := shapeKey(ep)
		shapes[key] = append(shapes[key], *ep)
	}
	for _, id := range dropped {
		delete(e.episodes, id)
		delete(e.vectors, id)
	}
	e.mu.Unlock()

	if len(dropped) > 0 {
		batch := store.NewBatch()
		for _, id := range dropped {
			batch.Delete(episodeKey(id))
		}
		if err := e.store.Apply(ctx, batch); err != nil {
			return nil, err
		}
		logging.Episodic("Consolidation dropped %d stale episodes", len(dropped))
	}

	var clusters []Cluster
	for shape, eps := range shapes {
		if len(eps) < minRecurrence {
			continue
		}
		sort.Slice(eps, func(i, j int) bool { return eps[i].CreatedAt.Before(eps[j].CreatedAt) })
		clusters = append(clusters, Cluster{Shape: shape, Episodes: eps})
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Shape < clusters[j].Shape })
	return clusters, nil
}

// Count returns the number of stored episodes.
func (e *Episodic) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.episodes)
}

// retryStoreIo retries fn on transient ErrIo with a short linear backoff.
func retryStoreIo(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !isIoErr(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return err
}

func isIoErr(err error) bool {
	return errors.Is(err, store.ErrIo)
}
