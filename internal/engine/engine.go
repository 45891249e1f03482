// Package engine assembles meridian's core: the store substrate, memory
// tiers, context pipeline, session overlays, progress and link graphs, the
// spec catalog and the observability surface, exposed as one facade the
// outer RPC layer calls into.
package engine

import (
	"context"
	"fmt"
	"time"

	"meridian/internal/config"
	"meridian/internal/embedding"
	"meridian/internal/global"
	"meridian/internal/index"
	"meridian/internal/links"
	"meridian/internal/logging"
	"meridian/internal/memory"
	"meridian/internal/metrics"
	"meridian/internal/progress"
	"meridian/internal/session"
	"meridian/internal/specs"
	"meridian/internal/store"

	mcontext "meridian/internal/context"
)

// CurrentSchemaVersion is the engine's record layout version. Stores with a
// higher stored version refuse to open.
const CurrentSchemaVersion = 1

// migrations is the registered chain bringing older stores to
// CurrentSchemaVersion. Key layout changes are versioned schema changes and
// belong here.
var migrations = []store.Migration{}

// Mode selects the construction entrypoint.
type Mode string

const (
	// ModeLegacy is single-project mode over a local store.
	ModeLegacy Mode = "legacy"
	// ModeGlobal binds to an external server plus a project path, degrading
	// to the local cache when the server is unreachable.
	ModeGlobal Mode = "global"
)

// Options constructs an engine.
type Options struct {
	DataDir     string
	Mode        Mode
	ProjectPath string

	// Config overrides the loaded configuration entirely when non-nil.
	Config *config.Config

	// Embedder is optional; nil disables vector similarity.
	Embedder embedding.Engine
}

// Engine is one core instance. It exclusively owns its store handles and
// per-tier caches; two instances over the same path is undefined behaviour,
// guarded by the store lock.
type Engine struct {
	cfg  config.Config
	mode Mode

	store        *store.Store
	metricsStore *store.MetricsStore

	registry *index.Registry
	idx      *index.LocalIndex
	project  index.Project

	episodic   *memory.Episodic
	semantic   *memory.Semantic
	procedural *memory.Procedural
	working    *memory.Working

	pipeline *mcontext.Pipeline
	sessions *session.Manager
	tracker  *progress.Tracker
	graph    *links.Graph
	catalog  *specs.Catalog

	collector    *metrics.Collector
	snapshotter  *metrics.Snapshotter
	consolidator *memory.Consolidator
	globalClient *global.Client
}

// New opens an engine in dependency order: store and migrations first, then
// the index surface, the memory tiers, and the graphs over them.
func New(ctx context.Context, opts Options) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "New")
	defer timer.Stop()

	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data dir required", ErrInvalidInput)
	}
	if opts.Mode == "" {
		opts.Mode = ModeLegacy
	}

	cfg := config.Default(opts.DataDir)
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		loaded, err := config.Load(opts.DataDir)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := logging.Initialize(opts.DataDir, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, mode: opts.Mode, collector: metrics.NewCollector()}

	s, err := store.Open(cfg.Storage.Path, store.Options{CacheSize: cfg.Storage.CacheSize})
	if err != nil {
		return nil, err
	}
	e.store = s

	migrator := store.NewMigrator(s, CurrentSchemaVersion, migrations)
	if err := migrator.InitVersion(ctx); err != nil {
		e.closePartial()
		return nil, err
	}
	if err := migrator.EnsureCurrent(ctx); err != nil {
		e.closePartial()
		return nil, err
	}

	ms, err := store.OpenMetricsStore(cfg.Storage.Path, cfg.Storage.CacheSize)
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.metricsStore = ms

	e.registry = index.NewRegistry(s)
	project, err := e.resolveProject(ctx, opts.ProjectPath)
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.project = project

	idx, err := index.NewLocalIndex(ctx, s, project.FullID, opts.Embedder)
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.idx = idx

	e.episodic, err = memory.NewEpisodic(ctx, s, memory.EpisodicConfig{
		RetentionDays: cfg.Memory.EpisodicRetentionDays,
	}, opts.Embedder)
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.semantic, err = memory.NewSemantic(ctx, s, memory.SemanticConfig{
		MinRecurrence:    cfg.Memory.PromoteMinRecurrence,
		MinSuccessRate:   cfg.Memory.PromoteMinSuccessRate,
		SuccessRateAlpha: cfg.Memory.SuccessRateAlpha,
	})
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.procedural, err = memory.NewProcedural(ctx, s)
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.working = memory.NewWorking(memory.WorkingConfig{
		CapacityTokens: cfg.Memory.WorkingMemorySize,
		HalfLife:       cfg.Memory.AttentionHalfLife,
		Floor:          cfg.Memory.AttentionFloor,
	})

	e.pipeline = mcontext.NewPipeline(cfg.Context, e.working, e.episodic, idx)

	e.sessions, err = session.NewManager(ctx, s, session.Config{
		MaxSessions: cfg.Session.MaxSessions,
		IdleTimeout: cfg.Session.SessionTimeout.Std(),
	}, nil)
	if err != nil {
		e.closePartial()
		return nil, err
	}

	e.tracker, err = progress.NewTracker(ctx, s)
	if err != nil {
		e.closePartial()
		return nil, err
	}

	e.catalog, err = specs.NewCatalog(cfg.Specs.Dir)
	if err != nil {
		e.closePartial()
		return nil, err
	}

	e.graph, err = links.NewGraph(ctx, s, e.resolveEntity)
	if err != nil {
		e.closePartial()
		return nil, err
	}

	e.globalClient = global.NewClient(global.Config{
		ServerURL:      cfg.Global.ServerURL,
		RequestTimeout: cfg.Global.RequestTimeout.Std(),
		MaxRetries:     cfg.Global.MaxRetries,
		BackoffBase:    cfg.Global.BackoffBase.Std(),
	})

	e.consolidator = memory.NewConsolidator(e.episodic, e.semantic, e.procedural, cfg.Memory.ConsolidationInterval.Std())
	e.consolidator.Start()

	e.snapshotter = metrics.NewSnapshotter(e.collector, ms, metrics.SnapshotterConfig{
		Interval:          cfg.Metrics.SnapshotInterval.Std(),
		SnapshotRetention: time.Duration(cfg.Metrics.SnapshotRetentionDays) * 24 * time.Hour,
		AggRetention:      time.Duration(cfg.Metrics.AggRetentionDays) * 24 * time.Hour,
	})
	e.snapshotter.Start()

	logging.Engine("Engine opened (mode=%s, project=%s)", opts.Mode, project.FullID)
	return e, nil
}

// resolveProject finds or registers the project for this engine instance.
func (e *Engine) resolveProject(ctx context.Context, projectPath string) (index.Project, error) {
	if projectPath == "" {
		projectPath = "."
	}
	if p, err := e.registry.FindByPath(ctx, projectPath); err == nil {
		return p, nil
	}
	p := index.Project{
		FullID:   index.ProjectID([]byte(projectPath)),
		Name:     projectPath,
		RootPath: projectPath,
	}
	if err := e.registry.Register(ctx, p); err != nil {
		return index.Project{}, err
	}
	return p, nil
}

// resolveEntity is the link graph's endpoint resolver: code resolves in the
// index, spec in the catalog; docs, tests and examples are outer-layer
// artifacts the core cannot enumerate, so they resolve optimistically.
func (e *Engine) resolveEntity(level links.Level, entityID string) bool {
	switch level {
	case links.LevelCode:
		return e.idx.Resolve(context.Background(), entityID)
	case links.LevelSpec:
		return e.catalog.Exists(entityID)
	default:
		return true
	}
}

// Index exposes the local index for corpus maintenance (the outer indexer
// collaborator writes through this).
func (e *Engine) Index() *index.LocalIndex { return e.idx }

// Project returns the engine's project identity.
func (e *Engine) Project() index.Project { return e.project }

// Collector exposes the metrics collector.
func (e *Engine) Collector() *metrics.Collector { return e.collector }

// observe records one operation on the metrics surface.
func (e *Engine) observe(family string, start time.Time, err error, tokens int) {
	e.collector.Observe(family, time.Since(start), err != nil, tokens)
}

func (e *Engine) closePartial() {
	if e.metricsStore != nil {
		e.metricsStore.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

// Close drains background loops and releases the stores.
func (e *Engine) Close() error {
	if e.consolidator != nil {
		e.consolidator.Stop()
	}
	if e.snapshotter != nil {
		e.snapshotter.Stop()
	}
	var firstErr error
	if e.metricsStore != nil {
		if err := e.metricsStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logging.Engine("Engine closed")
	return firstErr
}
