package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"meridian/internal/logging"
	"meridian/internal/store"
)

// Project is one registered project. FullID is the content hash of the
// project manifest, so it is path-independent and survives directory moves.
type Project struct {
	FullID       string    `json:"full_id"`
	Name         string    `json:"name"`
	RootPath     string    `json:"root_path"`
	MonorepoRoot string    `json:"monorepo_root,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry maintains the project keyspace:
// registry:projects:{id} plus name/path/monorepo index prefixes.
type Registry struct {
	store *store.Store
}

// NewRegistry wraps the root store.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{store: s}
}

// ProjectID derives the stable content-hash identifier from manifest bytes.
func ProjectID(manifest []byte) string {
	sum := sha256.Sum256(manifest)
	return hex.EncodeToString(sum[:16])
}

func pathHash(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

// Register stores a project and maintains its three secondary indexes in one
// atomic batch.
func (r *Registry) Register(ctx context.Context, p Project) error {
	if p.FullID == "" || p.Name == "" {
		return fmt.Errorf("register: project id and name required")
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	batch := store.NewBatch()
	batch.Put([]byte("registry:projects:"+p.FullID), data)
	batch.Put([]byte(fmt.Sprintf("registry:index:name:%s:%s", p.Name, p.FullID)), []byte{})
	batch.Put([]byte(fmt.Sprintf("registry:index:path:%s:%s", pathHash(p.RootPath), p.FullID)), []byte{})
	if p.MonorepoRoot != "" {
		batch.Put([]byte(fmt.Sprintf("registry:index:monorepo:%s:%s", pathHash(p.MonorepoRoot), p.FullID)), []byte{})
	}
	if err := r.store.Apply(ctx, batch); err != nil {
		return err
	}
	logging.Index("Registered project %s (%s)", p.Name, p.FullID)
	return nil
}

// Get returns a project by full id.
func (r *Registry) Get(ctx context.Context, fullID string) (Project, error) {
	raw, err := r.store.Get(ctx, []byte("registry:projects:"+fullID))
	if err != nil {
		return Project{}, err
	}
	var p Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return Project{}, fmt.Errorf("project %s: %w: %v", fullID, store.ErrCorrupt, err)
	}
	return p, nil
}

// FindByPath resolves a project through the path index.
func (r *Registry) FindByPath(ctx context.Context, rootPath string) (Project, error) {
	prefix := []byte(fmt.Sprintf("registry:index:path:%s:", pathHash(rootPath)))
	var id string
	err := r.store.Scan(ctx, prefix, func(key, value []byte) bool {
		id = string(key[len(prefix):])
		return false
	})
	if err != nil {
		return Project{}, err
	}
	if id == "" {
		return Project{}, fmt.Errorf("project at %s: %w", rootPath, store.ErrNotFound)
	}
	return r.Get(ctx, id)
}

// List returns every registered project.
func (r *Registry) List(ctx context.Context) ([]Project, error) {
	var out []Project
	err := r.store.Scan(ctx, []byte("registry:projects:"), func(key, value []byte) bool {
		var p Project
		if uerr := json.Unmarshal(value, &p); uerr == nil {
			out = append(out, p)
		}
		return true
	})
	return out, err
}
