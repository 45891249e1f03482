package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"meridian/internal/logging"
)

// Reserved keys used by the migration machinery.
var (
	schemaVersionKey    = []byte("_schema_version")
	migrationHistoryKey = []byte("_migration_history")
	backupKeyPrefix     = "_backup_"
)

// Migration transforms every value under Prefix from the From-version layout
// to the To-version layout. Migrations must be registered as a contiguous
// chain; a gap between stored and target version is a fatal configuration
// error.
type Migration struct {
	From        int
	To          int
	Prefix      []byte
	Description string
	Transform   func(old []byte) ([]byte, error)
}

// HistoryEntry records one completed or failed migration step.
type HistoryEntry struct {
	From       int       `json:"from"`
	To         int       `json:"to"`
	Prefix     string    `json:"prefix"`
	Status     string    `json:"status"` // "ok" or "failed"
	Error      string    `json:"error,omitempty"`
	BackupPath string    `json:"backup_prefix"`
	Items      int       `json:"items"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Migrator upgrades a store to a target schema version.
type Migrator struct {
	store      *Store
	target     int
	migrations []Migration
}

// NewMigrator builds a migrator for the given target version.
func NewMigrator(s *Store, target int, migrations []Migration) *Migrator {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })
	return &Migrator{store: s, target: target, migrations: sorted}
}

// SchemaVersion reads the stored schema version. A fresh store reports 0.
func (m *Migrator) SchemaVersion(ctx context.Context) (int, error) {
	raw, err := m.store.Get(ctx, schemaVersionKey)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	v, perr := strconv.Atoi(string(raw))
	if perr != nil {
		return 0, fmt.Errorf("schema version: %w: %q", ErrCorrupt, raw)
	}
	return v, nil
}

// EnsureCurrent compares the stored version with the target and either
// proceeds (equal), runs the migration chain (lower), or refuses to open
// (higher).
func (m *Migrator) EnsureCurrent(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryMigrate, "EnsureCurrent")
	defer timer.Stop()

	current, err := m.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	logging.Migrate("Schema version: stored=%d target=%d", current, m.target)

	switch {
	case current == m.target:
		return nil
	case current > m.target:
		return fmt.Errorf("stored schema version %d is newer than supported %d: %w", current, m.target, ErrCorrupt)
	}

	chain, err := m.chain(current)
	if err != nil {
		return err
	}
	for _, step := range chain {
		if err := m.runStep(ctx, step); err != nil {
			return err
		}
		if err := m.setVersion(ctx, step.To); err != nil {
			return err
		}
	}
	return nil
}

// chain selects the contiguous migration sequence from current to target.
func (m *Migrator) chain(current int) ([]Migration, error) {
	var out []Migration
	v := current
	for v < m.target {
		found := false
		for _, mig := range m.migrations {
			if mig.From == v {
				out = append(out, mig)
				v = mig.To
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no registered migration from version %d: %w", v, ErrCorrupt)
		}
	}
	return out, nil
}

// runStep executes one migration: back up the affected prefix under a
// timestamped backup prefix, transform every item, and on any item failure
// restore the backup and report failure. Every step lands in
// _migration_history either way.
func (m *Migrator) runStep(ctx context.Context, mig Migration) error {
	timer := logging.StartTimer(logging.CategoryMigrate, fmt.Sprintf("migrate v%d->v%d", mig.From, mig.To))
	defer timer.Stop()

	backupPrefix := fmt.Sprintf("%s%s:", backupKeyPrefix, time.Now().Format("20060102_150405"))
	logging.Migrate("Migrating v%d -> v%d under prefix %q (backup %q)", mig.From, mig.To, mig.Prefix, backupPrefix)

	// Pre-migration backup: copy the affected prefix.
	backup := NewBatch()
	items := 0
	err := m.store.Scan(ctx, mig.Prefix, func(key, value []byte) bool {
		backup.Put(append([]byte(backupPrefix), key...), value)
		items++
		return true
	})
	if err != nil {
		return err
	}
	if err := m.store.Apply(ctx, backup); err != nil {
		return err
	}

	// Transform pass.
	apply := NewBatch()
	var stepErr error
	err = m.store.Scan(ctx, mig.Prefix, func(key, value []byte) bool {
		migrated, terr := mig.Transform(value)
		if terr != nil {
			stepErr = fmt.Errorf("migrate v%d->v%d key %q: %w", mig.From, mig.To, key, terr)
			return false
		}
		apply.Put(key, migrated)
		return true
	})
	if err != nil {
		return err
	}
	if stepErr == nil {
		stepErr = m.store.Apply(ctx, apply)
	}

	entry := HistoryEntry{
		From:       mig.From,
		To:         mig.To,
		Prefix:     string(mig.Prefix),
		BackupPath: backupPrefix,
		Items:      items,
		AppliedAt:  time.Now().UTC(),
		Status:     "ok",
	}

	if stepErr != nil {
		logging.Get(logging.CategoryMigrate).Error("Migration v%d->v%d failed, restoring backup: %v", mig.From, mig.To, stepErr)
		if rerr := m.restore(ctx, backupPrefix); rerr != nil {
			logging.Get(logging.CategoryMigrate).Error("Backup restore failed: %v", rerr)
		}
		entry.Status = "failed"
		entry.Error = stepErr.Error()
		m.appendHistory(ctx, entry)
		return stepErr
	}

	m.appendHistory(ctx, entry)
	logging.Migrate("Migration v%d -> v%d complete (%d items)", mig.From, mig.To, items)
	return nil
}

// restore writes every backed-up value back under its original key, in one
// atomic batch.
func (m *Migrator) restore(ctx context.Context, backupPrefix string) error {
	restore := NewBatch()
	err := m.store.Scan(ctx, []byte(backupPrefix), func(key, value []byte) bool {
		original := key[len(backupPrefix):]
		restore.Put(original, value)
		return true
	})
	if err != nil {
		return err
	}
	return m.store.Apply(ctx, restore)
}

func (m *Migrator) setVersion(ctx context.Context, v int) error {
	return m.store.Put(ctx, schemaVersionKey, []byte(strconv.Itoa(v)))
}

// InitVersion stamps a fresh store at the target version without running any
// migrations. No-op when a version is already recorded.
func (m *Migrator) InitVersion(ctx context.Context) error {
	if _, err := m.store.Get(ctx, schemaVersionKey); err == nil {
		return nil
	} else if !isNotFound(err) {
		return err
	}
	return m.setVersion(ctx, m.target)
}

func (m *Migrator) appendHistory(ctx context.Context, entry HistoryEntry) {
	var history []HistoryEntry
	if raw, err := m.store.Get(ctx, migrationHistoryKey); err == nil {
		if uerr := json.Unmarshal(raw, &history); uerr != nil {
			logging.MigrateDebug("discarding unreadable migration history: %v", uerr)
			history = nil
		}
	}
	history = append(history, entry)
	data, err := json.Marshal(history)
	if err != nil {
		return
	}
	if err := m.store.Put(ctx, migrationHistoryKey, data); err != nil {
		logging.Get(logging.CategoryMigrate).Warn("failed to append migration history: %v", err)
	}
}

// History returns the recorded migration history, oldest first.
func (m *Migrator) History(ctx context.Context) ([]HistoryEntry, error) {
	raw, err := m.store.Get(ctx, migrationHistoryKey)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var history []HistoryEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("migration history: %w: %v", ErrCorrupt, err)
	}
	return history, nil
}
