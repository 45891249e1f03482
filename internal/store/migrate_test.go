package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordV2 struct {
	SchemaVersion int    `json:"schema_version"`
	Title         string `json:"title"`
}

type recordV3 struct {
	SchemaVersion int    `json:"schema_version"`
	Title         string `json:"title"`
	Tags          []int  `json:"tags"`
}

func upgradeV2ToV3(old []byte) ([]byte, error) {
	var r2 recordV2
	if err := json.Unmarshal(old, &r2); err != nil {
		return nil, err
	}
	return json.Marshal(recordV3{SchemaVersion: 3, Title: r2.Title, Tags: []int{}})
}

func TestMigrationChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, _ := json.Marshal(recordV2{SchemaVersion: 2, Title: fmt.Sprintf("t%d", i)})
		require.NoError(t, s.Put(ctx, []byte(fmt.Sprintf("task:%d", i)), data))
	}

	m := NewMigrator(s, 3, []Migration{
		{From: 2, To: 3, Prefix: []byte("task:"), Transform: upgradeV2ToV3},
	})
	require.NoError(t, s.Put(ctx, schemaVersionKey, []byte("2")))
	require.NoError(t, m.EnsureCurrent(ctx))

	v, err := m.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, v)

	raw, err := s.Get(ctx, []byte("task:0"))
	require.NoError(t, err)
	var r3 recordV3
	require.NoError(t, json.Unmarshal(raw, &r3))
	require.Equal(t, 3, r3.SchemaVersion)

	history, err := m.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "ok", history[0].Status)
}

func TestMigrationRollbackOnFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, _ := json.Marshal(recordV2{SchemaVersion: 2, Title: fmt.Sprintf("t%d", i)})
		require.NoError(t, s.Put(ctx, []byte(fmt.Sprintf("task:%d", i)), data))
	}
	require.NoError(t, s.Put(ctx, schemaVersionKey, []byte("2")))

	calls := 0
	failing := Migration{From: 2, To: 3, Prefix: []byte("task:"), Transform: func(old []byte) ([]byte, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("boom")
		}
		return upgradeV2ToV3(old)
	}}

	m := NewMigrator(s, 3, []Migration{failing})
	err := m.EnsureCurrent(ctx)
	require.Error(t, err)

	// Version unchanged, every task still at v2.
	v, verr := m.SchemaVersion(ctx)
	require.NoError(t, verr)
	require.Equal(t, 2, v)
	for i := 0; i < 3; i++ {
		raw, gerr := s.Get(ctx, []byte(fmt.Sprintf("task:%d", i)))
		require.NoError(t, gerr)
		var r2 recordV2
		require.NoError(t, json.Unmarshal(raw, &r2))
		require.Equal(t, 2, r2.SchemaVersion)
	}

	// A pre-migration backup prefix is present.
	backups := 0
	require.NoError(t, s.Scan(ctx, []byte(backupKeyPrefix), func(key, value []byte) bool {
		require.True(t, strings.Contains(string(key), ":task:"))
		backups++
		return true
	}))
	require.Equal(t, 3, backups)

	// The failed step is in history.
	history, herr := m.History(ctx)
	require.NoError(t, herr)
	require.Len(t, history, 1)
	require.Equal(t, "failed", history[0].Status)
}

func TestRefuseNewerSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, schemaVersionKey, []byte("9")))
	m := NewMigrator(s, 3, nil)
	err := m.EnsureCurrent(ctx)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestMissingMigrationStepIsFatal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, schemaVersionKey, []byte("1")))
	m := NewMigrator(s, 3, []Migration{
		{From: 2, To: 3, Prefix: []byte("task:"), Transform: upgradeV2ToV3},
	})
	err := m.EnsureCurrent(ctx)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestMigrationIdempotence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data, _ := json.Marshal(recordV2{SchemaVersion: 2, Title: "x"})
	require.NoError(t, s.Put(ctx, []byte("task:1"), data))
	require.NoError(t, s.Put(ctx, schemaVersionKey, []byte("2")))

	m := NewMigrator(s, 3, []Migration{
		{From: 2, To: 3, Prefix: []byte("task:"), Transform: upgradeV2ToV3},
	})
	require.NoError(t, m.EnsureCurrent(ctx))
	after1, err := s.Get(ctx, []byte("task:1"))
	require.NoError(t, err)

	// Second run sees the target version and changes nothing.
	require.NoError(t, m.EnsureCurrent(ctx))
	after2, err := s.Get(ctx, []byte("task:1"))
	require.NoError(t, err)
	require.Equal(t, after1, after2)
}
