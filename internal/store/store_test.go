package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))

	got, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	require.NoError(t, s.Delete(ctx, []byte("a")))
	_, err = s.Get(ctx, []byte("a"))
	require.True(t, errors.Is(err, ErrNotFound))

	// Deleting an absent key is a no-op.
	require.NoError(t, s.Delete(ctx, []byte("a")))
}

func TestBatchAtomicity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := NewBatch()
	b.Put([]byte("x"), []byte("1"))
	b.Put([]byte("y"), []byte("2"))
	b.Delete([]byte("z"))
	require.NoError(t, s.Apply(ctx, b))

	for key, want := range map[string]string{"x": "1", "y": "2"} {
		got, err := s.Get(ctx, []byte(key))
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func TestScanPrefixOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	keys := []string{"task:3", "task:1", "task:2", "link:1", "task"}
	for _, k := range keys {
		require.NoError(t, s.Put(ctx, []byte(k), []byte(k)))
	}

	var got []string
	require.NoError(t, s.Scan(ctx, []byte("task:"), func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	}))
	require.Equal(t, []string{"task:1", "task:2", "task:3"}, got)

	// Early stop.
	got = nil
	require.NoError(t, s.Scan(ctx, []byte("task:"), func(key, value []byte) bool {
		got = append(got, string(key))
		return false
	}))
	require.Equal(t, []string{"task:1"}, got)
}

func TestPrefixSuccessor(t *testing.T) {
	require.Equal(t, []byte("task;"), prefixSuccessor([]byte("task:")))
	require.Equal(t, []byte{0x01}, prefixSuccessor([]byte{0x00, 0xff}))
	require.Nil(t, prefixSuccessor([]byte{0xff, 0xff}))
}

func TestSnapshotIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("old")))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("new")))
	require.NoError(t, s.Put(ctx, []byte("k2"), []byte("v2")))

	got, err := snap.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "old", string(got))

	_, err = snap.Get(ctx, []byte("k2"))
	require.True(t, errors.Is(err, ErrNotFound))

	// The live store sees the new values.
	got, err = s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestStaleLockRecovery(t *testing.T) {
	dir := t.TempDir()

	// A lock held by a certainly-dead PID must be cleared on open.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LOCK"), []byte("99999999\n"), 0644))

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	// A lock held by this live process must refuse a second open.
	_, err = Open(dir, Options{})
	require.Error(t, err)
}

func TestMetricsStoreCleanup(t *testing.T) {
	m, err := OpenMetricsStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	now := mustParse(t, "2026-08-01T12:00:00Z")

	require.NoError(t, m.PutSnapshot(ctx, now.AddDate(0, 0, -40), []byte("old")))
	require.NoError(t, m.PutSnapshot(ctx, now.AddDate(0, 0, -1), []byte("fresh")))
	require.NoError(t, m.PutAggregate(ctx, "day", now.AddDate(0, 0, -120), []byte("old")))
	require.NoError(t, m.PutAggregate(ctx, "day", now.AddDate(0, 0, -10), []byte("fresh")))

	deleted, err := m.Cleanup(ctx, 30*24*time.Hour, 90*24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	count := 0
	require.NoError(t, m.Scan(ctx, nil, func(key, value []byte) bool {
		count++
		return true
	}))
	require.Equal(t, 2, count)
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return parsed
}

func ExampleStore_Scan() {
	dir, _ := os.MkdirTemp("", "meridian-scan")
	defer os.RemoveAll(dir)
	s, _ := Open(dir, Options{})
	defer s.Close()

	ctx := context.Background()
	s.Put(ctx, []byte("episode:1"), []byte("a"))
	s.Put(ctx, []byte("episode:2"), []byte("b"))
	s.Scan(ctx, []byte("episode:"), func(key, value []byte) bool {
		fmt.Printf("%s=%s\n", key, value)
		return true
	})
	// Output:
	// episode:1=a
	// episode:2=b
}
