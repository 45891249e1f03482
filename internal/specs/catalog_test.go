package specs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

const sampleSpec = `---
id: storage-layer
title: Storage Layer
tags: [storage]
---
# Overview

The storage layer persists everything.

## Keys

Keys are ordered byte strings. See [[retrieval]].

## Batches

Batches apply atomically.
`

func TestCatalogListAndStructure(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "storage.md", sampleSpec)
	writeSpec(t, dir, "retrieval.md", "---\nid: retrieval\n---\n# Retrieval\n\nBudgeted.\n")

	c, err := NewCatalog(dir)
	require.NoError(t, err)

	all := c.List()
	require.Len(t, all, 2)
	require.Equal(t, "retrieval", all[0].Name)
	require.Equal(t, "storage-layer", all[1].Frontmatter.ID)

	sections, err := c.GetStructure("storage")
	require.NoError(t, err)
	require.Len(t, sections, 3)
	require.Equal(t, "Overview", sections[0].Heading)
	require.Equal(t, 1, sections[0].Level)
	require.Equal(t, 2, sections[1].Level)

	sec, err := c.GetSection("storage", "batches")
	require.NoError(t, err)
	require.Contains(t, sec.Body, "atomically")

	_, err = c.GetSection("storage", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogSearch(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "storage.md", sampleSpec)

	c, err := NewCatalog(dir)
	require.NoError(t, err)

	hits := c.Search("ordered byte")
	require.Len(t, hits, 1)
	require.Equal(t, "Keys", hits[0].Heading)

	require.Empty(t, c.Search("no such phrase"))
}

func TestCatalogValidate(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "storage.md", sampleSpec) // references [[retrieval]] which is absent
	writeSpec(t, dir, "noid.md", "# No Frontmatter\n\nBody.\n")

	c, err := NewCatalog(dir)
	require.NoError(t, err)

	issues := c.Validate()
	require.Len(t, issues, 2)
	require.Equal(t, "noid", issues[0].Spec)
	require.Contains(t, issues[1].Problem, "[[retrieval]]")

	require.True(t, c.Exists("storage"))
	require.False(t, c.Exists("retrieval"))
}

func TestMissingDirIsEmptyCatalog(t *testing.T) {
	c, err := NewCatalog(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Empty(t, c.List())
}
