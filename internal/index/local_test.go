package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/store"
)

func openTestIndex(t *testing.T) (*LocalIndex, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	idx, err := NewLocalIndex(context.Background(), s, "proj1", nil)
	require.NoError(t, err)
	return idx, s
}

func testSymbol(id, name, kind string) Symbol {
	return Symbol{
		ID:        id,
		Name:      name,
		Kind:      kind,
		Signature: fmt.Sprintf("func %s()", name),
		File:      "pkg/" + name + ".go",
		StartLine: 1,
		EndLine:   10,
		Doc:       name + " does a thing",
		Body:      "return nil",
		TokenCost: 120,
	}
}

func TestUpsertSearchRoundTrip(t *testing.T) {
	idx, s := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, testSymbol("s1", "ParseConfig", "function")))
	require.NoError(t, idx.Upsert(ctx, testSymbol("s2", "WriteConfig", "function")))
	require.NoError(t, idx.Upsert(ctx, testSymbol("s3", "Unrelated", "type")))

	got, err := idx.SearchSymbols(ctx, "config", Filters{}, DetailSkeleton, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Skeleton level strips location and body.
	require.Empty(t, got[0].File)
	require.Empty(t, got[0].Body)

	// A reopened index sees the persisted symbols.
	idx2, err := NewLocalIndex(ctx, s, "proj1", nil)
	require.NoError(t, err)
	require.Equal(t, 3, idx2.Count())
}

func TestSearchHonoursTokenBudget(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		sym := testSymbol(fmt.Sprintf("s%d", i), fmt.Sprintf("Handler%d", i), "function")
		require.NoError(t, idx.Upsert(ctx, sym))
	}

	got, err := idx.SearchSymbols(ctx, "handler", Filters{}, DetailImplementation, 10, 300)
	require.NoError(t, err)

	total := 0
	for _, sym := range got {
		total += symbolTokenCost(sym)
	}
	require.LessOrEqual(t, total, 300)
	require.Less(t, len(got), 10)
}

func TestApplyDetailLevels(t *testing.T) {
	sym := testSymbol("s1", "Thing", "function")
	sym.References = []string{"r1"}
	sym.Dependencies = []string{"d1"}

	skel := ApplyDetailLevel(sym, DetailSkeleton)
	require.Equal(t, sym.Signature, skel.Signature)
	require.Empty(t, skel.Doc)
	require.Empty(t, skel.Body)
	require.Empty(t, skel.References)

	iface := ApplyDetailLevel(sym, DetailInterface)
	require.Equal(t, sym.Doc, iface.Doc)
	require.Empty(t, iface.Body)

	impl := ApplyDetailLevel(sym, DetailImplementation)
	require.Equal(t, sym.Body, impl.Body)
	require.Empty(t, impl.References)

	full := ApplyDetailLevel(sym, DetailFull)
	require.Equal(t, sym.References, full.References)

	// Filtering never adds information back.
	again := ApplyDetailLevel(skel, DetailFull)
	require.Empty(t, again.Body)
}

func TestFindReferences(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()

	target := testSymbol("t", "Target", "function")
	target.References = []string{"c1", "c2"}
	require.NoError(t, idx.Upsert(ctx, target))
	require.NoError(t, idx.Upsert(ctx, testSymbol("c1", "CallerOne", "function")))
	require.NoError(t, idx.Upsert(ctx, testSymbol("c2", "CallerTwo", "function")))

	refs, err := idx.FindReferences(ctx, "t")
	require.NoError(t, err)
	require.Len(t, refs, 2)
}

func TestRegistryContentHashID(t *testing.T) {
	_, s := openTestIndex(t)
	ctx := context.Background()
	reg := NewRegistry(s)

	manifest := []byte(`{"name":"demo","deps":["a"]}`)
	id := ProjectID(manifest)
	require.Equal(t, id, ProjectID(manifest)) // stable

	p := Project{FullID: id, Name: "demo", RootPath: "/src/demo"}
	require.NoError(t, reg.Register(ctx, p))

	byPath, err := reg.FindByPath(ctx, "/src/demo")
	require.NoError(t, err)
	require.Equal(t, id, byPath.FullID)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
