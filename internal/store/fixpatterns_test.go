package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/internal/types"
)

func TestFixLibraryRecordAndLookup(t *testing.T) {
	s := openTestStore(t)
	lib := NewFixLibrary(s)
	ctx := context.Background()

	good := &types.FixPattern{
		ErrorType:       types.ErrImport,
		MessageFragment: "no module named forge_tools",
		BrokenSnippet:   "import forge_tools",
		FixedSnippet:    "import sys, os\nsys.path.insert(0, os.environ.get('FORGE_SHIM', '.'))\nimport forge_tools",
		Description:     "insert path setup before shim import",
	}
	require.NoError(t, lib.Record(ctx, good, true))
	require.NoError(t, lib.Record(ctx, good, true))
	require.NoError(t, lib.Record(ctx, good, false))

	weak := &types.FixPattern{
		ErrorType:       types.ErrImport,
		MessageFragment: "no module named numpy",
		FixedSnippet:    "import numpy",
	}
	require.NoError(t, lib.Record(ctx, weak, false))

	results, err := lib.Lookup(ctx, "ModuleNotFoundError: No module named forge_tools", types.ErrImport, "")
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Highest success rate first.
	assert.Equal(t, good.ID, results[0].Pattern.ID)
	assert.InDelta(t, 2.0/3.0, results[0].Pattern.SuccessRate(), 1e-9)
	// The matching fragment scores higher than a same-type miss.
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.5, results[1].Score, 1e-9)
}

func TestFixLibraryCountersAccumulate(t *testing.T) {
	s := openTestStore(t)
	lib := NewFixLibrary(s)
	ctx := context.Background()

	p := &types.FixPattern{ErrorType: types.ErrSyntax, MessageFragment: "invalid syntax"}
	require.NoError(t, lib.Record(ctx, p, true))

	// Re-record through a fresh struct with the same id: counters must merge.
	again := &types.FixPattern{ID: p.ID, ErrorType: types.ErrSyntax, MessageFragment: "invalid syntax"}
	require.NoError(t, lib.Record(ctx, again, true))

	results, err := lib.Lookup(ctx, "invalid syntax", types.ErrSyntax, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].Pattern.Successes)
	assert.Zero(t, results[0].Pattern.Failures)
}

func TestFixLibraryLookupFiltersByType(t *testing.T) {
	s := openTestStore(t)
	lib := NewFixLibrary(s)
	ctx := context.Background()

	require.NoError(t, lib.Record(ctx, &types.FixPattern{ErrorType: types.ErrSyntax}, true))

	results, err := lib.Lookup(ctx, "anything", types.ErrRuntime, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}
