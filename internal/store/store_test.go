package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/internal/types"
)

// stubEngine produces deterministic embeddings so similarity tests do not
// need a live embedding service. Texts sharing a prefix embed close together.
type stubEngine struct {
	dims int
}

func (e *stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for i, r := range text {
		vec[i%e.dims] += float32(r) / 1000
	}
	return vec, nil
}

func (e *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEngine) Dimensions() int { return e.dims }
func (e *stubEngine) Name() string    { return "stub" }

func openTestStore(t *testing.T) *ArtifactStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"), &stubEngine{dims: 8}, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &types.Artifact{
		ID:          "a1",
		Kind:        types.KindFunction,
		Name:        "adder",
		Description: "adds two numbers",
		Content:     "def main(): pass",
		Tags:        []string{"math", "math", "generated"},
		Metadata:    map[string]any{"question": "add 1 and 2"},
	}
	require.NoError(t, s.Store(ctx, a, true))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "adder", got.Name)
	assert.Equal(t, []string{"math", "generated"}, got.Tags, "tags should be deduplicated")
	assert.Equal(t, "add 1 and 2", got.MetaString("question"))
	assert.Len(t, got.Embedding, 8)
}

func TestStoreRejectsDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	a := &types.Artifact{
		ID:        "bad",
		Kind:      types.KindPlan,
		Name:      "bad",
		Embedding: []float32{1, 2, 3},
	}
	err := s.Store(context.Background(), a, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestFindByTags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		require.NoError(t, s.Store(ctx, &types.Artifact{
			ID: id, Kind: types.KindWorkflow, Name: id,
			Tags: []string{"complete", "workflow"},
		}, false))
	}
	require.NoError(t, s.Store(ctx, &types.Artifact{
		ID: "p1", Kind: types.KindPlan, Name: "p1", Tags: []string{"plan"},
	}, false))

	got, err := s.FindByTags(ctx, []string{"complete", "workflow"}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFindSimilarRanksAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &types.Artifact{
		ID: "f1", Kind: types.KindFunction, Name: "write a haiku about autumn",
	}, true))
	require.NoError(t, s.Store(ctx, &types.Artifact{
		ID: "f2", Kind: types.KindFunction, Name: "compute fibonacci numbers quickly",
	}, true))
	require.NoError(t, s.Store(ctx, &types.Artifact{
		ID: "p1", Kind: types.KindPlan, Name: "write a haiku about autumn",
	}, true))

	matches, err := s.FindSimilar(ctx, SimilarQuery{
		Text: "write a haiku about autumn",
		Kind: types.KindFunction,
		K:    2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "f1", matches[0].Artifact.ID)
	for _, m := range matches {
		assert.Equal(t, types.KindFunction, m.Artifact.Kind)
	}
}

func TestFindSimilarMinScoreCut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &types.Artifact{
		ID: "f1", Kind: types.KindFunction, Name: "zzzz completely unrelated",
	}, true))

	matches, err := s.FindSimilar(ctx, SimilarQuery{
		Text: "write a haiku", K: 5, MinScore: 0.999,
	})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindExactScroll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &types.Artifact{
		ID: "w1", Kind: types.KindWorkflow, Name: "w1",
		Tags:     []string{"complete"},
		Metadata: map[string]any{"question": "write a haiku about autumn"},
	}, false))

	got, err := s.FindExact(ctx, types.KindWorkflow, []string{"complete"}, func(a *types.Artifact) bool {
		return a.MetaString("question") == "write a haiku about autumn"
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "w1", got.ID)

	got, err = s.FindExact(ctx, types.KindWorkflow, []string{"complete"}, func(a *types.Artifact) bool {
		return a.MetaString("question") == "something else"
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIncrementUsageMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &types.Artifact{ID: "u1", Kind: types.KindTool, Name: "t"}, false))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementUsage(ctx, "u1"))
	}
	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Usage)

	assert.ErrorIs(t, s.IncrementUsage(ctx, "missing"), ErrNotFound)
}

func TestDeleteAndClearKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &types.Artifact{ID: "d1", Kind: types.KindPlan, Name: "x"}, false))
	require.NoError(t, s.Store(ctx, &types.Artifact{ID: "d2", Kind: types.KindPlan, Name: "y"}, false))
	require.NoError(t, s.Store(ctx, &types.Artifact{ID: "k1", Kind: types.KindTool, Name: "z"}, false))

	require.NoError(t, s.Delete(ctx, "d1"))
	_, err := s.Get(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ClearKind(ctx, types.KindPlan))
	n, err := s.Count(ctx, types.KindPlan)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Count(ctx, types.KindTool)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBlobRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	assert.Equal(t, vec, decodeFloat32Blob(encodeFloat32Blob(vec)))
}

func TestEmbedTextCutsOnRuneBoundary(t *testing.T) {
	// Multi-byte runes straddling the truncation point must not be torn.
	a := &types.Artifact{
		Name:        "doc",
		Description: "notes",
		Content:     strings.Repeat("日", 700),
	}
	got := embedText(a)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), len("doc notes ")+2000)

	short := &types.Artifact{Name: "doc", Description: "notes", Content: "tiny"}
	assert.Equal(t, "doc notes tiny", embedText(short))
}
