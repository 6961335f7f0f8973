package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/internal/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	return r
}

func sampleIface() types.InterfaceManifest {
	return types.InterfaceManifest{
		Inputs:        []string{"input"},
		Outputs:       []string{"result"},
		OperationType: types.OpGenerator,
		Description:   "adds numbers found in the request",
	}
}

func TestRegisterCreatesNodeDirAndIndex(t *testing.T) {
	r := openTestRegistry(t)

	node, err := r.Register("adder", sampleIface(), []string{"math"}, types.NodeScore{Composite: 0.9}, NodeFiles{
		Main:          "print('hi')",
		Tests:         "def test_ok(): pass",
		Specification: "# adder",
		Feature:       "Feature: adder",
	})
	require.NoError(t, err)
	assert.Equal(t, "adder", node.ID)
	assert.NotEmpty(t, node.ContentHash)

	dir := r.NodeDir("adder")
	for _, name := range []string{"main.py", "test_main.py", "interface.json", "specification.md", "adder.feature"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "missing %s", name)
	}

	// interface.json round-trips the manifest.
	data, err := os.ReadFile(filepath.Join(dir, "interface.json"))
	require.NoError(t, err)
	var iface types.InterfaceManifest
	require.NoError(t, json.Unmarshal(data, &iface))
	assert.Equal(t, sampleIface(), iface)

	// No staging leftovers.
	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "staging dir leaked: %s", e.Name())
	}
}

func TestRegisterRejectsDuplicateAndBadIDs(t *testing.T) {
	r := openTestRegistry(t)

	_, err := r.Register("dup", sampleIface(), nil, types.NodeScore{}, NodeFiles{Main: "pass"})
	require.NoError(t, err)
	_, err = r.Register("dup", sampleIface(), nil, types.NodeScore{}, NodeFiles{Main: "pass"})
	assert.ErrorIs(t, err, ErrNodeExists)

	_, err = r.Register("../escape", sampleIface(), nil, types.NodeScore{}, NodeFiles{Main: "pass"})
	assert.Error(t, err)
	_, err = r.Register("nomain", sampleIface(), nil, types.NodeScore{}, NodeFiles{})
	assert.Error(t, err)
}

func TestIndexSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	r1, err := Open(root)
	require.NoError(t, err)
	_, err = r1.Register("persist", sampleIface(), []string{"t"}, types.NodeScore{Correctness: 1}, NodeFiles{Main: "pass"})
	require.NoError(t, err)

	r2, err := Open(root)
	require.NoError(t, err)
	node, err := r2.Get("persist")
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, node.Tags)
	assert.Equal(t, 1.0, node.Score.Correctness)
}

func TestUpdateScoreAndDelete(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Register("scored", sampleIface(), nil, types.NodeScore{}, NodeFiles{Main: "pass"})
	require.NoError(t, err)

	require.NoError(t, r.UpdateScore("scored", types.NodeScore{Correctness: 1, Composite: 0.8}))
	node, err := r.Get("scored")
	require.NoError(t, err)
	assert.Equal(t, 0.8, node.Score.Composite)

	require.NoError(t, r.Delete("scored"))
	_, err = r.Get("scored")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, statErr := os.Stat(r.NodeDir("scored"))
	assert.True(t, os.IsNotExist(statErr))

	assert.ErrorIs(t, r.Delete("scored"), ErrNodeNotFound)
	assert.ErrorIs(t, r.UpdateScore("scored", types.NodeScore{}), ErrNodeNotFound)
}

func TestListSortedByID(t *testing.T) {
	r := openTestRegistry(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Register(id, sampleIface(), nil, types.NodeScore{}, NodeFiles{Main: "pass"})
		require.NoError(t, err)
	}
	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "mid", list[1].ID)
	assert.Equal(t, "zeta", list[2].ID)
}

func TestWatcherReloadsOnExternalIndexChange(t *testing.T) {
	r := openTestRegistry(t)
	w, err := NewWatcher(r, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	// Simulate another process replacing index.json atomically.
	doc := indexDocument{Version: 1, Nodes: []*types.Node{{ID: "external", Interface: sampleIface()}}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	tmp := r.indexPath() + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, r.indexPath()))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("external"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never picked up the external index change")
}
