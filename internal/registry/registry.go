// Package registry manages the on-disk node catalog and node execution.
// Each node is a directory under nodes/ holding its code, tests,
// interface manifest, and specification; the flat catalog lives in
// registry/index.json.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// ErrNodeNotFound is returned for unknown node identifiers.
var ErrNodeNotFound = errors.New("node not found")

// ErrNodeExists is returned when registering an id that is already taken.
var ErrNodeExists = errors.New("node already registered")

// NodeFiles is the content written into a node directory at registration.
// Main and Tests are required; the rest are optional extras.
type NodeFiles struct {
	Main          string // main.py
	Tests         string // test_main.py
	Specification string // specification.md
	Feature       string // <id>.feature, behaviour description
	LoadTest      string // locust_<id>.py
}

// Registry is the node catalog. All mutations rewrite index.json
// atomically; node directories are created atomically via temp+rename.
type Registry struct {
	mu    sync.RWMutex
	root  string // workspace root
	nodes map[string]*types.Node
}

// Paths derived from the workspace root.
func (r *Registry) indexPath() string    { return filepath.Join(r.root, "registry", "index.json") }
func (r *Registry) nodesDir() string     { return filepath.Join(r.root, "nodes") }
func (r *Registry) NodeDir(id string) string { return filepath.Join(r.nodesDir(), id) }

// ShimDir is where the tool-invocation shim lives; the runner puts it on
// the child's import path.
func (r *Registry) ShimDir() string { return filepath.Join(r.root, "shim") }

// Open loads (or initializes) the catalog rooted at workspace.
func Open(workspace string) (*Registry, error) {
	r := &Registry{root: workspace, nodes: make(map[string]*types.Node)}
	if err := os.MkdirAll(r.nodesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create nodes directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.indexPath()), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryRegistry).Info("registry open: %d nodes at %s", len(r.nodes), r.root)
	return r, nil
}

type indexDocument struct {
	Version int           `json:"version"`
	Nodes   []*types.Node `json:"nodes"`
}

// Reload re-reads index.json, replacing the in-memory catalog. Called at
// open and by the watcher when the index changes on disk.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.nodes = make(map[string]*types.Node)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read index: %w", err)
	}
	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("corrupt index %s: %w", r.indexPath(), err)
	}

	nodes := make(map[string]*types.Node, len(doc.Nodes))
	for _, n := range doc.Nodes {
		nodes[n.ID] = n
	}
	r.mu.Lock()
	r.nodes = nodes
	r.mu.Unlock()
	return nil
}

// saveLocked rewrites index.json atomically. Caller holds r.mu.
func (r *Registry) saveLocked() error {
	doc := indexDocument{Version: 1, Nodes: make([]*types.Node, 0, len(r.nodes))}
	for _, n := range r.nodes {
		doc.Nodes = append(doc.Nodes, n)
	}
	sort.Slice(doc.Nodes, func(i, j int) bool { return doc.Nodes[i].ID < doc.Nodes[j].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	tmp := r.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return os.Rename(tmp, r.indexPath())
}

// Register creates the node directory atomically and adds the catalog
// entry. The directory is fully staged under a temp name, fsynced, and
// renamed into place so readers never see a partial node.
func (r *Registry) Register(id string, iface types.InterfaceManifest, tags []string, score types.NodeScore, files NodeFiles) (*types.Node, error) {
	timer := logging.StartTimer(logging.CategoryRegistry, "Register")
	defer timer.Stop()

	if id == "" || strings.ContainsAny(id, "/\\") {
		return nil, fmt.Errorf("invalid node id %q", id)
	}
	if files.Main == "" {
		return nil, fmt.Errorf("node %s: main code required", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, id)
	}

	final := r.NodeDir(id)
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("%w: directory %s exists", ErrNodeExists, final)
	}

	ifaceJSON, err := json.MarshalIndent(&iface, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal interface: %w", err)
	}

	staged := map[string]string{
		"main.py":          files.Main,
		"test_main.py":     files.Tests,
		"interface.json":   string(ifaceJSON),
		"specification.md": files.Specification,
	}
	if files.Feature != "" {
		staged[id+".feature"] = files.Feature
	}
	if files.LoadTest != "" {
		staged["locust_"+id+".py"] = files.LoadTest
	}

	tmp, err := os.MkdirTemp(r.nodesDir(), "."+id+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage node dir: %w", err)
	}
	defer os.RemoveAll(tmp) // no-op after successful rename
	if err := os.Chmod(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("failed to chmod staging dir: %w", err)
	}

	for name, content := range staged {
		if content == "" && name != "test_main.py" && name != "specification.md" {
			continue
		}
		if err := writeFileSync(filepath.Join(tmp, name), []byte(content)); err != nil {
			return nil, err
		}
	}
	if err := syncDir(tmp); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("failed to finalize node dir: %w", err)
	}

	node := &types.Node{
		ID:          id,
		Version:     "1",
		ContentHash: contentHash(files.Main),
		Interface:   iface,
		Tags:        tags,
		Score:       score,
		CreatedAt:   time.Now().UTC(),
	}
	r.nodes[id] = node
	if err := r.saveLocked(); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryRegistry).Info("registered node %s (op=%s, inputs=%v)", id, iface.OperationType, iface.Inputs)
	cp := *node
	return &cp, nil
}

// Get returns a node by id.
func (r *Registry) Get(id string) (*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	cp := *n
	return &cp, nil
}

// List returns all nodes sorted by id.
func (r *Registry) List() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateScore replaces a node's score vector.
func (r *Registry) UpdateScore(id string, score types.NodeScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.Score = score
	return r.saveLocked()
}

// Delete removes the catalog entry and the node directory.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	delete(r.nodes, id)
	if err := r.saveLocked(); err != nil {
		return err
	}
	if err := os.RemoveAll(r.NodeDir(id)); err != nil {
		return fmt.Errorf("failed to remove node dir: %w", err)
	}
	logging.Get(logging.CategoryRegistry).Info("deleted node %s", id)
	return nil
}

// MainPath returns the node's entrypoint path.
func (r *Registry) MainPath(id string) string {
	return filepath.Join(r.NodeDir(id), "main.py")
}

func contentHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:8])
}

// writeFileSync writes and fsyncs a file so the later rename publishes
// durable content.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir %s: %w", dir, err)
	}
	return nil
}
