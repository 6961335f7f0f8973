// Package store implements the semantic artifact store: vector-indexed
// persistence for plans, code, workflows, conversations, and fix patterns,
// with exact-match fast paths and similarity search over sqlite-vec.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"

	"codeforge/internal/embedding"
	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// Sentinel errors surfaced to callers per the error taxonomy.
var (
	// ErrUnavailable indicates the backing database cannot be reached.
	ErrUnavailable = errors.New("artifact store unavailable")
	// ErrSchema indicates an embedding dimension mismatch.
	ErrSchema = errors.New("embedding dimension mismatch")
	// ErrNotFound indicates no artifact exists for the identifier.
	ErrNotFound = errors.New("artifact not found")
)

// ArtifactStore persists artifacts in SQLite with a vec0 ANN index.
// A single write connection serializes concurrent writers.
type ArtifactStore struct {
	db         *sql.DB
	mu         sync.RWMutex
	dbPath     string
	engine     embedding.Engine
	dimensions int
	vectorExt  bool // sqlite-vec vec0 available
}

// Open initializes the store at the given path. The embedding engine may be
// nil; auto-embedding then degrades to storing artifacts without vectors.
func Open(path string, engine embedding.Engine, dimensions int) (*ArtifactStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("initializing artifact store at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma failed: %s: %v", pragma, err)
		}
	}

	if dimensions <= 0 {
		if engine != nil {
			dimensions = engine.Dimensions()
		} else {
			dimensions = 768
		}
	}

	s := &ArtifactStore{db: db, dbPath: path, engine: engine, dimensions: dimensions}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, ANN search enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec unavailable, similarity search falls back to linear scan")
	}
	return s, nil
}

// initialize creates the artifact tables.
func (s *ArtifactStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content     TEXT NOT NULL DEFAULT '',
		tags        TEXT NOT NULL DEFAULT '[]',
		metadata    TEXT NOT NULL DEFAULT '{}',
		embedding   BLOB,
		usage       INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for the vec0 virtual table module and creates
// the ANN index table when available.
func (s *ArtifactStore) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err != nil {
		s.vectorExt = false
		return
	}
	_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")

	query := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_artifacts USING vec0(embedding float[%d], artifact_id TEXT)",
		s.dimensions)
	if _, err := s.db.Exec(query); err != nil {
		logging.Get(logging.CategoryStore).Warn("failed to create vec_artifacts: %v", err)
		s.vectorExt = false
		return
	}
	s.vectorExt = true
}

// Ping verifies the database connection is alive.
func (s *ArtifactStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the database connection.
func (s *ArtifactStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Dimensions returns the configured embedding dimensionality.
func (s *ArtifactStore) Dimensions() int { return s.dimensions }

// embedText is what auto-embedding feeds the engine: name, description,
// and roughly the first 2000 bytes of content, cut on a rune boundary so
// the engine never sees a torn UTF-8 sequence.
func embedText(a *types.Artifact) string {
	content := a.Content
	if len(content) > 2000 {
		cut := 2000
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	return a.Name + " " + a.Description + " " + content
}

// Store upserts an artifact. With autoEmbed and a configured engine, the
// embedding is computed from name + description + content[:2000].
func (s *ArtifactStore) Store(ctx context.Context, a *types.Artifact, autoEmbed bool) error {
	timer := logging.StartTimer(logging.CategoryStore, "Store")
	defer timer.Stop()

	if a.ID == "" {
		return fmt.Errorf("artifact id required")
	}
	if !types.ValidKind(a.Kind) {
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	if autoEmbed && a.Embedding == nil && s.engine != nil {
		vec, err := s.engine.Embed(ctx, embedText(a))
		if err != nil {
			return fmt.Errorf("auto-embed failed: %w", err)
		}
		a.Embedding = vec
	}
	if a.Embedding != nil && len(a.Embedding) != s.dimensions {
		return fmt.Errorf("%w: got %d, store configured for %d", ErrSchema, len(a.Embedding), s.dimensions)
	}

	tags, err := json.Marshal(dedupeTags(a.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	meta, err := json.Marshal(orEmptyMeta(a.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var blob []byte
	if a.Embedding != nil {
		blob = encodeFloat32Blob(a.Embedding)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, kind, name, description, content, tags, metadata, embedding, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			description = excluded.description,
			content = excluded.content,
			tags = excluded.tags,
			metadata = excluded.metadata,
			embedding = excluded.embedding
	`, a.ID, string(a.Kind), a.Name, a.Description, a.Content, string(tags), string(meta), blob, a.Usage, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}

	if blob != nil && s.vectorExt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM vec_artifacts WHERE artifact_id = ?`, a.ID); err != nil {
			logging.StoreDebug("vec index delete failed for %s: %v", a.ID, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO vec_artifacts (embedding, artifact_id) VALUES (?, ?)`, blob, a.ID); err != nil {
			logging.Get(logging.CategoryStore).Warn("vec index insert failed for %s: %v", a.ID, err)
		}
	}

	logging.StoreDebug("stored artifact id=%s kind=%s embedded=%v", a.ID, a.Kind, blob != nil)
	return nil
}

// Get returns a single artifact by identifier.
func (s *ArtifactStore) Get(ctx context.Context, id string) (*types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, description, content, tags, metadata, embedding, usage, created_at
		FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

// SimilarQuery parameterizes FindSimilar.
type SimilarQuery struct {
	Text     string
	Kind     types.ArtifactKind // optional filter
	Tags     []string           // optional; all must be present
	K        int
	MinScore float64
}

// Match pairs an artifact with its similarity score.
type Match struct {
	Artifact *types.Artifact
	Score    float64
}

// FindSimilar embeds the query text and returns the top-k artifacts by
// cosine similarity, dropping results below MinScore.
func (s *ArtifactStore) FindSimilar(ctx context.Context, q SimilarQuery) ([]Match, error) {
	timer := logging.StartTimer(logging.CategoryStore, "FindSimilar")
	defer timer.Stop()

	if s.engine == nil {
		return nil, fmt.Errorf("no embedding engine configured")
	}
	if q.K <= 0 {
		q.K = 5
	}

	queryVec, err := s.engine.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("query embed failed: %w", err)
	}
	if len(queryVec) != s.dimensions {
		return nil, fmt.Errorf("%w: query dim %d, store dim %d", ErrSchema, len(queryVec), s.dimensions)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Over-fetch to leave room for the kind/tag post-filter.
	fetch := q.K * 4
	var matches []Match
	if s.vectorExt {
		matches, err = s.searchVec(ctx, queryVec, fetch)
	} else {
		matches, err = s.searchLinear(ctx, queryVec, fetch)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Match, 0, q.K)
	for _, m := range matches {
		if q.Kind != "" && m.Artifact.Kind != q.Kind {
			continue
		}
		if !hasAllTags(m.Artifact, q.Tags) {
			continue
		}
		if m.Score < q.MinScore {
			continue
		}
		out = append(out, m)
		if len(out) == q.K {
			break
		}
	}
	logging.StoreDebug("FindSimilar returned %d/%d matches", len(out), len(matches))
	return out, nil
}

// searchVec uses the vec0 ANN index; cosine distance is converted to
// similarity as 1 - distance.
func (s *ArtifactStore) searchVec(ctx context.Context, queryVec []float32, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.kind, a.name, a.description, a.content, a.tags, a.metadata, a.embedding, a.usage, a.created_at,
		       vec_distance_cosine(v.embedding, ?) AS distance
		FROM vec_artifacts v
		JOIN artifacts a ON a.id = v.artifact_id
		ORDER BY distance ASC
		LIMIT ?`, encodeFloat32Blob(queryVec), k)
	if err != nil {
		return nil, fmt.Errorf("ann search failed: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		a, dist, err := scanArtifactWithDistance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, Match{Artifact: a, Score: 1 - dist})
	}
	return out, rows.Err()
}

// searchLinear is the fallback when vec0 is unavailable: scan embedded
// artifacts and rank in Go.
func (s *ArtifactStore) searchLinear(ctx context.Context, queryVec []float32, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, description, content, tags, metadata, embedding, usage, created_at
		FROM artifacts WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("linear scan failed: %w", err)
	}
	defer rows.Close()

	var artifacts []*types.Artifact
	var vectors [][]float32
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
		vectors = append(vectors, a.Embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top := embedding.FindTopK(queryVec, vectors, k)
	out := make([]Match, 0, len(top))
	for _, r := range top {
		out = append(out, Match{Artifact: artifacts[r.Index], Score: r.Similarity})
	}
	return out, nil
}

// FindByTags returns artifacts carrying all the given tags, newest first.
func (s *ArtifactStore) FindByTags(ctx context.Context, tags []string, limit int) ([]*types.Artifact, error) {
	timer := logging.StartTimer(logging.CategoryStore, "FindByTags")
	defer timer.Stop()

	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, description, content, tags, metadata, embedding, usage, created_at
		FROM artifacts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("tag query failed: %w", err)
	}
	defer rows.Close()

	var out []*types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		if hasAllTags(a, tags) {
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, rows.Err()
}

// FindExact iterates a tag-filtered scroll over one kind, applying the
// caller's predicate. No vector query is involved; this backs the
// exact-match fast path.
func (s *ArtifactStore) FindExact(ctx context.Context, kind types.ArtifactKind, tags []string, predicate func(*types.Artifact) bool) (*types.Artifact, error) {
	timer := logging.StartTimer(logging.CategoryStore, "FindExact")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	const batch = 100
	offset := 0
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, kind, name, description, content, tags, metadata, embedding, usage, created_at
			FROM artifacts WHERE kind = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			string(kind), batch, offset)
		if err != nil {
			return nil, fmt.Errorf("scroll failed: %w", err)
		}

		count := 0
		for rows.Next() {
			a, err := scanArtifact(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			count++
			if !hasAllTags(a, tags) {
				continue
			}
			if predicate == nil || predicate(a) {
				rows.Close()
				return a, nil
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		if count < batch {
			return nil, nil
		}
		offset += batch
	}
}

// IncrementUsage bumps the usage counter. The counter is monotonic.
func (s *ArtifactStore) IncrementUsage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET usage = usage + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes an artifact and its vector index entry synchronously.
func (s *ArtifactStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vectorExt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM vec_artifacts WHERE artifact_id = ?`, id); err != nil {
			logging.StoreDebug("vec index delete failed for %s: %v", id, err)
		}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ClearKind removes every artifact of one kind.
func (s *ArtifactStore) ClearKind(ctx context.Context, kind types.ArtifactKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vectorExt {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM vec_artifacts WHERE artifact_id IN (SELECT id FROM artifacts WHERE kind = ?)`,
			string(kind)); err != nil {
			logging.StoreDebug("vec index clear failed for kind %s: %v", kind, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE kind = ?`, string(kind)); err != nil {
		return fmt.Errorf("failed to clear kind %s: %w", kind, err)
	}
	logging.Store("cleared kind %s", kind)
	return nil
}

// Count returns the number of artifacts, optionally restricted to a kind.
func (s *ArtifactStore) Count(ctx context.Context, kind types.ArtifactKind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE kind = ?`, string(kind)).Scan(&n)
	}
	return n, err
}

// rowScanner abstracts sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*types.Artifact, error) {
	var a types.Artifact
	var kind, tags, meta string
	var blob []byte
	if err := row.Scan(&a.ID, &kind, &a.Name, &a.Description, &a.Content, &tags, &meta, &blob, &a.Usage, &a.CreatedAt); err != nil {
		return nil, err
	}
	return finishArtifact(&a, kind, tags, meta, blob)
}

func scanArtifactWithDistance(row rowScanner) (*types.Artifact, float64, error) {
	var a types.Artifact
	var kind, tags, meta string
	var blob []byte
	var dist float64
	if err := row.Scan(&a.ID, &kind, &a.Name, &a.Description, &a.Content, &tags, &meta, &blob, &a.Usage, &a.CreatedAt, &dist); err != nil {
		return nil, 0, err
	}
	out, err := finishArtifact(&a, kind, tags, meta, blob)
	return out, dist, err
}

func finishArtifact(a *types.Artifact, kind, tags, meta string, blob []byte) (*types.Artifact, error) {
	a.Kind = types.ArtifactKind(kind)
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s: %w", a.ID, err)
	}
	if len(blob) > 0 {
		a.Embedding = decodeFloat32Blob(blob)
	}
	return a, nil
}

func hasAllTags(a *types.Artifact, tags []string) bool {
	for _, t := range tags {
		if !a.HasTag(t) {
			return false
		}
	}
	return true
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
