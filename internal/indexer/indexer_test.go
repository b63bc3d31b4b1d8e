package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsearch/internal/config"
	"docsearch/internal/embedding"
	"docsearch/internal/enhance"
	"docsearch/internal/models"
	"docsearch/internal/vectorindex"
)

// fakeEmbedder is a deterministic bag-of-words embedder: one dimension per
// vocabulary term, normalized. Good enough to make semantically close texts
// rank close.
type fakeEmbedder struct {
	vocab []string
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vocab: []string{
		"database", "optimization", "backup", "cache", "index", "query", "storage", "latency",
	}}
}

func (f *fakeEmbedder) Dim() int { return len(f.vocab) }

func (f *fakeEmbedder) embed(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, len(f.vocab))
	for i, term := range f.vocab {
		v[i] = float32(strings.Count(lower, term))
	}
	embedding.Normalize(v)
	return v
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.embed(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, query string) ([]float32, error) {
	return f.embed(query), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	return cfg
}

func openTestIndexer(t *testing.T, cfg *config.Config) *Indexer {
	t.Helper()
	ix, err := Open(context.Background(), "default",
		filepath.Join(cfg.DataDir, "collections", "default"), cfg, newFakeEmbedder())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

// testDocumentFile writes a markdown file with ten sections; the first talks
// about database optimization, the tenth about database backup.
func testDocumentFile(t *testing.T, dir, name string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("# Tuning\n\ndatabase optimization is the art of making queries fast\n\n")
	for i := 2; i <= 9; i++ {
		fmt.Fprintf(&b, "# Filler %d\n\nnothing of note in part %d\n\n", i, i)
	}
	b.WriteString("# Recovery\n\ndatabase backup keeps your data safe\n")

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestIdempotentIngest(t *testing.T) {
	cfg := testConfig(t)
	ix := openTestIndexer(t, cfg)
	ctx := context.Background()
	path := testDocumentFile(t, t.TempDir(), "guide.md")

	first, err := ix.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 10, first.TotalPages)
	assert.Equal(t, 10, first.TotalChunks)
	assert.Len(t, first.DocumentID, models.DocumentIDLength)

	second, err := ix.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DocumentID, second.DocumentID)

	total, err := ix.TotalChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, total)
}

func TestConcurrentDuplicateIngest(t *testing.T) {
	cfg := testConfig(t)
	ix := openTestIndexer(t, cfg)
	ctx := context.Background()
	path := testDocumentFile(t, t.TempDir(), "guide.md")

	const uploads = 8
	infos := make([]models.DocumentInfo, uploads)
	errs := make([]error, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			infos[i], errs[i] = ix.IndexDocument(ctx, path, "guide.md")
		}(i)
	}
	wg.Wait()

	// exactly one upload wins; the rest degrade to the duplicate no-op
	winners := 0
	for i := 0; i < uploads; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, infos[0].DocumentID, infos[i].DocumentID)
		if !infos[i].Duplicate {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	total, err := ix.TotalChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, total)
}

func TestEndToEndScenario(t *testing.T) {
	cfg := testConfig(t)
	ix := openTestIndexer(t, cfg)
	ctx := context.Background()
	path := testDocumentFile(t, t.TempDir(), "guide.md")

	info, err := ix.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)

	resp, err := ix.Search(ctx, SearchRequest{Query: "database optimization", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	// the first-page chunk ranks strictly above the tenth-page chunk
	assert.Equal(t, 1, resp.Results[0].PageNumber)
	assert.Equal(t, "guide.md", resp.Results[0].Filename)
	var backupRank = -1
	for i, r := range resp.Results {
		if r.PageNumber == 10 {
			backupRank = i
		}
	}
	require.GreaterOrEqual(t, backupRank, 1)
	assert.Less(t, resp.Results[backupRank].SimilarityScore, resp.Results[0].SimilarityScore)

	removed, err := ix.DeleteDocument(ctx, info.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, 10, removed)

	resp, err = ix.Search(ctx, SearchRequest{Query: "database optimization", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestDeletionCompleteness(t *testing.T) {
	cfg := testConfig(t)
	ix := openTestIndexer(t, cfg)
	ctx := context.Background()
	dir := t.TempDir()

	keepPath := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(keepPath, []byte("query latency and cache storage"), 0o644))
	keep, err := ix.IndexDocument(ctx, keepPath, "keep.txt")
	require.NoError(t, err)

	dropPath := testDocumentFile(t, dir, "drop.md")
	drop, err := ix.IndexDocument(ctx, dropPath, "drop.md")
	require.NoError(t, err)

	before, err := ix.TotalChunks(ctx)
	require.NoError(t, err)

	removed, err := ix.DeleteDocument(ctx, drop.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, drop.TotalChunks, removed)

	after, err := ix.TotalChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, before-removed, after)

	resp, err := ix.Search(ctx, SearchRequest{Query: "database backup", TopK: 10})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, drop.DocumentID, r.DocumentID)
	}

	// the kept document is untouched
	docs, err := ix.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, keep.DocumentID, docs[0].DocumentID)
}

func TestDeleteUnknownDocument(t *testing.T) {
	cfg := testConfig(t)
	ix := openTestIndexer(t, cfg)

	removed, err := ix.DeleteDocument(context.Background(), "ffffffffffffffff")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSearchEmptyQuery(t *testing.T) {
	cfg := testConfig(t)
	ix := openTestIndexer(t, cfg)

	_, err := ix.Search(context.Background(), SearchRequest{Query: ""})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestGracefulAIDegradation(t *testing.T) {
	cfg := testConfig(t)
	ix := openTestIndexer(t, cfg)
	ctx := context.Background()
	path := testDocumentFile(t, t.TempDir(), "guide.md")
	_, err := ix.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)

	baseline, err := ix.Search(ctx, SearchRequest{Query: "database optimization", TopK: 3})
	require.NoError(t, err)

	// an openai provider without a key always fails to construct
	enhanced, err := ix.Search(ctx, SearchRequest{
		Query: "database optimization",
		TopK:  3,
		Enhance: &enhance.Options{
			Rerank:    true,
			Providers: []enhance.ProviderSpec{{Kind: enhance.KindOpenAI}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, baseline.Results, enhanced.Results)
	require.Len(t, enhanced.Enhancements, 1)
	assert.Equal(t, enhance.KindOpenAI, enhanced.Enhancements[0].Provider)
	assert.NotEmpty(t, enhanced.Enhancements[0].Err)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	dir := filepath.Join(cfg.DataDir, "collections", "default")

	ix, err := Open(ctx, "default", dir, cfg, newFakeEmbedder())
	require.NoError(t, err)
	path := testDocumentFile(t, t.TempDir(), "guide.md")
	info, err := ix.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	reopened, err := Open(ctx, "default", dir, cfg, newFakeEmbedder())
	require.NoError(t, err)
	defer reopened.Close()

	total, err := reopened.TotalChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.TotalChunks, total)

	resp, err := reopened.Search(ctx, SearchRequest{Query: "database optimization", TopK: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 1, resp.Results[0].PageNumber)
}

func TestOpenDetectsInconsistency(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	dir := filepath.Join(cfg.DataDir, "collections", "default")

	ix, err := Open(ctx, "default", dir, cfg, newFakeEmbedder())
	require.NoError(t, err)
	path := testDocumentFile(t, t.TempDir(), "guide.md")
	_, err = ix.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	// clobber the vector index with an empty one so its row count no
	// longer matches the metadata store
	empty, err := vectorindex.New(newFakeEmbedder().Dim())
	require.NoError(t, err)
	require.NoError(t, empty.Save(filepath.Join(dir, "index.gob")))

	_, err = Open(ctx, "default", dir, cfg, newFakeEmbedder())
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestRebuildAfterDeletions(t *testing.T) {
	cfg := testConfig(t)
	ix := openTestIndexer(t, cfg)
	ctx := context.Background()
	dir := t.TempDir()

	dropPath := testDocumentFile(t, dir, "drop.md")
	drop, err := ix.IndexDocument(ctx, dropPath, "drop.md")
	require.NoError(t, err)

	keepPath := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(keepPath, []byte("cache storage and index latency"), 0o644))
	_, err = ix.IndexDocument(ctx, keepPath, "keep.txt")
	require.NoError(t, err)

	_, err = ix.DeleteDocument(ctx, drop.DocumentID)
	require.NoError(t, err)

	require.NoError(t, ix.Rebuild(ctx))

	total, err := ix.TotalChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	resp, err := ix.Search(ctx, SearchRequest{Query: "cache storage", TopK: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "keep.txt", resp.Results[0].Filename)
}

func TestManagerIndependentCollections(t *testing.T) {
	cfg := testConfig(t)
	m := NewManager(cfg, newFakeEmbedder())
	defer m.CloseAll()
	ctx := context.Background()

	work, err := m.Collection(ctx, "work")
	require.NoError(t, err)
	personal, err := m.Collection(ctx, "personal")
	require.NoError(t, err)

	path := testDocumentFile(t, t.TempDir(), "guide.md")
	_, err = work.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)

	resp, err := personal.Search(ctx, SearchRequest{Query: "database optimization", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	_, err = m.Collection(ctx, "../escape")
	assert.Error(t, err)

	// same name returns the same indexer
	again, err := m.Collection(ctx, "work")
	require.NoError(t, err)
	assert.Same(t, work, again)
}

func TestBackupAndRestore(t *testing.T) {
	cfg := testConfig(t)
	m := NewManager(cfg, newFakeEmbedder())
	defer m.CloseAll()
	ctx := context.Background()

	work, err := m.Collection(ctx, "work")
	require.NoError(t, err)
	path := testDocumentFile(t, t.TempDir(), "guide.md")
	info, err := work.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "work.zip")
	require.NoError(t, work.Backup(ctx, archive, "nightly", true))

	manifest, err := ReadBackupManifest(archive)
	require.NoError(t, err)
	assert.Equal(t, "work", manifest.Collection)
	assert.Equal(t, "nightly", manifest.Description)
	assert.Equal(t, newFakeEmbedder().Dim(), manifest.Dim)
	assert.True(t, manifest.IncludesDocuments)

	restored, err := m.Restore(ctx, "work-copy", archive, false)
	require.NoError(t, err)
	assert.Equal(t, "work-copy", restored.Name())

	total, err := restored.TotalChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.TotalChunks, total)

	resp, err := restored.Search(ctx, SearchRequest{Query: "database optimization", TopK: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 1, resp.Results[0].PageNumber)

	// restored source files survive, so the copy can be re-indexed too
	report, err := restored.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
}

func TestRestoreRequiresOverwrite(t *testing.T) {
	cfg := testConfig(t)
	m := NewManager(cfg, newFakeEmbedder())
	defer m.CloseAll()
	ctx := context.Background()

	work, err := m.Collection(ctx, "work")
	require.NoError(t, err)
	path := testDocumentFile(t, t.TempDir(), "guide.md")
	_, err = work.IndexDocument(ctx, path, "guide.md")
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "work.zip")
	require.NoError(t, work.Backup(ctx, archive, "", false))

	// target name defaults to the manifest's collection, which is open
	_, err = m.Restore(ctx, "", archive, false)
	require.Error(t, err)

	restored, err := m.Restore(ctx, "", archive, true)
	require.NoError(t, err)
	assert.Equal(t, "work", restored.Name())

	total, err := restored.TotalChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, total)
}

func TestReindexAppliesCurrentConfig(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	dir := filepath.Join(cfg.DataDir, "collections", "default")

	ix, err := Open(ctx, "default", dir, cfg, newFakeEmbedder())
	require.NoError(t, err)
	tmp := t.TempDir()
	first, err := ix.IndexDocument(ctx, testDocumentFile(t, tmp, "guide.md"), "guide.md")
	require.NoError(t, err)

	notes := filepath.Join(tmp, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("cache storage and index latency"), 0o644))
	_, err = ix.IndexDocument(ctx, notes, "notes.txt")
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	// shrink the chunk window and re-open; re-indexing re-chunks the
	// retained sources with the new size
	cfg.RAG.ChunkSize = 30
	overlap := 0
	cfg.RAG.ChunkOverlap = &overlap
	ix, err = Open(ctx, "default", dir, cfg, newFakeEmbedder())
	require.NoError(t, err)
	defer ix.Close()

	report, err := ix.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 2, report.Indexed)
	assert.Equal(t, 0, report.Failed)
	assert.Greater(t, report.Chunks, first.TotalChunks+1)

	total, err := ix.TotalChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Chunks, total)

	resp, err := ix.Search(ctx, SearchRequest{Query: "database backup", TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "guide.md", resp.Results[0].Filename)
}
