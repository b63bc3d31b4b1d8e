// Package indexer drives the ingest and search pipelines and owns the
// transactional boundary between the vector index and the metadata store.
// Nothing else mutates either, which is what keeps them row-aligned.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"docsearch/internal/chunker"
	"docsearch/internal/config"
	"docsearch/internal/enhance"
	"docsearch/internal/extractor"
	"docsearch/internal/helper"
	"docsearch/internal/metadata"
	"docsearch/internal/models"
	"docsearch/internal/vectorindex"
)

// ErrInconsistent marks a vector/metadata row-count mismatch. It is fatal
// for the affected collection until an explicit rebuild.
var ErrInconsistent = errors.New("vector index and metadata store are out of sync")

// ErrEmptyQuery rejects searches with no query text.
var ErrEmptyQuery = errors.New("query must not be empty")

// Embedder is what the indexer needs from the embedding service. Tests
// substitute a deterministic fake.
type Embedder interface {
	Dim() int
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

type SearchRequest struct {
	Query   string
	TopK    int
	Enhance *enhance.Options
}

type SearchResponse struct {
	Query        string                `json:"query"`
	Results      []models.SearchResult `json:"results"`
	Enhancements []enhance.Enhancement `json:"enhancements,omitempty"`
}

// Indexer is one collection's pipeline. Mutations take the write lock;
// searches share the read lock, so a reader never observes a torn state.
type Indexer struct {
	name     string
	dir      string
	cfg      *config.Config
	embedder Embedder
	chunker  *chunker.Chunker

	mu    sync.RWMutex
	index *vectorindex.Index
	meta  *metadata.Store
}

// Open loads or creates the collection under dir and verifies that the
// vector index and metadata store agree on the chunk count. A mismatch is
// ErrInconsistent: surfaced loudly, repaired only by an explicit Rebuild.
func Open(ctx context.Context, name, dir string, cfg *config.Config, embedder Embedder) (*Indexer, error) {
	ck, err := chunker.New(cfg.RAG.ChunkSize, *cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	if err := helper.CreateFolder(filepath.Join(dir, "documents")); err != nil {
		return nil, fmt.Errorf("creating collection directory: %w", err)
	}

	ix := &Indexer{name: name, dir: dir, cfg: cfg, embedder: embedder, chunker: ck}

	ix.meta, err = metadata.Open(ctx, ix.metadataPath(), cfg.Debug)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(ix.indexPath()); statErr == nil {
		ix.index, err = vectorindex.Load(ix.indexPath())
		if err != nil {
			ix.meta.Close()
			return nil, fmt.Errorf("loading vector index for collection %s: %w", name, err)
		}
		if ix.index.Dim() != embedder.Dim() {
			ix.meta.Close()
			return nil, fmt.Errorf("collection %s index dimension %d does not match embedding model dimension %d",
				name, ix.index.Dim(), embedder.Dim())
		}
	} else {
		ix.index, err = vectorindex.New(embedder.Dim())
		if err != nil {
			ix.meta.Close()
			return nil, err
		}
	}

	chunkCount, err := ix.meta.TotalChunks(ctx)
	if err != nil {
		ix.meta.Close()
		return nil, err
	}
	if chunkCount != ix.index.Count() {
		ix.meta.Close()
		return nil, fmt.Errorf("collection %s: %w: index has %d rows, metadata has %d chunks",
			name, ErrInconsistent, ix.index.Count(), chunkCount)
	}

	log.Info().Str("collection", name).Int("chunks", chunkCount).Msg("collection opened")
	return ix, nil
}

// Name reports the collection name this indexer serves.
func (ix *Indexer) Name() string { return ix.name }

func (ix *Indexer) indexPath() string    { return filepath.Join(ix.dir, "index.gob") }
func (ix *Indexer) metadataPath() string { return filepath.Join(ix.dir, "metadata.db") }

func (ix *Indexer) documentPath(documentID, filename string) string {
	return filepath.Join(ix.dir, "documents", documentID+filepath.Ext(filename))
}

// Close persists the index and closes the metadata store.
func (ix *Indexer) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.index.Save(ix.indexPath()); err != nil {
		ix.meta.Close()
		return err
	}
	return ix.meta.Close()
}

// IndexDocument runs the full ingest pipeline for one file. Re-uploading
// byte-identical content is an idempotent no-op returning the existing
// document's summary with Duplicate set.
func (ix *Indexer) IndexDocument(ctx context.Context, path, filename string) (models.DocumentInfo, error) {
	documentID, err := hashFile(path)
	if err != nil {
		return models.DocumentInfo{}, fmt.Errorf("hashing %s: %w", filename, err)
	}

	existing, err := ix.meta.GetDocument(ctx, documentID)
	if err != nil {
		return models.DocumentInfo{}, err
	}
	if existing != nil {
		if existing.Filename != filename {
			// Either a rename of identical bytes or, vanishingly rarely, a
			// truncated-hash collision. The first document wins.
			log.Warn().
				Str("document_id", documentID).
				Str("existing", existing.Filename).
				Str("uploaded", filename).
				Msg("content hash already indexed under a different filename")
		}
		log.Info().Str("document_id", documentID).Str("file", filename).Msg("duplicate upload, skipping")
		info := existing.Info()
		info.Duplicate = true
		return info, nil
	}

	extraction, err := extractor.Extract(path)
	if err != nil {
		return models.DocumentInfo{}, err
	}

	chunks := ix.chunker.ChunkDocument(extraction.Pages, documentID, filename)
	if len(chunks) == 0 {
		return models.DocumentInfo{}, &extractor.Error{
			File: filename, Format: extraction.Format, Err: fmt.Errorf("no chunks produced"),
		}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return models.DocumentInfo{}, err
	}

	doc := &metadata.DocumentRecord{
		DocumentID:   documentID,
		Filename:     filename,
		TotalPages:   len(extraction.Pages),
		TotalChunks:  len(chunks),
		IndexedAt:    time.Now().UTC(),
		SourceFormat: extraction.Method,
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// a concurrent ingest of the same bytes may have won the lock first;
	// re-check so the loser degrades to the duplicate no-op
	existing, err = ix.meta.GetDocument(ctx, documentID)
	if err != nil {
		return models.DocumentInfo{}, err
	}
	if existing != nil {
		log.Info().Str("document_id", documentID).Str("file", filename).Msg("duplicate upload, skipping")
		info := existing.Info()
		info.Duplicate = true
		return info, nil
	}

	stored := ix.documentPath(documentID, filename)
	if err := copyFile(path, stored); err != nil {
		return models.DocumentInfo{}, fmt.Errorf("storing %s: %w", filename, err)
	}

	rowIDs, err := ix.index.Add(vectors)
	if err != nil {
		os.Remove(stored)
		return models.DocumentInfo{}, err
	}

	records := make([]metadata.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = metadata.ChunkRecord{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			PageNumber: c.PageNumber,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			RowID:      rowIDs[i],
		}
	}
	if err := ix.meta.AddDocument(ctx, doc, records); err != nil {
		// roll the vectors back so the half-indexed document is never visible
		ix.index.Delete(rowIDs)
		os.Remove(stored)
		return models.DocumentInfo{}, err
	}
	if err := ix.index.Save(ix.indexPath()); err != nil {
		if _, derr := ix.meta.DeleteDocument(ctx, documentID); derr != nil {
			log.Error().Err(derr).Str("document_id", documentID).Msg("compensating metadata delete failed")
		}
		ix.index.Delete(rowIDs)
		os.Remove(stored)
		return models.DocumentInfo{}, err
	}

	log.Info().
		Str("collection", ix.name).
		Str("document_id", documentID).
		Str("file", filename).
		Int("pages", doc.TotalPages).
		Int("chunks", doc.TotalChunks).
		Msg("document indexed")
	return doc.Info(), nil
}

// Search embeds the query once, over-fetches candidates when reranking was
// requested, hydrates them from the metadata store, runs any requested
// enhancements and truncates to the caller's top_k.
func (ix *Indexer) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = ix.cfg.RAG.DefaultTopK
	}
	if topK > ix.cfg.RAG.MaxTopK {
		topK = ix.cfg.RAG.MaxTopK
	}

	reqID := helper.RequestID()
	log.Debug().Str("collection", ix.name).Str("req", reqID).Str("query", req.Query).Int("top_k", topK).Msg("search")

	queryVec, err := ix.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	topN := topK
	wantEnhance := req.Enhance != nil && len(req.Enhance.Providers) > 0
	if wantEnhance && req.Enhance.Rerank {
		topN = topK * ix.cfg.RAG.OverfetchFactor
	}

	ix.mu.RLock()
	hits, err := ix.index.Search(queryVec, topN)
	if err != nil {
		ix.mu.RUnlock()
		return nil, err
	}
	rowIDs := make([]int64, len(hits))
	for i, h := range hits {
		rowIDs[i] = h.RowID
	}
	byRow, err := ix.meta.ChunksByRowIDs(ctx, rowIDs)
	ix.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	candidates := make([]models.SearchResult, 0, len(hits))
	for _, h := range hits {
		chunk, ok := byRow[h.RowID]
		if !ok {
			log.Error().Str("collection", ix.name).Int64("row", h.RowID).Msg("no metadata for index row")
			continue
		}
		candidates = append(candidates, models.SearchResult{
			DocumentID:      chunk.DocumentID,
			ChunkID:         chunk.ChunkID,
			Filename:        chunk.Filename,
			PageNumber:      chunk.PageNumber,
			Text:            chunk.Text,
			SimilarityScore: h.Score,
		})
	}

	resp := &SearchResponse{Query: req.Query}
	if len(candidates) > topK {
		resp.Results = candidates[:topK]
	} else {
		resp.Results = candidates
	}

	if wantEnhance {
		providers := make([]enhance.Provider, 0, len(req.Enhance.Providers))
		for _, spec := range req.Enhance.Providers {
			p, err := enhance.NewProvider(spec)
			if err != nil {
				log.Warn().Err(err).Str("provider", spec.Kind).Str("req", reqID).Msg("provider unavailable")
				resp.Enhancements = append(resp.Enhancements, enhance.Enhancement{Provider: spec.Kind, Err: err.Error()})
				continue
			}
			providers = append(providers, p)
		}
		resp.Enhancements = append(resp.Enhancements,
			enhance.Run(ctx, req.Query, candidates, topK, *req.Enhance, providers)...)
	}

	log.Debug().Str("req", reqID).Int("results", len(resp.Results)).Msg("search finished")
	return resp, nil
}

// DeleteDocument removes a document's vectors, metadata and stored file,
// returning the number of chunks removed. Partial failure is reported as
// ErrInconsistent, never silently ignored.
func (ix *Indexer) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	doc, err := ix.meta.GetDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		log.Warn().Str("document_id", documentID).Msg("delete of unknown document")
		return 0, nil
	}

	rowIDs, err := ix.meta.RowIDsForDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}

	removed := ix.index.Delete(rowIDs)
	deleted, err := ix.meta.DeleteDocument(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("%w: removed %d vectors but metadata delete failed: %v", ErrInconsistent, removed, err)
	}
	if removed != deleted {
		return deleted, fmt.Errorf("%w: removed %d vectors but %d chunk records", ErrInconsistent, removed, deleted)
	}
	if err := ix.index.Save(ix.indexPath()); err != nil {
		return deleted, err
	}

	if err := os.Remove(ix.documentPath(documentID, doc.Filename)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("document_id", documentID).Msg("stored file could not be removed")
	}

	log.Info().Str("collection", ix.name).Str("document_id", documentID).Int("chunks", deleted).Msg("document deleted")
	return deleted, nil
}

// ListDocuments returns summaries for all indexed documents.
func (ix *Indexer) ListDocuments(ctx context.Context) ([]models.DocumentInfo, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	docs, err := ix.meta.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]models.DocumentInfo, len(docs))
	for i := range docs {
		infos[i] = docs[i].Info()
	}
	return infos, nil
}

// Rebuild compacts tombstoned rows out of the vector index and remaps the
// metadata row references, then persists both. This is the explicit repair
// step for reclaiming space after many deletions.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	mapping := ix.index.Rebuild()
	if err := ix.meta.RemapRowIDs(ctx, mapping); err != nil {
		return fmt.Errorf("rebuilding collection %s: %w", ix.name, err)
	}
	if err := ix.index.Save(ix.indexPath()); err != nil {
		return err
	}
	log.Info().Str("collection", ix.name).Int("rows", ix.index.Count()).Msg("index rebuilt")
	return nil
}

// TotalChunks reports the live chunk count, used by tests and diagnostics.
func (ix *Indexer) TotalChunks(ctx context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	count, err := ix.meta.TotalChunks(ctx)
	if err != nil {
		return 0, err
	}
	if count != ix.index.Count() {
		return count, fmt.Errorf("%w: index has %d rows, metadata has %d chunks", ErrInconsistent, ix.index.Count(), count)
	}
	return count, nil
}

// hashFile streams the file through SHA-256 and keeps the truncated prefix.
// The shortened id is an accepted collision risk at the target scale.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:models.DocumentIDLength], nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
