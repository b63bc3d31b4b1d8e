package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"docsearch/internal/extractor"
	"docsearch/internal/metadata"
	"docsearch/internal/vectorindex"
)

// ReindexReport summarizes one re-indexing run.
type ReindexReport struct {
	Documents int `json:"documents"`
	Indexed   int `json:"indexed"`
	Failed    int `json:"failed"`
	Chunks    int `json:"chunks"`
}

// Reindex rebuilds the collection from the retained source files using the
// current extraction, chunking and embedding configuration. The whole run
// holds the write lock; one bad document is skipped, not fatal.
func (ix *Indexer) Reindex(ctx context.Context) (*ReindexReport, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	docs, err := ix.meta.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	fresh, err := vectorindex.New(ix.embedder.Dim())
	if err != nil {
		return nil, err
	}
	if err := ix.meta.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reindexing collection %s: %w", ix.name, err)
	}
	ix.index = fresh

	report := &ReindexReport{Documents: len(docs)}
	for _, doc := range docs {
		chunks, err := ix.reindexOne(ctx, &doc)
		if err != nil {
			log.Error().Err(err).Str("document_id", doc.DocumentID).Str("file", doc.Filename).Msg("reindex skipped document")
			report.Failed++
			continue
		}
		report.Indexed++
		report.Chunks += chunks
	}

	if err := ix.index.Save(ix.indexPath()); err != nil {
		return report, err
	}

	log.Info().
		Str("collection", ix.name).
		Int("documents", report.Documents).
		Int("indexed", report.Indexed).
		Int("failed", report.Failed).
		Int("chunks", report.Chunks).
		Msg("reindex finished")
	return report, nil
}

func (ix *Indexer) reindexOne(ctx context.Context, doc *metadata.DocumentRecord) (int, error) {
	stored := ix.documentPath(doc.DocumentID, doc.Filename)
	extraction, err := extractor.Extract(stored)
	if err != nil {
		return 0, err
	}

	chunks := ix.chunker.ChunkDocument(extraction.Pages, doc.DocumentID, doc.Filename)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no chunks produced from %s", doc.Filename)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, err
	}

	rowIDs, err := ix.index.Add(vectors)
	if err != nil {
		return 0, err
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
	refreshed := &metadata.DocumentRecord{
		DocumentID:   doc.DocumentID,
		Filename:     doc.Filename,
		TotalPages:   len(extraction.Pages),
		TotalChunks:  len(chunks),
		IndexedAt:    time.Now().UTC(),
		SourceFormat: extraction.Method,
	}
	if err := ix.meta.AddDocument(ctx, refreshed, records); err != nil {
		ix.index.Delete(rowIDs)
		return 0, err
	}
	return len(chunks), nil
}
