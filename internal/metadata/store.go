// Package metadata is the durable record of indexed documents and chunks,
// kept row-aligned with the vector index. Backed by SQLite through bun so
// steady-state memory does not grow with the number of indexed chunks.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"

	"docsearch/internal/models"
)

type ChunkRecord struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`

	ID         int64  `bun:"id,pk,autoincrement"`
	ChunkID    string `bun:"chunk_id,notnull,unique"`
	DocumentID string `bun:"document_id,notnull"`
	Filename   string `bun:"filename,notnull"`
	PageNumber int    `bun:"page_number,notnull"`
	ChunkIndex int    `bun:"chunk_index,notnull"`
	Text       string `bun:"text,notnull"`

	// RowID is the vector index row holding this chunk's embedding.
	RowID int64 `bun:"row_id,notnull,unique"`
}

type DocumentRecord struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	DocumentID   string    `bun:"document_id,pk"`
	Filename     string    `bun:"filename,notnull"`
	TotalPages   int       `bun:"total_pages,notnull"`
	TotalChunks  int       `bun:"total_chunks,notnull"`
	IndexedAt    time.Time `bun:"indexed_at,notnull"`
	SourceFormat string    `bun:"source_format"`
}

func (d *DocumentRecord) Info() models.DocumentInfo {
	return models.DocumentInfo{
		DocumentID:   d.DocumentID,
		Filename:     d.Filename,
		TotalPages:   d.TotalPages,
		TotalChunks:  d.TotalChunks,
		IndexedAt:    d.IndexedAt,
		SourceFormat: d.SourceFormat,
	}
}

type Store struct {
	db *bun.DB
}

// Open creates or opens the metadata database at path. WAL mode keeps
// concurrent readers off the writer's back.
func Open(ctx context.Context, path string, debug bool) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("metadata store ready")
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*ChunkRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("creating chunks table: %w", err)
	}
	if _, err := s.db.NewCreateTable().Model((*DocumentRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("creating documents table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().Model((*ChunkRecord)(nil)).
		Index("idx_chunks_document_id").Column("document_id").IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("creating document_id index: %w", err)
	}
	if _, err := s.db.NewCreateIndex().Model((*ChunkRecord)(nil)).
		Index("idx_chunks_row_id").Column("row_id").IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("creating row_id index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint flushes the WAL into the main database file so a file-level
// copy of it is complete and self-contained.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing metadata database: %w", err)
	}
	return nil
}

// Reset deletes every document and chunk record in one transaction. Used by
// re-indexing, which rebuilds the store from the retained source files.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*ChunkRecord)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("clearing chunks: %w", err)
		}
		if _, err := tx.NewDelete().Model((*DocumentRecord)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("clearing documents: %w", err)
		}
		return nil
	})
}

// AddDocument inserts the document record and all its chunks as one
// transaction: either the whole document becomes visible or none of it.
func (s *Store) AddDocument(ctx context.Context, doc *DocumentRecord, chunks []ChunkRecord) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(doc).Exec(ctx); err != nil {
			return fmt.Errorf("inserting document %s: %w", doc.DocumentID, err)
		}
		if len(chunks) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&chunks).Exec(ctx); err != nil {
			return fmt.Errorf("inserting %d chunks for %s: %w", len(chunks), doc.DocumentID, err)
		}
		return nil
	})
}

// GetDocument returns the document record, or nil when not indexed.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*DocumentRecord, error) {
	doc := new(DocumentRecord)
	err := s.db.NewSelect().Model(doc).Where("document_id = ?", documentID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up document %s: %w", documentID, err)
	}
	return doc, nil
}

// ListDocuments returns all document records, newest first, without loading
// any chunk text.
func (s *Store) ListDocuments(ctx context.Context) ([]DocumentRecord, error) {
	var docs []DocumentRecord
	err := s.db.NewSelect().Model(&docs).Order("indexed_at DESC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes the document and all its chunks in one transaction
// and returns the number of chunk records removed.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	var deleted int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().Model((*ChunkRecord)(nil)).
			Where("document_id = ?", documentID).Exec(ctx)
		if err != nil {
			return fmt.Errorf("deleting chunks of %s: %w", documentID, err)
		}
		deleted, _ = res.RowsAffected()
		if _, err := tx.NewDelete().Model((*DocumentRecord)(nil)).
			Where("document_id = ?", documentID).Exec(ctx); err != nil {
			return fmt.Errorf("deleting document %s: %w", documentID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

// TotalChunks counts chunk records with embeddings, for the row alignment
// check against the vector index.
func (s *Store) TotalChunks(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().Model((*ChunkRecord)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return count, nil
}

// RowIDsForDocument returns the vector index rows occupied by a document's
// chunks, in insertion order.
func (s *Store) RowIDsForDocument(ctx context.Context, documentID string) ([]int64, error) {
	var rowIDs []int64
	err := s.db.NewSelect().Model((*ChunkRecord)(nil)).
		Column("row_id").
		Where("document_id = ?", documentID).
		Order("row_id ASC").
		Scan(ctx, &rowIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching row ids of %s: %w", documentID, err)
	}
	return rowIDs, nil
}

// ChunksByRowIDs hydrates chunk records for the given vector index rows.
func (s *Store) ChunksByRowIDs(ctx context.Context, rowIDs []int64) (map[int64]ChunkRecord, error) {
	if len(rowIDs) == 0 {
		return map[int64]ChunkRecord{}, nil
	}
	var chunks []ChunkRecord
	err := s.db.NewSelect().Model(&chunks).
		Where("row_id IN (?)", bun.In(rowIDs)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrating %d rows: %w", len(rowIDs), err)
	}
	byRow := make(map[int64]ChunkRecord, len(chunks))
	for _, c := range chunks {
		byRow[c.RowID] = c
	}
	return byRow, nil
}

// RemapRowIDs rewrites chunk row references after an index rebuild. Updates
// run in ascending old-row order inside one transaction; compaction only
// moves rows downward, so this order never trips the unique constraint.
func (s *Store) RemapRowIDs(ctx context.Context, mapping map[int64]int64) error {
	if len(mapping) == 0 {
		return nil
	}
	oldRows := make([]int64, 0, len(mapping))
	for old := range mapping {
		oldRows = append(oldRows, old)
	}
	sort.Slice(oldRows, func(i, j int) bool { return oldRows[i] < oldRows[j] })

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, old := range oldRows {
			newRow := mapping[old]
			if newRow == old {
				continue
			}
			if _, err := tx.NewUpdate().Model((*ChunkRecord)(nil)).
				Set("row_id = ?", newRow).
				Where("row_id = ?", old).
				Exec(ctx); err != nil {
				return fmt.Errorf("remapping row %d to %d: %w", old, newRow, err)
			}
		}
		return nil
	})
}
