package models

import "time"

// Chunk is the atomic unit of embedding and retrieval: a bounded span of
// text extracted from one page or section of a document.
type Chunk struct {
	ChunkID    string
	DocumentID string
	Filename   string
	PageNumber int
	ChunkIndex int
	Text       string
}

// DocumentInfo summarizes an indexed document.
type DocumentInfo struct {
	DocumentID   string    `json:"document_id"`
	Filename     string    `json:"filename"`
	TotalPages   int       `json:"total_pages"`
	TotalChunks  int       `json:"total_chunks"`
	IndexedAt    time.Time `json:"indexed_at"`
	SourceFormat string    `json:"source_format"`

	// Duplicate is set when an upload matched an already-indexed document
	// by content hash and indexing was skipped.
	Duplicate bool `json:"duplicate,omitempty"`
}

// SearchResult is a single ranked hit, ephemeral per query.
type SearchResult struct {
	DocumentID      string  `json:"document_id"`
	ChunkID         string  `json:"chunk_id"`
	Filename        string  `json:"filename"`
	PageNumber      int     `json:"page_number"`
	Text            string  `json:"text"`
	SimilarityScore float32 `json:"similarity_score"`
}
