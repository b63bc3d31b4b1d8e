// Package chunker splits page texts into overlapping fixed-size spans.
// Chunking is character-count based, not sentence-aware: consumers must not
// assume chunks end on sentence boundaries.
package chunker

import (
	"fmt"
	"strings"

	"docsearch/internal/models"
)

type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// New validates the chunking parameters: size must be positive and overlap
// must satisfy 0 <= overlap < size.
func New(chunkSize, chunkOverlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 {
		return nil, fmt.Errorf("chunk overlap must not be negative, got %d", chunkOverlap)
	}
	if chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap (%d) must be less than chunk size (%d)", chunkOverlap, chunkSize)
	}
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}, nil
}

// ChunkDocument splits pages into chunks with provenance. Pages is 1-indexed
// by position; empty pages yield zero chunks. The intra-page chunk index is
// monotonically increasing and 0-based.
func (c *Chunker) ChunkDocument(pages []string, documentID, filename string) []models.Chunk {
	var all []models.Chunk
	for i, text := range pages {
		pageNum := i + 1
		if strings.TrimSpace(text) == "" {
			continue
		}
		for idx, span := range c.chunkText(text) {
			all = append(all, models.Chunk{
				ChunkID:    fmt.Sprintf(models.ChunkIDFormat, documentID, pageNum, idx),
				DocumentID: documentID,
				Filename:   filename,
				PageNumber: pageNum,
				ChunkIndex: idx,
				Text:       span,
			})
		}
	}
	return all
}

// chunkText returns spans of at most chunkSize runes with chunkOverlap runes
// shared between consecutive spans. A text shorter than chunkSize is one
// chunk. For text of length L the span count is ceil((L-O)/(S-O)).
func (c *Chunker) chunkText(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= c.chunkSize {
		return []string{text}
	}

	step := c.chunkSize - c.chunkOverlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+c.chunkSize, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
