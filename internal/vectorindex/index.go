// Package vectorindex is an exact nearest-neighbor index over L2-normalized
// vectors. Rows are kept in insertion order and similarity is the dot
// product, which for normalized vectors equals 1 - d²/2 where d is the
// Euclidean distance. No approximation: correctness over latency at the
// target scale.
package vectorindex

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// Result is one search hit: the row position assigned at Add time and the
// cosine similarity to the query.
type Result struct {
	RowID int64
	Score float32
}

// Index holds vectors and tombstones. Callers are responsible for
// serializing mutations; the index itself does no locking.
type Index struct {
	dim     int
	vectors [][]float32
	dead    []bool
	live    int
}

// New creates an empty index for vectors of the given dimension.
func New(dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid vector dimension: %d", dim)
	}
	return &Index{dim: dim}, nil
}

// Dim returns the vector dimension.
func (ix *Index) Dim() int { return ix.dim }

// Count returns the number of live (non-tombstoned) rows.
func (ix *Index) Count() int { return ix.live }

// Add appends vectors and returns the assigned row positions. Row ids are
// stable until the next Rebuild.
func (ix *Index) Add(vectors [][]float32) ([]int64, error) {
	rowIDs := make([]int64, 0, len(vectors))
	for i, v := range vectors {
		if len(v) != ix.dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), ix.dim)
		}
	}
	for _, v := range vectors {
		rowIDs = append(rowIDs, int64(len(ix.vectors)))
		ix.vectors = append(ix.vectors, v)
		ix.dead = append(ix.dead, false)
		ix.live++
	}
	return rowIDs, nil
}

// Search returns up to k live rows ranked by similarity, highest first.
// The query must be L2-normalized.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("query has dimension %d, want %d", len(query), ix.dim)
	}
	if k <= 0 || ix.live == 0 {
		return nil, nil
	}

	results := make([]Result, 0, ix.live)
	for row, v := range ix.vectors {
		if ix.dead[row] {
			continue
		}
		results = append(results, Result{RowID: int64(row), Score: dot(v, query)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].RowID < results[j].RowID
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Delete tombstones the given rows and returns how many rows it removed.
// Row ids of surviving rows are unchanged until Rebuild.
func (ix *Index) Delete(rowIDs []int64) int {
	removed := 0
	for _, id := range rowIDs {
		if id < 0 || id >= int64(len(ix.vectors)) || ix.dead[id] {
			continue
		}
		ix.dead[id] = true
		ix.live--
		removed++
	}
	return removed
}

// Rebuild compacts tombstoned rows away and returns the old-to-new row id
// mapping, so metadata row references can be remapped in step.
func (ix *Index) Rebuild() map[int64]int64 {
	mapping := make(map[int64]int64, ix.live)
	vectors := make([][]float32, 0, ix.live)
	for row, v := range ix.vectors {
		if ix.dead[row] {
			continue
		}
		mapping[int64(row)] = int64(len(vectors))
		vectors = append(vectors, v)
	}
	ix.vectors = vectors
	ix.dead = make([]bool, len(vectors))
	ix.live = len(vectors)
	return mapping
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// indexFile is the persisted artifact. Version guards against reading an
// incompatible layout.
type indexFile struct {
	Version int
	Dim     int
	Vectors [][]float32
	Dead    []bool
}

const fileVersion = 1

// Save writes the index to path atomically (temp file plus rename).
func (ix *Index) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating index file: %w", err)
	}
	enc := gob.NewEncoder(f)
	err = enc.Encode(indexFile{
		Version: fileVersion,
		Dim:     ix.dim,
		Vectors: ix.vectors,
		Dead:    ix.dead,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing index file: %w", err)
	}
	log.Debug().Str("path", path).Int("rows", len(ix.vectors)).Int("live", ix.live).Msg("saved vector index")
	return nil
}

// Load restores an index saved with Save.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file indexFile
	if err := gob.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding index file %s: %w", path, err)
	}
	if file.Version != fileVersion {
		return nil, fmt.Errorf("index file %s has version %d, want %d", path, file.Version, fileVersion)
	}
	if len(file.Vectors) != len(file.Dead) {
		return nil, fmt.Errorf("index file %s is corrupt: %d vectors, %d tombstone flags", path, len(file.Vectors), len(file.Dead))
	}

	ix := &Index{dim: file.Dim, vectors: file.Vectors, dead: file.Dead}
	for _, d := range file.Dead {
		if !d {
			ix.live++
		}
	}
	log.Debug().Str("path", path).Int("rows", len(ix.vectors)).Int("live", ix.live).Msg("loaded vector index")
	return ix, nil
}
