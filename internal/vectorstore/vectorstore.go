// Package vectorstore implements a brute-force inner-product index over
// unit-normalized embeddings, with file-backed persistence. There is no
// approximate-nearest-neighbor layer; search is a flat matrix scan.
package vectorstore

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pgvector/pgvector-go"

	"github.com/docmind-ai/rag-core/internal/ragerr"
)

// Metadata is the structural information tracked alongside each chunk's
// embedding and text.
type Metadata struct {
	DocID        int
	ChunkIndex   int
	PageNumber   *int
	ChunkType    string
	SectionTitle string
	TokenCount   int
}

// Result is one hit from Search.
type Result struct {
	ChunkID  int64
	DocID    int
	Score    float32
	Text     string
	Metadata Metadata
}

// Store is a brute-force inner-product vector index. All exported
// methods are safe for concurrent use: reads share a lock, writes
// (Add, DeleteByDoc, Persist, Clear) take it exclusively.
type Store struct {
	mu sync.RWMutex

	persistDir string

	dimension int
	nextID    int64

	vectors []pgvector.Vector // indexed by slot
	slotIDs []int64           // slot -> chunk_id
	texts   map[int64]string
	meta    map[int64]Metadata
}

// New creates an empty Store rooted at persistDir for Persist/Load.
func New(persistDir string) *Store {
	return &Store{
		persistDir: persistDir,
		texts:      make(map[int64]string),
		meta:       make(map[int64]Metadata),
	}
}

// Count returns the total number of indexed vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slotIDs)
}

// CountForDoc returns the number of indexed vectors owned by docID.
func (s *Store) CountForDoc(docID int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.meta {
		if m.DocID == docID {
			n++
		}
	}
	return n
}

// AddItem is one unit of work for Add: an embedding, its text, and its
// metadata, with an optional caller-supplied chunk_id (<0 means "assign
// the next monotonic id").
type AddItem struct {
	ChunkID   int64 // caller-supplied id, or -1 to auto-assign
	Embedding []float32
	Text      string
	Metadata  Metadata
}

// Add inserts embeddings with their texts and metadata, returning the
// assigned chunk ids in input order. Dimension is fixed on the first
// successful Add; a later call with a different dimension fails with
// DimensionMismatch and leaves the store unchanged.
func (s *Store) Add(items []AddItem) ([]int64, error) {
	if len(items) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := len(items[0].Embedding)
	for _, it := range items {
		if len(it.Embedding) != dim {
			return nil, ragerr.New(ragerr.InvalidInput, "all embeddings in a batch must share one dimension")
		}
	}

	if s.dimension == 0 {
		s.dimension = dim
	} else if dim != s.dimension {
		return nil, ragerr.New(ragerr.DimensionMismatch, "embedding dimension does not match store dimension")
	}

	ids := make([]int64, len(items))
	for i, it := range items {
		id := it.ChunkID
		if id < 0 {
			id = s.nextID
		}
		if id >= s.nextID {
			s.nextID = id + 1
		}

		ids[i] = id
		s.slotIDs = append(s.slotIDs, id)
		s.vectors = append(s.vectors, pgvector.NewVector(it.Embedding))
		s.texts[id] = it.Text
		s.meta[id] = it.Metadata
	}

	return ids, nil
}

// Search returns the top-k passages by inner product against query,
// optionally restricted to docFilter and a minimum score. A nil
// docFilter means unfiltered; an empty non-nil filter matches nothing.
// Scores are returned in non-increasing order; ties break toward the
// earlier slot.
func (s *Store) Search(query []float32, k int, docFilter []int, minScore float32) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		return nil, nil
	}
	if len(s.vectors) == 0 {
		return nil, nil
	}
	if len(query) != s.dimension {
		return nil, ragerr.New(ragerr.DimensionMismatch, "query embedding dimension does not match store dimension")
	}

	kPrime := k
	var filterSet map[int]bool
	if docFilter != nil {
		kPrime = 3 * k
		filterSet = make(map[int]bool, len(docFilter))
		for _, d := range docFilter {
			filterSet[d] = true
		}
	}
	if kPrime > len(s.vectors) {
		kPrime = len(s.vectors)
	}

	type scored struct {
		slot  int
		score float32
	}
	all := make([]scored, len(s.vectors))
	for i, v := range s.vectors {
		all[i] = scored{slot: i, score: dot(query, v.Slice())}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].slot < all[j].slot
	})

	if len(all) > kPrime {
		all = all[:kPrime]
	}

	results := make([]Result, 0, k)
	for _, sc := range all {
		id := s.slotIDs[sc.slot]
		m := s.meta[id]

		if sc.score < minScore {
			continue
		}
		if filterSet != nil && !filterSet[m.DocID] {
			continue
		}

		results = append(results, Result{
			ChunkID:  id,
			DocID:    m.DocID,
			Score:    sc.score,
			Text:     s.texts[id],
			Metadata: m,
		})

		if len(results) >= k {
			break
		}
	}

	return results, nil
}

func dot(a []float32, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// DeleteByDoc removes every chunk owned by docID. Because the flat index
// has no in-place deletion, this rebuilds the vector/slot arrays from the
// surviving entries; chunk ids are preserved.
func (s *Store) DeleteByDoc(docID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newVectors := s.vectors[:0:0]
	newSlotIDs := s.slotIDs[:0:0]

	for i, id := range s.slotIDs {
		if s.meta[id].DocID == docID {
			delete(s.texts, id)
			delete(s.meta, id)
			continue
		}
		newVectors = append(newVectors, s.vectors[i])
		newSlotIDs = append(newSlotIDs, id)
	}

	s.vectors = newVectors
	s.slotIDs = newSlotIDs
}

// Clear empties the store and removes any persisted files.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vectors = nil
	s.slotIDs = nil
	s.texts = make(map[int64]string)
	s.meta = make(map[int64]Metadata)
	s.dimension = 0
	s.nextID = 0

	for _, name := range []string{"index.bin", "meta.bin"} {
		p := filepath.Join(s.persistDir, name)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return ragerr.Wrap(ragerr.PersistenceError, "removing persisted store file", err)
		}
	}
	return nil
}

// persistedIndex is the gob payload for index.bin.
type persistedIndex struct {
	Dimension int
	Vectors   [][]float32
}

// persistedMeta is the gob payload for meta.bin.
type persistedMeta struct {
	Texts     map[int64]string
	Meta      map[int64]Metadata
	SlotIDs   []int64
	NextID    int64
	Dimension int
}

// Persist atomically writes the index and metadata to disk: each file is
// written to a temp path then renamed into place, so concurrent readers
// never observe a half-written file.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.persistDir, 0o755); err != nil {
		return ragerr.Wrap(ragerr.PersistenceError, "creating persist directory", err)
	}

	vecs := make([][]float32, len(s.vectors))
	for i, v := range s.vectors {
		vecs[i] = v.Slice()
	}

	if err := writeAtomic(filepath.Join(s.persistDir, "index.bin"), persistedIndex{
		Dimension: s.dimension,
		Vectors:   vecs,
	}); err != nil {
		return ragerr.Wrap(ragerr.PersistenceError, "writing index.bin", err)
	}

	if err := writeAtomic(filepath.Join(s.persistDir, "meta.bin"), persistedMeta{
		Texts:     s.texts,
		Meta:      s.meta,
		SlotIDs:   s.slotIDs,
		NextID:    s.nextID,
		Dimension: s.dimension,
	}); err != nil {
		return ragerr.Wrap(ragerr.PersistenceError, "writing meta.bin", err)
	}

	return nil
}

// Load reads a previously persisted store from disk. Partial or corrupt
// state is treated as an empty store: the error is returned for logging
// but the Store itself is left usable and empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexPath := filepath.Join(s.persistDir, "index.bin")
	metaPath := filepath.Join(s.persistDir, "meta.bin")

	if _, err := os.Stat(indexPath); err != nil {
		return nil
	}
	if _, err := os.Stat(metaPath); err != nil {
		return nil
	}

	var idx persistedIndex
	if err := readGob(indexPath, &idx); err != nil {
		s.resetLocked()
		return ragerr.Wrap(ragerr.PersistenceError, "loading index.bin", err)
	}

	var meta persistedMeta
	if err := readGob(metaPath, &meta); err != nil {
		s.resetLocked()
		return ragerr.Wrap(ragerr.PersistenceError, "loading meta.bin", err)
	}

	vectors := make([]pgvector.Vector, len(idx.Vectors))
	for i, v := range idx.Vectors {
		vectors[i] = pgvector.NewVector(v)
	}

	s.vectors = vectors
	s.slotIDs = meta.SlotIDs
	s.texts = meta.Texts
	s.meta = meta.Meta
	s.nextID = meta.NextID
	s.dimension = idx.Dimension

	return nil
}

func (s *Store) resetLocked() {
	s.vectors = nil
	s.slotIDs = nil
	s.texts = make(map[int64]string)
	s.meta = make(map[int64]Metadata)
	s.dimension = 0
	s.nextID = 0
}

func writeAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := gob.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}
