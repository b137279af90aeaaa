package semantic

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

// Entry is one embeddable passage.
type Entry struct {
	Reference scripture.Reference
	Text      string
}

// Hit is a search result. Similarity is the cosine similarity in [-1, 1].
type Hit struct {
	Reference  scripture.Reference
	Text       string
	Similarity float64

	// Curated is true for hits from the curated tier.
	Curated bool
}

// VectorStore holds embedded entries and answers nearest-neighbour queries.
// Vectors passed in are unit length.
type VectorStore interface {
	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int, error)

	// Upsert stores vecs[i] for entries[i], replacing any vector stored for
	// the same reference.
	Upsert(ctx context.Context, entries []Entry, vecs [][]float32) error

	// Search returns up to k entries with similarity at least minSim, most
	// similar first.
	Search(ctx context.Context, query []float32, k int, minSim float64) ([]Hit, error)
}

// MemoryStore is an in-process [VectorStore] scanned linearly. It is safe
// for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	index   map[scripture.Key]int
	entries []Entry
	vecs    [][]float32
}

var _ VectorStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[scripture.Key]int)}
}

// Count implements VectorStore.
func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Upsert implements VectorStore.
func (s *MemoryStore) Upsert(_ context.Context, entries []Entry, vecs [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range entries {
		v := embeddings.Normalize(slices.Clone(vecs[i]))
		if at, ok := s.index[e.Reference.Key()]; ok {
			s.entries[at], s.vecs[at] = e, v
			continue
		}
		s.index[e.Reference.Key()] = len(s.entries)
		s.entries = append(s.entries, e)
		s.vecs = append(s.vecs, v)
	}
	return nil
}

// Search implements VectorStore.
func (s *MemoryStore) Search(_ context.Context, query []float32, k int, minSim float64) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []Hit
	for i, v := range s.vecs {
		sim := embeddings.Dot(query, v)
		if sim < minSim {
			continue
		}
		hits = append(hits, Hit{Reference: s.entries[i].Reference, Text: s.entries[i].Text, Similarity: sim})
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
}
