package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type ChunkRepository struct {
	mu     sync.RWMutex
	chunks map[string]domain.Chunk
}

func NewChunkRepository() *ChunkRepository {
	return &ChunkRepository{chunks: make(map[string]domain.Chunk)}
}

func (r *ChunkRepository) SaveChunks(_ context.Context, chunks []domain.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, chunk := range chunks {
		r.chunks[chunk.ID] = chunk
	}
	return nil
}

// GetChunks skips unknown ids and keeps the order of ids.
func (r *ChunkRepository) GetChunks(_ context.Context, ids []string) ([]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		if chunk, ok := r.chunks[id]; ok {
			out = append(out, chunk)
		}
	}
	return out, nil
}

func (r *ChunkRepository) ListByDocument(_ context.Context, documentID string) ([]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Chunk, 0)
	for _, chunk := range r.chunks {
		if chunk.DocumentID == documentID {
			out = append(out, chunk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageNumber != out[j].PageNumber {
			return out[i].PageNumber < out[j].PageNumber
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

type DedupStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewDedupStore() *DedupStore {
	return &DedupStore{entries: make(map[string]string)}
}

func (s *DedupStore) Lookup(_ context.Context, contentHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunkID, ok := s.entries[contentHash]
	return chunkID, ok, nil
}

func (s *DedupStore) Record(_ context.Context, contentHash, chunkID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[contentHash]; ok {
		return existing, nil
	}
	s.entries[contentHash] = chunkID
	return chunkID, nil
}

func (s *DedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
