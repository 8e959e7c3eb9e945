package usecase

import (
	"sort"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

const defaultRRFK = 60

// fuseCandidatesRRF merges two ranked lists by reciprocal rank. Ties go to
// the chunk with the better individual rank, then to the lower chunk id.
func fuseCandidatesRRF(vector, lexical []domain.ScoredChunk, rrfK int) []domain.FusedChunk {
	if rrfK <= 0 {
		rrfK = defaultRRFK
	}

	acc := make(map[string]*domain.FusedChunk, len(vector)+len(lexical))
	get := func(chunkID string) *domain.FusedChunk {
		fused, ok := acc[chunkID]
		if !ok {
			fused = &domain.FusedChunk{ChunkID: chunkID}
			acc[chunkID] = fused
		}
		return fused
	}

	for i, hit := range vector {
		fused := get(hit.ChunkID)
		if fused.VectorRank != 0 {
			continue
		}
		fused.VectorRank = i + 1
		fused.FusedScore += 1.0 / float64(rrfK+i+1)
	}
	for i, hit := range lexical {
		fused := get(hit.ChunkID)
		if fused.LexicalRank != 0 {
			continue
		}
		fused.LexicalRank = i + 1
		fused.FusedScore += 1.0 / float64(rrfK+i+1)
	}

	out := make([]domain.FusedChunk, 0, len(acc))
	for _, fused := range acc {
		out = append(out, *fused)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		bi, bj := bestRank(out[i]), bestRank(out[j])
		if bi != bj {
			return bi < bj
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

func bestRank(c domain.FusedChunk) int {
	switch {
	case c.VectorRank == 0:
		return c.LexicalRank
	case c.LexicalRank == 0:
		return c.VectorRank
	default:
		return min(c.VectorRank, c.LexicalRank)
	}
}

func trimCandidates[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[:limit]
}
