package usecase

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type rerankCandidate struct {
	hit   domain.SearchHit
	text  string
	score float64
}

// rerankHybridCandidates reorders the head of the fused list by blending the
// normalized fused score with query token overlap. FusedScore is left as is.
func rerankHybridCandidates(question string, fused []rerankCandidate, topN int) []rerankCandidate {
	if len(fused) == 0 {
		return fused
	}
	if topN <= 0 || topN > len(fused) {
		topN = len(fused)
	}

	head := make([]rerankCandidate, topN)
	copy(head, fused[:topN])
	queryTokens := toTokenSet(question)

	minScore := head[0].hit.FusedScore
	maxScore := head[0].hit.FusedScore
	for _, c := range head[1:] {
		if c.hit.FusedScore < minScore {
			minScore = c.hit.FusedScore
		}
		if c.hit.FusedScore > maxScore {
			maxScore = c.hit.FusedScore
		}
	}

	rangeScore := maxScore - minScore
	normalize := func(v float64) float64 {
		if rangeScore <= 0 {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - minScore) / rangeScore
	}

	for i := range head {
		normalizedFused := normalize(head[i].hit.FusedScore)
		overlap := tokenOverlap(queryTokens, toTokenSet(head[i].text))
		sourceBoost := sourceTokenHit(queryTokens, head[i].hit.SourceName)
		head[i].score = 0.60*normalizedFused + 0.30*overlap + 0.10*sourceBoost
	}

	sort.SliceStable(head, func(i, j int) bool {
		if head[i].score != head[j].score {
			return head[i].score > head[j].score
		}
		return head[i].hit.ChunkID < head[j].hit.ChunkID
	})

	if topN == len(fused) {
		return head
	}

	out := make([]rerankCandidate, 0, len(fused))
	out = append(out, head...)
	out = append(out, fused[topN:]...)
	return out
}

func tokenOverlap(query, chunk map[string]struct{}) float64 {
	if len(query) == 0 || len(chunk) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := chunk[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func sourceTokenHit(query map[string]struct{}, sourceName string) float64 {
	if len(query) == 0 || sourceName == "" {
		return 0
	}
	sourceName = strings.ToLower(sourceName)
	for token := range query {
		if token == "" {
			continue
		}
		if strings.Contains(sourceName, token) {
			return 1
		}
	}
	return 0
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitAlphaNumLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
