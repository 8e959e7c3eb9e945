package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

type Chunk struct {
	ID          string `json:"chunk_id"`
	DocumentID  string `json:"document_id"`
	PageNumber  int    `json:"page_number"`
	Ordinal     int    `json:"ordinal"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
	EmbeddingID string `json:"embedding_id,omitempty"`
}

// ChunkID is deterministic so that replaying a page overwrites instead of duplicating.
func ChunkID(documentID string, page, ordinal int) string {
	return fmt.Sprintf("%s:%d:%d", documentID, page, ordinal)
}

// NormalizeText lowercases, trims and collapses whitespace runs.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ContentHash is the dedup key of a chunk body.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

type DedupEntry struct {
	ContentHash string `json:"content_hash"`
	ChunkID     string `json:"chunk_id"`
}

type ScoredChunk struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// FusedChunk carries the 1-based ranks a chunk held in each sub-list (0 when absent).
type FusedChunk struct {
	ChunkID     string  `json:"chunk_id"`
	FusedScore  float64 `json:"fused_score"`
	VectorRank  int     `json:"vector_rank,omitempty"`
	LexicalRank int     `json:"lexical_rank,omitempty"`
}

type SearchFilter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
}

func (f SearchFilter) Allows(documentID string) bool {
	if len(f.DocumentIDs) == 0 {
		return true
	}
	for _, id := range f.DocumentIDs {
		if id == documentID {
			return true
		}
	}
	return false
}

// QueryFingerprint identifies a search by normalized text, k and sorted filter values.
func QueryFingerprint(query string, k int, filter SearchFilter) string {
	ids := slices.Clone(filter.DocumentIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	h := sha256.New()
	h.Write([]byte(NormalizeText(query)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(k)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ids, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

type SearchHit struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	SourceName  string  `json:"source_name,omitempty"`
	PageNumber  int     `json:"page_number"`
	TextSnippet string  `json:"text_snippet"`
	FusedScore  float64 `json:"fused_score"`
}
