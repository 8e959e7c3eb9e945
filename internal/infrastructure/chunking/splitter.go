package chunking

import (
	"strings"
	"unicode"
)

// Splitter cuts text into windows of ChunkSize runes with Overlap runes of
// carry-over, preferring paragraph, then sentence, then word boundaries.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= s.ChunkSize {
		return []string{string(runes)}
	}

	out := make([]string, 0, len(runes)/(s.ChunkSize-s.Overlap)+1)
	for start := 0; start < len(runes); {
		end := start + s.ChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = s.boundary(runes, start, end)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}

		next := end - s.Overlap
		if next <= start {
			next = end
		}
		start = alignToWord(runes, next, end)
	}
	return out
}

// boundary returns the best cut position in (start+ChunkSize/2, end].
func (s *Splitter) boundary(runes []rune, start, end int) int {
	floor := start + s.ChunkSize/2

	for i := end - 1; i > floor; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) && isSentenceEnd(runes[i-1]) {
			return i
		}
	}
	for i := end - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return end
}

// alignToWord moves pos forward to the start of a word, never past limit.
func alignToWord(runes []rune, pos, limit int) int {
	for pos < limit && pos > 0 && !unicode.IsSpace(runes[pos-1]) {
		pos++
	}
	for pos < limit && unicode.IsSpace(runes[pos]) {
		pos++
	}
	return pos
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '…':
		return true
	default:
		return false
	}
}
