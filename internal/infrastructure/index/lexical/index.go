package lexical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

const (
	keyPrefix = "lex/"

	bm25K1 = 1.2
	bm25B  = 0.75

	minRewriteLen = 64
)

// Persister is the durable key/value store behind the index.
type Persister interface {
	Put(key string, value []byte) error
	Iterate(prefix string, fn func(key string, value []byte) error) error
}

// document is one indexed generation of a chunk. Re-indexing a chunk
// creates a new generation and marks the previous one dead.
type document struct {
	chunkID string
	length  int
	terms   []string
	live    atomic.Bool
}

type posting struct {
	doc *document
	tf  int
}

type postingList struct {
	items atomic.Pointer[[]posting]
	dead  int
}

type storedDocument struct {
	Length int            `json:"length"`
	TF     map[string]int `json:"tf"`
}

// Index is an inverted index ranked with BM25. Readers load posting lists
// without locking; writers are serialized.
type Index struct {
	writeMu sync.Mutex
	docs    map[string]*document

	terms    sync.Map
	n        atomic.Int64
	totalLen atomic.Int64

	store  Persister
	logger *slog.Logger
}

type Option func(*Index)

func WithPersister(store Persister) Option {
	return func(ix *Index) {
		ix.store = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

func New(opts ...Option) *Index {
	ix := &Index{
		docs:   make(map[string]*document),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Index stores the postings of text under chunkID, replacing earlier ones.
func (ix *Index) Index(_ context.Context, chunkID, text string) error {
	if chunkID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "lexical index", errors.New("empty chunk id"))
	}
	tokens := Tokenize(text)
	tf := termFrequencies(tokens)

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if ix.store != nil {
		raw, err := json.Marshal(storedDocument{Length: len(tokens), TF: tf})
		if err != nil {
			return fmt.Errorf("encode postings: %w", err)
		}
		if err := ix.store.Put(keyPrefix+chunkID, raw); err != nil {
			return domain.WrapError(domain.ErrTemporary, "lexical persist", err)
		}
	}
	ix.publish(chunkID, len(tokens), tf)
	return nil
}

func (ix *Index) Len() int {
	return int(ix.n.Load())
}

// Search ranks live chunks against the query terms, ties by chunk id.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	queryTerms := uniqueTerms(Tokenize(query))
	if len(queryTerms) == 0 {
		return nil, nil
	}

	n := float64(ix.n.Load())
	avgLen := 1.0
	if n > 0 {
		avgLen = float64(ix.totalLen.Load()) / n
		if avgLen <= 0 {
			avgLen = 1
		}
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		value, ok := ix.terms.Load(term)
		if !ok {
			continue
		}
		postings := *value.(*postingList).items.Load()

		df := 0
		for _, p := range postings {
			if p.doc.live.Load() {
				df++
			}
		}
		if df == 0 {
			continue
		}
		docCount := n
		if float64(df) > docCount {
			docCount = float64(df)
		}
		idf := math.Log(1 + (docCount-float64(df)+0.5)/(float64(df)+0.5))

		for _, p := range postings {
			if !p.doc.live.Load() {
				continue
			}
			tf := float64(p.tf)
			norm := bm25K1 * (1 - bm25B + bm25B*float64(p.doc.length)/avgLen)
			scores[p.doc.chunkID] += idf * (tf * (bm25K1 + 1)) / (tf + norm)
		}
	}

	results := make([]domain.ScoredChunk, 0, len(scores))
	for chunkID, score := range scores {
		if math.IsNaN(score) || math.IsInf(score, 0) {
			continue
		}
		results = append(results, domain.ScoredChunk{ChunkID: chunkID, Score: score})
	}
	slices.SortFunc(results, func(a, b domain.ScoredChunk) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ChunkID, b.ChunkID)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Load rebuilds postings from the persister.
func (ix *Index) Load(_ context.Context) error {
	if ix.store == nil {
		return nil
	}
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	loaded := 0
	err := ix.store.Iterate(keyPrefix, func(key string, value []byte) error {
		var stored storedDocument
		if err := json.Unmarshal(value, &stored); err != nil {
			return fmt.Errorf("decode postings %s: %w", key, err)
		}
		ix.publish(strings.TrimPrefix(key, keyPrefix), stored.Length, stored.TF)
		loaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("load lexical index: %w", err)
	}
	ix.logger.Info("lexical_index_loaded", "chunks", loaded)
	return nil
}

// publish must be called with writeMu held. The new generation becomes
// visible only after all of its postings are appended.
func (ix *Index) publish(chunkID string, length int, tf map[string]int) {
	if old, ok := ix.docs[chunkID]; ok {
		old.live.Store(false)
		ix.n.Add(-1)
		ix.totalLen.Add(-int64(old.length))
		for _, term := range old.terms {
			if value, ok := ix.terms.Load(term); ok {
				value.(*postingList).dead++
			}
		}
	}

	doc := &document{chunkID: chunkID, length: length, terms: make([]string, 0, len(tf))}
	for term, freq := range tf {
		doc.terms = append(doc.terms, term)
		list := ix.list(term)
		list.append(posting{doc: doc, tf: freq})
	}

	ix.docs[chunkID] = doc
	ix.n.Add(1)
	ix.totalLen.Add(int64(length))
	doc.live.Store(true)
}

func (ix *Index) list(term string) *postingList {
	if value, ok := ix.terms.Load(term); ok {
		return value.(*postingList)
	}
	list := &postingList{}
	empty := make([]posting, 0, 1)
	list.items.Store(&empty)
	ix.terms.Store(term, list)
	return list
}

// append rewrites the list without dead postings once they are the majority.
func (l *postingList) append(p posting) {
	current := *l.items.Load()
	if len(current) >= minRewriteLen && l.dead*2 > len(current) {
		next := make([]posting, 0, len(current)-l.dead+1)
		for _, existing := range current {
			if existing.doc.live.Load() {
				next = append(next, existing)
			}
		}
		next = append(next, p)
		l.items.Store(&next)
		l.dead = 0
		return
	}
	next := append(current, p)
	l.items.Store(&next)
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}
