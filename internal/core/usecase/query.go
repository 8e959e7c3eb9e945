package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

const (
	QueryModeHybrid       = "hybrid"
	QueryModeHybridRerank = "hybrid+rerank"

	defaultSearchLimit = 5
	searchService      = "retrieval"
)

type RetrievalOptions struct {
	Mode                string
	CandidateMultiplier int
	MinCandidates       int
	RRFK                int
	RerankTopN          int
	MaxResults          int
	SnippetLength       int
	// SharedTimeout bounds a retrieval shared by concurrent callers; it
	// runs detached from any single caller's context.
	SharedTimeout time.Duration
}

// SearchObserver receives per-query signals.
type SearchObserver interface {
	RecordSearch(service string, cached bool, hits int, duration time.Duration)
	RecordDegradedSearch(service, failedIndex string)
}

type noopSearchObserver struct{}

func (noopSearchObserver) RecordSearch(string, bool, int, time.Duration) {}
func (noopSearchObserver) RecordDegradedSearch(string, string) {}

type QueryUseCase struct {
	embedder  ports.Embedder
	vectors   ports.VectorIndex
	lexical   ports.LexicalIndex
	chunks    ports.ChunkRepository
	documents ports.DocumentRepository
	cache     ports.ResultCache
	opts      RetrievalOptions

	group    singleflight.Group
	observer SearchObserver
	logger   *slog.Logger
}

func NewQueryUseCase(
	embedder ports.Embedder,
	vectors ports.VectorIndex,
	lexical ports.LexicalIndex,
	chunks ports.ChunkRepository,
	documents ports.DocumentRepository,
	cache ports.ResultCache,
	opts RetrievalOptions,
) *QueryUseCase {
	if opts.Mode != QueryModeHybridRerank {
		opts.Mode = QueryModeHybrid
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = 3
	}
	if opts.MinCandidates <= 0 {
		opts.MinCandidates = 20
	}
	if opts.RRFK <= 0 {
		opts.RRFK = defaultRRFK
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 100
	}
	if opts.SnippetLength <= 0 {
		opts.SnippetLength = 280
	}
	if opts.SharedTimeout <= 0 {
		opts.SharedTimeout = 30 * time.Second
	}
	return &QueryUseCase{
		embedder:  embedder,
		vectors:   vectors,
		lexical:   lexical,
		chunks:    chunks,
		documents: documents,
		cache:     cache,
		opts:      opts,
		observer:  noopSearchObserver{},
		logger:    slog.Default(),
	}
}

func (uc *QueryUseCase) WithObserver(observer SearchObserver) *QueryUseCase {
	if observer != nil {
		uc.observer = observer
	}
	return uc
}

func (uc *QueryUseCase) WithLogger(logger *slog.Logger) *QueryUseCase {
	if logger != nil {
		uc.logger = logger
	}
	return uc
}

// Query returns the top k chunk ids by fused rank over both indexes.
func (uc *QueryUseCase) Query(ctx context.Context, text string, k int) ([]domain.FusedChunk, error) {
	k, err := uc.validate(text, k)
	if err != nil {
		return nil, err
	}
	fused, err := uc.retrieve(ctx, text, uc.candidates(k))
	if err != nil {
		return nil, err
	}
	return trimCandidates(fused, k), nil
}

// Search serves hydrated hits, from the result cache when possible.
// Concurrent misses for the same fingerprint share one retrieval; a caller
// that gives up leaves it running for the others.
func (uc *QueryUseCase) Search(ctx context.Context, text string, k int, filter domain.SearchFilter) ([]domain.SearchHit, error) {
	started := time.Now()
	k, err := uc.validate(text, k)
	if err != nil {
		return nil, err
	}

	fingerprint := domain.QueryFingerprint(text, k, filter)
	if uc.cache != nil {
		if hits, ok := uc.cache.Get(fingerprint); ok {
			uc.observer.RecordSearch(searchService, true, len(hits), time.Since(started))
			return hits, nil
		}
	}

	shared := uc.group.DoChan(fingerprint, func() (any, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.SharedTimeout)
		defer cancel()
		hits, err := uc.search(sharedCtx, text, k, filter)
		if err != nil {
			return nil, err
		}
		if uc.cache != nil {
			uc.cache.Put(fingerprint, hits)
		}
		return hits, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-shared:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	hits := slices.Clone(res.Val.([]domain.SearchHit))
	uc.observer.RecordSearch(searchService, false, len(hits), time.Since(started))
	return hits, nil
}

func (uc *QueryUseCase) validate(text string, k int) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, domain.WrapError(domain.ErrInvalidInput, "search", errors.New("query text is required"))
	}
	if k < 0 || k > uc.opts.MaxResults {
		return 0, domain.WrapError(domain.ErrInvalidInput, "search",
			fmt.Errorf("k must be between 1 and %d", uc.opts.MaxResults))
	}
	if k == 0 {
		k = defaultSearchLimit
	}
	return k, nil
}

func (uc *QueryUseCase) candidates(k int) int {
	return max(k*uc.opts.CandidateMultiplier, uc.opts.MinCandidates)
}

func (uc *QueryUseCase) search(ctx context.Context, text string, k int, filter domain.SearchFilter) ([]domain.SearchHit, error) {
	fused, err := uc.retrieve(ctx, text, uc.candidates(k))
	if err != nil {
		return nil, err
	}
	candidates, err := uc.hydrate(ctx, fused, filter)
	if err != nil {
		return nil, err
	}
	if uc.opts.Mode == QueryModeHybridRerank {
		candidates = rerankHybridCandidates(text, candidates, uc.opts.RerankTopN)
	}
	candidates = trimCandidates(candidates, k)

	hits := make([]domain.SearchHit, len(candidates))
	for i, c := range candidates {
		hits[i] = c.hit
	}
	return hits, nil
}

// retrieve runs the vector and lexical searches concurrently. One side
// failing degrades the result to the other side.
func (uc *QueryUseCase) retrieve(ctx context.Context, text string, candidates int) ([]domain.FusedChunk, error) {
	var (
		vectorHits, lexicalHits []domain.ScoredChunk
		vectorErr, lexicalErr   error
	)

	var g errgroup.Group
	g.Go(func() error {
		queryVector, err := uc.embedder.EmbedQuery(ctx, text)
		if err != nil {
			vectorErr = fmt.Errorf("embed query: %w", err)
			return nil
		}
		vectorHits, vectorErr = uc.vectors.Search(ctx, queryVector, candidates)
		if vectorErr != nil {
			vectorErr = fmt.Errorf("search vector index: %w", vectorErr)
		}
		return nil
	})
	g.Go(func() error {
		lexicalHits, lexicalErr = uc.lexical.Search(ctx, text, candidates)
		if lexicalErr != nil {
			lexicalErr = fmt.Errorf("search lexical index: %w", lexicalErr)
		}
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case vectorErr != nil && lexicalErr != nil:
		return nil, fmt.Errorf("hybrid search: %w", errors.Join(vectorErr, lexicalErr))
	case vectorErr != nil:
		uc.logger.Warn("search_degraded", "failed_index", "vector", "error", vectorErr.Error())
		uc.observer.RecordDegradedSearch(searchService, "vector")
	case lexicalErr != nil:
		uc.logger.Warn("search_degraded", "failed_index", "lexical", "error", lexicalErr.Error())
		uc.observer.RecordDegradedSearch(searchService, "lexical")
	}

	return fuseCandidatesRRF(vectorHits, lexicalHits, uc.opts.RRFK), nil
}

// hydrate attaches chunk and document fields to fused candidates, drops
// chunks that no longer exist and applies the document filter.
func (uc *QueryUseCase) hydrate(ctx context.Context, fused []domain.FusedChunk, filter domain.SearchFilter) ([]rerankCandidate, error) {
	if len(fused) == 0 {
		return nil, nil
	}
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ChunkID
	}
	chunks, err := uc.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	byID := make(map[string]domain.Chunk, len(chunks))
	for _, chunk := range chunks {
		byID[chunk.ID] = chunk
	}

	sourceNames := make(map[string]string)
	out := make([]rerankCandidate, 0, len(fused))
	for _, f := range fused {
		chunk, ok := byID[f.ChunkID]
		if !ok || !filter.Allows(chunk.DocumentID) {
			continue
		}
		sourceName, seen := sourceNames[chunk.DocumentID]
		if !seen {
			if doc, err := uc.documents.GetByID(ctx, chunk.DocumentID); err == nil {
				sourceName = doc.SourceName
			}
			sourceNames[chunk.DocumentID] = sourceName
		}
		out = append(out, rerankCandidate{
			hit: domain.SearchHit{
				ChunkID:     chunk.ID,
				DocumentID:  chunk.DocumentID,
				SourceName:  sourceName,
				PageNumber:  chunk.PageNumber,
				TextSnippet: snippet(chunk.Text, uc.opts.SnippetLength),
				FusedScore:  f.FusedScore,
			},
			text: chunk.Text,
		})
	}
	return out, nil
}

func snippet(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
