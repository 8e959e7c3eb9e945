package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// DocumentRepository persists document state. Every mutating call is a
// conditional update: it fails without side effects when the stored
// status or run token does not match.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	List(ctx context.Context) ([]domain.Document, error)
	CountByStatus(ctx context.Context) (map[domain.DocumentStatus]int, error)
	ListQueued(ctx context.Context, limit int) ([]domain.Document, error)
	ListStale(ctx context.Context, before time.Time) ([]domain.Document, error)

	Transition(ctx context.Context, id string, from []domain.DocumentStatus, to domain.DocumentStatus, errMessage string) (*domain.Document, error)
	Claim(ctx context.Context, id, runToken string, at time.Time) (*domain.Document, error)
	SetTotalPages(ctx context.Context, id, runToken string, totalPages int) error
	CommitPage(ctx context.Context, id, runToken string, page, chunkCount int, at time.Time) error
	Complete(ctx context.Context, id, runToken string, at time.Time) error
	Fail(ctx context.Context, id, runToken, errMessage string) error
	Requeue(ctx context.Context, id, runToken, errMessage string, maxRetries int) (*domain.Document, error)
}

// ChunkRepository stores chunk rows; saves are upserts keyed by chunk id.
type ChunkRepository interface {
	SaveChunks(ctx context.Context, chunks []domain.Chunk) error
	GetChunks(ctx context.Context, ids []string) ([]domain.Chunk, error)
	ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

// DedupStore is the durable content_hash -> chunk_id table.
type DedupStore interface {
	Lookup(ctx context.Context, contentHash string) (string, bool, error)
	// Record inserts if absent and returns the chunk id that owns the hash.
	Record(ctx context.Context, contentHash, chunkID string) (string, error)
}

// DedupLedger guarantees at most one embedding computation per content hash.
type DedupLedger interface {
	Lookup(ctx context.Context, contentHash string) (string, bool, error)
	Record(ctx context.Context, contentHash, chunkID string) (string, error)
	Acquire(ctx context.Context, contentHash, chunkID string) (DedupClaim, error)
}

// DedupClaim is the right (Owner) or the promise (not Owner) to produce the
// embedding for one content hash.
type DedupClaim interface {
	Owner() bool
	// Commit records the owner's chunk id and returns the winning id.
	Commit(ctx context.Context) (string, error)
	Abandon(err error)
	// Wait blocks until the owner commits or abandons.
	Wait(ctx context.Context) (string, error)
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// MessageQueue publishes submission wake-ups and status events.
type MessageQueue interface {
	PublishDocumentSubmitted(ctx context.Context, documentID string) error
	SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error
	PublishStatusChanged(ctx context.Context, event domain.StatusEvent) error
}

// PageExtractor reads text page by page from a stored document.
type PageExtractor interface {
	PageCount(ctx context.Context, doc *domain.Document) (int, error)
	ExtractPage(ctx context.Context, doc *domain.Document, page int) (string, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunker splits text into semantically usable chunks.
type Chunker interface {
	Split(text string) []string
}

// VectorIndex is a nearest-neighbour index over chunk embeddings.
type VectorIndex interface {
	Insert(ctx context.Context, chunkID string, embedding []float32) error
	Search(ctx context.Context, query []float32, k int) ([]domain.ScoredChunk, error)
	Remove(ctx context.Context, chunkID string) error
	Len() int
}

// LexicalIndex is an inverted term index ranked by BM25.
type LexicalIndex interface {
	Index(ctx context.Context, chunkID, text string) error
	Search(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error)
	Len() int
}

// ResultCache memoizes hybrid search results by query fingerprint.
type ResultCache interface {
	Get(fingerprint string) ([]domain.SearchHit, bool)
	Put(fingerprint string, hits []domain.SearchHit)
}

// StatusEventSource streams status-change events. Subscribe blocks until
// ctx is done.
type StatusEventSource interface {
	SubscribeStatusChanged(ctx context.Context, handler func(domain.StatusEvent)) error
}
