package ports

import (
	"context"
	"io"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// DocumentSubmitter is the inbound contract for accepting new documents.
type DocumentSubmitter interface {
	Submit(ctx context.Context, sourceName, mimeType string, body io.Reader) (*domain.Document, error)
}

// DocumentController applies caller-requested lifecycle changes.
type DocumentController interface {
	Pause(ctx context.Context, documentID string) (*domain.Document, error)
	Resume(ctx context.Context, documentID string) (*domain.Document, error)
	Cancel(ctx context.Context, documentID string) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document state and progress.
type DocumentReader interface {
	Status(ctx context.Context, documentID string) (*domain.Document, error)
	StatusSnapshot(ctx context.Context) (*domain.StatusSnapshot, error)
}

// SearchService is the inbound contract for hybrid retrieval.
type SearchService interface {
	Search(ctx context.Context, query string, k int, filter domain.SearchFilter) ([]domain.SearchHit, error)
}
