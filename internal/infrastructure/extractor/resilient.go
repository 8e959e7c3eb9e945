package extractor

import (
	"context"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/resilience"
)

// Resilient retries temporary extraction failures through the executor.
// Content errors pass straight through.
type Resilient struct {
	inner    ports.PageExtractor
	executor *resilience.Executor
}

func NewResilient(inner ports.PageExtractor, executor *resilience.Executor) *Resilient {
	return &Resilient{inner: inner, executor: executor}
}

func (r *Resilient) PageCount(ctx context.Context, doc *domain.Document) (int, error) {
	var total int
	err := r.executor.Execute(ctx, "extractor.page_count", func(ctx context.Context) error {
		n, err := r.inner.PageCount(ctx, doc)
		if err != nil {
			return err
		}
		total = n
		return nil
	}, resilience.ClassifyDomainError)
	return total, err
}

func (r *Resilient) ExtractPage(ctx context.Context, doc *domain.Document, page int) (string, error) {
	var text string
	err := r.executor.Execute(ctx, "extractor.extract_page", func(ctx context.Context) error {
		out, err := r.inner.ExtractPage(ctx, doc, page)
		if err != nil {
			return err
		}
		text = out
		return nil
	}, resilience.ClassifyDomainError)
	return text, err
}

func (r *Resilient) Release(documentID string) {
	if releaser, ok := r.inner.(interface{ Release(string) }); ok {
		releaser.Release(documentID)
	}
}
