package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// DocumentRepository keeps document state in process. It honours the same
// conditional-update contract as the postgres repository.
type DocumentRepository struct {
	mu   sync.Mutex
	docs map[string]*domain.Document
	now  func() time.Time
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{
		docs: make(map[string]*domain.Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *DocumentRepository) Create(_ context.Context, doc *domain.Document) error {
	if doc == nil || doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "create document", fmt.Errorf("document id is required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.docs[doc.ID]; exists {
		return domain.WrapError(domain.ErrInvalidInput, "create document", fmt.Errorf("duplicate id %s", doc.ID))
	}
	stored := cloneDocument(doc)
	r.docs[doc.ID] = stored
	return nil
}

func (r *DocumentRepository) GetByID(_ context.Context, id string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneDocument(doc), nil
}

func (r *DocumentRepository) List(_ context.Context) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Document, 0, len(r.docs))
	for _, doc := range r.docs {
		out = append(out, *cloneDocument(doc))
	}
	sortFIFO(out)
	return out, nil
}

func (r *DocumentRepository) CountByStatus(_ context.Context) (map[domain.DocumentStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.DocumentStatus]int, len(domain.AllStatuses))
	for _, doc := range r.docs {
		counts[doc.Status]++
	}
	return counts, nil
}

func (r *DocumentRepository) ListQueued(_ context.Context, limit int) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Document, 0)
	for _, doc := range r.docs {
		if doc.Status == domain.StatusQueued {
			out = append(out, *cloneDocument(doc))
		}
	}
	sortFIFO(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DocumentRepository) ListStale(_ context.Context, before time.Time) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Document, 0)
	for _, doc := range r.docs {
		if doc.Status == domain.StatusProcessing && doc.UpdatedAt.Before(before) {
			out = append(out, *cloneDocument(doc))
		}
	}
	sortFIFO(out)
	return out, nil
}

func (r *DocumentRepository) Transition(
	_ context.Context,
	id string,
	from []domain.DocumentStatus,
	to domain.DocumentStatus,
	errMessage string,
) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	if !domain.ContainsStatus(from, doc.Status) {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "transition document",
			fmt.Errorf("%s -> %s not allowed", doc.Status, to))
	}
	doc.Status = to
	doc.Error = errMessage
	doc.UpdatedAt = r.now()
	return cloneDocument(doc), nil
}

func (r *DocumentRepository) Claim(_ context.Context, id, runToken string, at time.Time) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	if doc.Status != domain.StatusQueued {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "claim document",
			fmt.Errorf("%s -> %s not allowed", doc.Status, domain.StatusProcessing))
	}
	started := at
	doc.Status = domain.StatusProcessing
	doc.RunToken = runToken
	doc.StartedAt = &started
	doc.UpdatedAt = at
	return cloneDocument(doc), nil
}

func (r *DocumentRepository) SetTotalPages(_ context.Context, id, runToken string, totalPages int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.leased(id, runToken, "set total pages")
	if err != nil {
		return err
	}
	if totalPages < doc.PagesProcessed {
		return domain.WrapError(domain.ErrInvariant, "set total pages",
			fmt.Errorf("total_pages %d below pages_processed %d", totalPages, doc.PagesProcessed))
	}
	doc.TotalPages = totalPages
	doc.UpdatedAt = r.now()
	return nil
}

func (r *DocumentRepository) CommitPage(_ context.Context, id, runToken string, page, chunkCount int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.leased(id, runToken, "commit page")
	if err != nil {
		return err
	}
	if page != doc.LastPageProcessed+1 || page > doc.TotalPages {
		return domain.WrapError(domain.ErrInvariant, "commit page",
			fmt.Errorf("page %d after checkpoint %d of %d", page, doc.LastPageProcessed, doc.TotalPages))
	}
	checkpoint := at
	doc.LastPageProcessed = page
	doc.PagesProcessed++
	doc.ChunkCount += chunkCount
	doc.CheckpointAt = &checkpoint
	doc.UpdatedAt = at
	return nil
}

func (r *DocumentRepository) Complete(_ context.Context, id, runToken string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.leased(id, runToken, "complete document")
	if err != nil {
		return err
	}
	completed := at
	doc.Status = domain.StatusCompleted
	doc.Error = ""
	doc.CompletedAt = &completed
	doc.UpdatedAt = at
	return nil
}

func (r *DocumentRepository) Fail(_ context.Context, id, runToken, errMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.leased(id, runToken, "fail document")
	if err != nil {
		return err
	}
	doc.Status = domain.StatusFailed
	doc.Error = errMessage
	doc.UpdatedAt = r.now()
	return nil
}

func (r *DocumentRepository) Requeue(_ context.Context, id, runToken, errMessage string, maxRetries int) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.leased(id, runToken, "requeue document")
	if err != nil {
		return nil, err
	}
	doc.RetryCount++
	doc.Error = errMessage
	doc.UpdatedAt = r.now()
	switch {
	case doc.RetryCount > maxRetries:
		doc.Status = domain.StatusFailed
		doc.RunToken = ""
	case doc.Status == domain.StatusPaused:
		// a pending pause survives the failure; resume adopts the kept token
	default:
		doc.Status = domain.StatusQueued
		doc.RunToken = ""
	}
	return cloneDocument(doc), nil
}

// leased returns the stored document when runToken still owns an active run.
func (r *DocumentRepository) leased(id, runToken, op string) (*domain.Document, error) {
	doc, ok := r.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	if doc.RunToken != runToken || (doc.Status != domain.StatusProcessing && doc.Status != domain.StatusPaused) {
		return nil, domain.WrapError(domain.ErrLeaseLost, op, fmt.Errorf("document %s is %s", id, doc.Status))
	}
	return doc, nil
}

func notFound(id string) error {
	return domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
}

func sortFIFO(docs []domain.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
}

func cloneDocument(doc *domain.Document) *domain.Document {
	out := *doc
	out.StartedAt = cloneTime(doc.StartedAt)
	out.CheckpointAt = cloneTime(doc.CheckpointAt)
	out.CompletedAt = cloneTime(doc.CompletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
