package httpadapter

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type submitterFake struct {
	doc *domain.Document
	err error
}

func (f submitterFake) Submit(_ context.Context, sourceName, mimeType string, body io.Reader) (*domain.Document, error) {
	if f.err != nil {
		return f.doc, f.err
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit", io.EOF)
	}

	now := time.Now().UTC()
	return &domain.Document{
		ID:         "doc-1",
		SourceName: sourceName,
		MimeType:   mimeType,
		ByteSize:   int64(len(raw)),
		Status:     domain.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

type controllerFake struct {
	err     error
	actions []string
}

func (f *controllerFake) apply(action, id string, status domain.DocumentStatus) (*domain.Document, error) {
	f.actions = append(f.actions, action+":"+id)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{ID: id, Status: status, TotalPages: 4, LastPageProcessed: 1}, nil
}

func (f *controllerFake) Pause(_ context.Context, id string) (*domain.Document, error) {
	return f.apply("pause", id, domain.StatusPaused)
}

func (f *controllerFake) Resume(_ context.Context, id string) (*domain.Document, error) {
	return f.apply("resume", id, domain.StatusProcessing)
}

func (f *controllerFake) Cancel(_ context.Context, id string) (*domain.Document, error) {
	return f.apply("cancel", id, domain.StatusFailed)
}

type readerFake struct {
	err error
}

func (f readerFake) Status(_ context.Context, id string) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{ID: id, Status: domain.StatusProcessing, TotalPages: 4, PagesProcessed: 1, LastPageProcessed: 1}, nil
}

func (f readerFake) StatusSnapshot(context.Context) (*domain.StatusSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc := domain.Document{ID: "doc-1", Status: domain.StatusCompleted, TotalPages: 2, PagesProcessed: 2, LastPageProcessed: 2}
	return &domain.StatusSnapshot{Completed: 1, Documents: []domain.DocumentProgress{domain.NewDocumentProgress(doc)}}, nil
}

type searchFake struct {
	err       error
	gotK      int
	gotFilter domain.SearchFilter
}

func (f *searchFake) Search(_ context.Context, _ string, k int, filter domain.SearchFilter) ([]domain.SearchHit, error) {
	f.gotK = k
	f.gotFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return []domain.SearchHit{{ChunkID: "doc-1:1:0", DocumentID: "doc-1", PageNumber: 1, TextSnippet: "insulin", FusedScore: 2.0 / 61.0}}, nil
}

type testDeps struct {
	submitter  submitterFake
	controller *controllerFake
	reader     readerFake
	search     *searchFake
}

func newTestDeps() *testDeps {
	return &testDeps{controller: &controllerFake{}, search: &searchFake{}}
}

func (d *testDeps) router(cfg config.Config) *Router {
	if cfg.RAGTopK == 0 {
		cfg.RAGTopK = 5
	}
	return NewRouter(cfg, d.submitter, d.controller, d.reader, d.search)
}

func newTestHandler(cfg config.Config) http.Handler {
	return newTestDeps().router(cfg).Handler()
}
