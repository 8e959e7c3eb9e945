package usecase

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/dedup"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/index/lexical"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/index/vector"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/repository/memory"
)

// pipeChunker splits page text on "|" so tests control chunk boundaries.
type pipeChunker struct{}

func (pipeChunker) Split(text string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(text, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type embedderFake struct {
	mu      sync.Mutex
	texts   []string
	queries int
	err     error
	gate    chan struct{}
	vectors map[string][]float32
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.vectorFor(text)
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return f.vectorFor(text), nil
}

func (f *embedderFake) vectorFor(text string) []float32 {
	if v, ok := f.vectors[text]; ok {
		return v
	}
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, 8)
	for i := range out {
		out[i] = float32(sum[i]) + 1
	}
	return out
}

func (f *embedderFake) embedded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *embedderFake) queryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// pageExtractorFake serves pages from memory. hooks run before a page is
// returned; gate blocks extraction until closed or the run is aborted.
type pageExtractorFake struct {
	mu       sync.Mutex
	pages    map[string][]string
	errs     map[string]map[int]error
	hooks    map[string]map[int]func()
	gate     chan struct{}
	calls    map[string][]int
	inflight int
	peak     int
}

func newPageExtractorFake() *pageExtractorFake {
	return &pageExtractorFake{
		pages: make(map[string][]string),
		errs:  make(map[string]map[int]error),
		hooks: make(map[string]map[int]func()),
		calls: make(map[string][]int),
	}
}

func (f *pageExtractorFake) setPages(documentID string, pages ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[documentID] = pages
}

func (f *pageExtractorFake) failPage(documentID string, page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs[documentID] == nil {
		f.errs[documentID] = make(map[int]error)
	}
	f.errs[documentID][page] = err
}

func (f *pageExtractorFake) onPage(documentID string, page int, hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hooks[documentID] == nil {
		f.hooks[documentID] = make(map[int]func())
	}
	f.hooks[documentID][page] = hook
}

func (f *pageExtractorFake) PageCount(_ context.Context, doc *domain.Document) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages, ok := f.pages[doc.ID]
	if !ok {
		return 0, domain.WrapError(domain.ErrContent, "count pages", fmt.Errorf("unknown document %s", doc.ID))
	}
	return len(pages), nil
}

func (f *pageExtractorFake) ExtractPage(ctx context.Context, doc *domain.Document, page int) (string, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.calls[doc.ID] = append(f.calls[doc.ID], page)
	gate := f.gate
	hook := f.hooks[doc.ID][page]
	err := f.errs[doc.ID][page]
	pages := f.pages[doc.ID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return pages[page-1], nil
}

func (f *pageExtractorFake) pageCalls(documentID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls[documentID]...)
}

func (f *pageExtractorFake) peakInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type statusEventsFake struct {
	mu        sync.Mutex
	submitted []string
	events    []domain.StatusEvent
	err       error
}

func (f *statusEventsFake) PublishDocumentSubmitted(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, documentID)
	return nil
}

func (f *statusEventsFake) SubscribeDocumentSubmitted(context.Context, func(context.Context, string) error) error {
	return nil
}

func (f *statusEventsFake) PublishStatusChanged(_ context.Context, event domain.StatusEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *statusEventsFake) statuses(documentID string) []domain.DocumentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DocumentStatus, 0)
	for _, e := range f.events {
		if e.DocumentID == documentID {
			out = append(out, e.Status)
		}
	}
	return out
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string]string)
	}
	f.objects[key] = string(raw)
	return int64(len(raw)), nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(strings.NewReader(f.objects[key])), nil
}

type pipeline struct {
	docs      *memory.DocumentRepository
	chunks    *memory.ChunkRepository
	dedup     *memory.DedupStore
	extractor *pageExtractorFake
	embedder  *embedderFake
	vectors   *vector.Index
	lexical   *lexical.Index
	events    *statusEventsFake
	processor *ProcessDocumentUseCase
}

func newPipeline(t *testing.T, limits ProcessorLimits) *pipeline {
	t.Helper()
	p := &pipeline{
		docs:      memory.NewDocumentRepository(),
		chunks:    memory.NewChunkRepository(),
		dedup:     memory.NewDedupStore(),
		extractor: newPageExtractorFake(),
		embedder:  &embedderFake{},
		vectors:   vector.New(),
		lexical:   lexical.New(),
		events:    &statusEventsFake{},
	}
	ledger, err := dedup.NewLedger(p.dedup, 64, nil)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	p.processor = NewProcessDocumentUseCase(
		p.docs, p.chunks, p.extractor, pipeChunker{}, p.embedder,
		p.vectors, p.lexical, ledger, p.events, limits,
	)
	return p
}

// queue stores a Queued document whose pages are served by the extractor fake.
func (p *pipeline) queue(t *testing.T, id string, createdAt time.Time, pages ...string) *domain.Document {
	t.Helper()
	doc := &domain.Document{
		ID:         id,
		SourceName: id + ".pdf",
		Status:     domain.StatusQueued,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	if err := p.docs.Create(context.Background(), doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	p.extractor.setPages(id, pages...)
	return doc
}

func (p *pipeline) get(t *testing.T, id string) *domain.Document {
	t.Helper()
	doc, err := p.docs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return doc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
