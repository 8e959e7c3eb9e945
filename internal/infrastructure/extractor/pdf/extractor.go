package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

const defaultCacheSize = 16

// Extractor reads PDF pages. Parsed readers are cached per document so a
// multi-hundred-page run parses the file once.
type Extractor struct {
	storage ports.ObjectStorage
	cache   *lru.Cache[string, *parsedDocument]
}

type parsedDocument struct {
	mu     sync.Mutex
	reader *pdf.Reader
}

func NewExtractor(storage ports.ObjectStorage, cacheSize int) (*Extractor, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *parsedDocument](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create pdf cache: %w", err)
	}
	return &Extractor{storage: storage, cache: cache}, nil
}

func (e *Extractor) PageCount(ctx context.Context, doc *domain.Document) (int, error) {
	parsed, err := e.open(ctx, doc)
	if err != nil {
		return 0, err
	}
	parsed.mu.Lock()
	defer parsed.mu.Unlock()

	n := parsed.reader.NumPage()
	if n <= 0 {
		return 0, domain.WrapError(domain.ErrContent, "count pdf pages", errors.New("pdf has no pages"))
	}
	return n, nil
}

func (e *Extractor) ExtractPage(ctx context.Context, doc *domain.Document, page int) (text string, err error) {
	parsed, err := e.open(ctx, doc)
	if err != nil {
		return "", err
	}
	parsed.mu.Lock()
	defer parsed.mu.Unlock()

	if page < 1 || page > parsed.reader.NumPage() {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract pdf page",
			fmt.Errorf("page %d out of range 1..%d", page, parsed.reader.NumPage()))
	}

	defer func() {
		if r := recover(); r != nil {
			err = domain.WrapError(domain.ErrContent, "extract pdf page", fmt.Errorf("page %d: %v", page, r))
		}
	}()

	p := parsed.reader.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	text, err = p.GetPlainText(nil)
	if err != nil {
		return "", domain.WrapError(domain.ErrContent, "extract pdf page", fmt.Errorf("page %d: %w", page, err))
	}
	return strings.TrimSpace(text), nil
}

// Release drops the cached reader once a run no longer needs it.
func (e *Extractor) Release(documentID string) {
	e.cache.Remove(documentID)
}

func (e *Extractor) open(ctx context.Context, doc *domain.Document) (parsed *parsedDocument, err error) {
	if cached, ok := e.cache.Get(doc.ID); ok {
		return cached, nil
	}

	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "read source document", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = domain.WrapError(domain.ErrContent, "parse pdf", fmt.Errorf("%v", r))
		}
	}()
	pdfReader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrContent, "parse pdf", err)
	}

	parsed = &parsedDocument{reader: pdfReader}
	e.cache.Add(doc.ID, parsed)
	return parsed, nil
}
