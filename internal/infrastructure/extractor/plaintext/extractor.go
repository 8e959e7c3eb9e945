package plaintext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

// PageBreak separates pages in plain text sources.
const PageBreak = "\f"

type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) PageCount(ctx context.Context, doc *domain.Document) (int, error) {
	pages, err := e.pages(ctx, doc)
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

func (e *Extractor) ExtractPage(ctx context.Context, doc *domain.Document, page int) (string, error) {
	pages, err := e.pages(ctx, doc)
	if err != nil {
		return "", err
	}
	if page < 1 || page > len(pages) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract page", fmt.Errorf("page %d out of range 1..%d", page, len(pages)))
	}
	return strings.TrimSpace(pages[page-1]), nil
}

func (e *Extractor) pages(ctx context.Context, doc *domain.Document) ([]string, error) {
	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "read source document", err)
	}
	if !utf8.Valid(raw) {
		return nil, domain.WrapError(domain.ErrContent, "decode text", errors.New("source is not valid UTF-8: "+doc.SourceName))
	}

	text := strings.TrimRight(string(raw), PageBreak+"\n\r\t ")
	if strings.TrimSpace(text) == "" {
		return nil, domain.WrapError(domain.ErrContent, "decode text", errors.New("document is empty"))
	}
	return strings.Split(text, PageBreak), nil
}
