package xlsx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

// Extractor treats every worksheet as one page; cells are tab-joined.
type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) PageCount(ctx context.Context, doc *domain.Document) (int, error) {
	f, err := e.open(ctx, doc)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := len(f.GetSheetList())
	if n == 0 {
		return 0, domain.WrapError(domain.ErrContent, "count sheets", errors.New("workbook has no sheets"))
	}
	return n, nil
}

func (e *Extractor) ExtractPage(ctx context.Context, doc *domain.Document, page int) (string, error) {
	f, err := e.open(ctx, doc)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if page < 1 || page > len(sheets) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract sheet", fmt.Errorf("page %d out of range 1..%d", page, len(sheets)))
	}

	rows, err := f.GetRows(sheets[page-1])
	if err != nil {
		return "", domain.WrapError(domain.ErrContent, "read sheet "+sheets[page-1], err)
	}

	var b strings.Builder
	for _, row := range rows {
		line := strings.TrimSpace(strings.Join(row, "\t"))
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()), nil
}

func (e *Extractor) open(ctx context.Context, doc *domain.Document) (*excelize.File, error) {
	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "read source document", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.WrapError(domain.ErrContent, "parse workbook", err)
	}
	return f, nil
}
