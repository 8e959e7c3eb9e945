package plaintext

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type storageFake struct {
	data string
}

func (s storageFake) Save(context.Context, string, io.Reader) (int64, error) { return 0, nil }

func (s storageFake) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.data)), nil
}

func TestPagesSplitOnFormFeed(t *testing.T) {
	ex := NewExtractor(storageFake{data: "page one\fpage two\n\fpage three\f\n"})
	doc := &domain.Document{ID: "d", StoragePath: "d_x.txt"}

	n, err := ex.PageCount(context.Background(), doc)
	if err != nil {
		t.Fatalf("PageCount() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pages, got %d", n)
	}
	text, err := ex.ExtractPage(context.Background(), doc, 2)
	if err != nil {
		t.Fatalf("ExtractPage() error = %v", err)
	}
	if text != "page two" {
		t.Fatalf("unexpected page text %q", text)
	}
}

func TestBinaryInputIsContentError(t *testing.T) {
	ex := NewExtractor(storageFake{data: string([]byte{0xff, 0xfe, 0x00})})
	_, err := ex.PageCount(context.Background(), &domain.Document{SourceName: "blob.bin"})
	if !domain.IsKind(err, domain.ErrContent) {
		t.Fatalf("expected ErrContent, got %v", err)
	}
}

func TestPageOutOfRange(t *testing.T) {
	ex := NewExtractor(storageFake{data: "only"})
	_, err := ex.ExtractPage(context.Background(), &domain.Document{}, 2)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
