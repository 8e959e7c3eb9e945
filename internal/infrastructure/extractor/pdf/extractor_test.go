package pdf

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type storageFake struct {
	data  string
	opens int
}

func (s *storageFake) Save(context.Context, string, io.Reader) (int64, error) { return 0, nil }

func (s *storageFake) Open(context.Context, string) (io.ReadCloser, error) {
	s.opens++
	return io.NopCloser(strings.NewReader(s.data)), nil
}

func TestCorruptPDFIsContentError(t *testing.T) {
	ex, err := NewExtractor(&storageFake{data: "definitely not a pdf"}, 4)
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	_, err = ex.PageCount(context.Background(), &domain.Document{ID: "d", StoragePath: "d_x.pdf"})
	if !domain.IsKind(err, domain.ErrContent) {
		t.Fatalf("expected ErrContent, got %v", err)
	}
}

func TestCorruptPDFIsNotCached(t *testing.T) {
	store := &storageFake{data: "%PDF-broken"}
	ex, _ := NewExtractor(store, 4)
	doc := &domain.Document{ID: "d", StoragePath: "d_x.pdf"}

	_, _ = ex.PageCount(context.Background(), doc)
	_, _ = ex.PageCount(context.Background(), doc)
	if store.opens != 2 {
		t.Fatalf("expected failed parse to be retried from storage, opens=%d", store.opens)
	}
}
