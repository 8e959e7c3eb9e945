package extractor

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

// Router dispatches page extraction by MIME type, then by file extension.
type Router struct {
	byMime   map[string]ports.PageExtractor
	byExt    map[string]ports.PageExtractor
	fallback ports.PageExtractor
}

func NewRouter() *Router {
	return &Router{
		byMime: make(map[string]ports.PageExtractor),
		byExt:  make(map[string]ports.PageExtractor),
	}
}

// Register binds an extractor to MIME types and extensions (".pdf").
func (r *Router) Register(extractor ports.PageExtractor, mimeTypes []string, extensions []string) *Router {
	for _, m := range mimeTypes {
		r.byMime[strings.ToLower(m)] = extractor
	}
	for _, ext := range extensions {
		r.byExt[strings.ToLower(ext)] = extractor
	}
	return r
}

// Fallback handles documents no registration matches.
func (r *Router) Fallback(extractor ports.PageExtractor) *Router {
	r.fallback = extractor
	return r
}

func (r *Router) PageCount(ctx context.Context, doc *domain.Document) (int, error) {
	ex, err := r.pick(doc)
	if err != nil {
		return 0, err
	}
	return ex.PageCount(ctx, doc)
}

func (r *Router) ExtractPage(ctx context.Context, doc *domain.Document, page int) (string, error) {
	ex, err := r.pick(doc)
	if err != nil {
		return "", err
	}
	return ex.ExtractPage(ctx, doc, page)
}

// Release forwards to extractors that cache per-document state.
func (r *Router) Release(documentID string) {
	seen := make(map[ports.PageExtractor]struct{})
	release := func(ex ports.PageExtractor) {
		if _, ok := seen[ex]; ok {
			return
		}
		seen[ex] = struct{}{}
		if rel, ok := ex.(interface{ Release(string) }); ok {
			rel.Release(documentID)
		}
	}
	for _, ex := range r.byMime {
		release(ex)
	}
	for _, ex := range r.byExt {
		release(ex)
	}
	if r.fallback != nil {
		release(r.fallback)
	}
}

func (r *Router) pick(doc *domain.Document) (ports.PageExtractor, error) {
	if mediaType, _, err := mime.ParseMediaType(doc.MimeType); err == nil {
		if ex, ok := r.byMime[strings.ToLower(mediaType)]; ok {
			return ex, nil
		}
	}
	if ex, ok := r.byExt[strings.ToLower(filepath.Ext(doc.SourceName))]; ok {
		return ex, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, domain.WrapError(domain.ErrContent, "select extractor",
		fmt.Errorf("unsupported document type %q (%s)", doc.MimeType, doc.SourceName))
}
