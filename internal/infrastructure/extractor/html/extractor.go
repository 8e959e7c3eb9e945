package html

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

const maxHTMLBytes = 32 << 20

// Extractor returns the visible text of an HTML document as a single page.
type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) PageCount(context.Context, *domain.Document) (int, error) {
	return 1, nil
}

func (e *Extractor) ExtractPage(ctx context.Context, doc *domain.Document, page int) (string, error) {
	if page != 1 {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract html", fmt.Errorf("page %d out of range 1..1", page))
	}

	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return "", fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	utf8Reader, err := charset.NewReader(io.LimitReader(reader, maxHTMLBytes), doc.MimeType)
	if err != nil {
		return "", domain.WrapError(domain.ErrContent, "decode html charset", err)
	}
	text, err := visibleText(utf8Reader)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", domain.WrapError(domain.ErrContent, "extract html", errors.New("no visible text"))
	}
	return text, nil
}

func visibleText(r io.Reader) (string, error) {
	var b strings.Builder
	z := html.NewTokenizer(r)
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return collapseBlankLines(b.String()), nil
			}
			return "", domain.WrapError(domain.ErrTemporary, "read html", z.Err())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "template":
				skip++
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "template":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
