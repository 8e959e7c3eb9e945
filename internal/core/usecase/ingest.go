package usecase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

type IngestDocumentUseCase struct {
	repo      ports.DocumentRepository
	storage   ports.ObjectStorage
	queue     ports.MessageQueue
	maxQueued int
	now       func() time.Time
}

// NewIngestDocumentUseCase accepts documents into the Queued state.
// maxQueued <= 0 disables the queue-length check.
func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	maxQueued int,
) *IngestDocumentUseCase {
	return &IngestDocumentUseCase{
		repo:      repo,
		storage:   storage,
		queue:     queue,
		maxQueued: maxQueued,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (uc *IngestDocumentUseCase) Submit(
	ctx context.Context,
	sourceName, mimeType string,
	body io.Reader,
) (*domain.Document, error) {
	sourceName = strings.TrimSpace(sourceName)
	if sourceName == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", errors.New("source_name is required"))
	}
	if body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", errors.New("document body is required"))
	}

	if uc.maxQueued > 0 {
		counts, err := uc.repo.CountByStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("count queued documents: %w", err)
		}
		if counts[domain.StatusQueued] >= uc.maxQueued {
			return nil, domain.WrapError(domain.ErrQueueFull, "submit document",
				fmt.Errorf("%d documents already queued", counts[domain.StatusQueued]))
		}
	}

	// nothing is persisted for an empty upload
	buffered := bufio.NewReader(body)
	if _, err := buffered.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", errors.New("document body is empty"))
		}
		return nil, fmt.Errorf("read document body: %w", err)
	}

	id := uuid.NewString()
	storageKey := fmt.Sprintf("%s_%s", id, sanitizeFilename(sourceName))
	now := uc.now()

	size, err := uc.storage.Save(ctx, storageKey, buffered)
	if err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	doc := &domain.Document{
		ID:          id,
		SourceName:  sourceName,
		MimeType:    mimeType,
		StoragePath: storageKey,
		ByteSize:    size,
		Status:      domain.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := uc.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document metadata: %w", err)
	}

	// The document is durable and Queued at this point; a lost wake-up only
	// delays dispatch until the next scheduler tick.
	if uc.queue != nil {
		if err := uc.queue.PublishDocumentSubmitted(ctx, doc.ID); err != nil {
			return doc, domain.WrapError(domain.ErrTemporary, "publish submission event", err)
		}
	}

	return doc, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.bin"
	}
	return base
}
