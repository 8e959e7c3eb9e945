package inproc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

const defaultBuffer = 256

// Queue is the single-process MessageQueue used when no NATS server is
// configured. Publishing never blocks: a full subscriber buffer drops the
// message, which the scheduler tick and status polling tolerate.
type Queue struct {
	buffer int
	logger *slog.Logger

	mu        sync.Mutex
	nextID    int
	submitted map[int]chan string
	status    map[int]chan domain.StatusEvent

	dropped atomic.Int64
}

func New(buffer int, logger *slog.Logger) *Queue {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		buffer:    buffer,
		logger:    logger,
		submitted: make(map[int]chan string),
		status:    make(map[int]chan domain.StatusEvent),
	}
}

func (q *Queue) PublishDocumentSubmitted(_ context.Context, documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.submitted {
		select {
		case ch <- documentID:
		default:
			q.dropped.Add(1)
		}
	}
	return nil
}

func (q *Queue) PublishStatusChanged(_ context.Context, event domain.StatusEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.status {
		select {
		case ch <- event:
		default:
			q.dropped.Add(1)
		}
	}
	return nil
}

func (q *Queue) SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error {
	ch := make(chan string, q.buffer)
	id := q.register(func(id int) { q.submitted[id] = ch })
	defer q.unregister(func() { delete(q.submitted, id) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case documentID := <-ch:
			if err := handler(ctx, documentID); err != nil {
				q.logger.Warn("submission_handler_failed", "document_id", documentID, "error", err.Error())
			}
		}
	}
}

func (q *Queue) SubscribeStatusChanged(ctx context.Context, handler func(domain.StatusEvent)) error {
	ch := make(chan domain.StatusEvent, q.buffer)
	id := q.register(func(id int) { q.status[id] = ch })
	defer q.unregister(func() { delete(q.status, id) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-ch:
			handler(event)
		}
	}
}

// Dropped reports messages discarded because a subscriber fell behind.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Subscribers reports live subscriptions of both kinds.
func (q *Queue) Subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.submitted) + len(q.status)
}

func (q *Queue) register(add func(id int)) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	add(q.nextID)
	return q.nextID
}

func (q *Queue) unregister(remove func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	remove()
}
