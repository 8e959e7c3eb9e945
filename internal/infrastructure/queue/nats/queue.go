package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/resilience"
)

// Queue carries submission wake-ups and status-change events over NATS.
// Delivery is at-most-once; the coordinator's ticker covers lost wake-ups.
type Queue struct {
	conn          *nats.Conn
	subject       string
	eventsSubject string
	executor      *resilience.Executor
	logger        *slog.Logger
}

type Options struct {
	EventsSubject        string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	eventsSubject := options.EventsSubject
	if eventsSubject == "" {
		eventsSubject = "documents.status"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("retrieval-engine"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", fmt.Sprint(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		subject:       subject,
		eventsSubject: eventsSubject,
		executor:      options.ResilienceExecutor,
		logger:        logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentSubmitted(ctx context.Context, documentID string) error {
	return q.publish(ctx, "nats.publish_submitted", q.subject, []byte(documentID))
}

func (q *Queue) PublishStatusChanged(ctx context.Context, event domain.StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	return q.publish(ctx, "nats.publish_status", q.eventsSubject, payload)
}

func (q *Queue) publish(ctx context.Context, operation, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeDocumentSubmitted delivers wake-ups to handler until ctx is done.
func (q *Queue) SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error {
	return q.subscribe(ctx, q.subject, func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, string(msg.Data)); err != nil {
			q.logger.Warn("submission_handler_failed", "document_id", string(msg.Data), "error", err.Error())
		}
	})
}

func (q *Queue) SubscribeStatusChanged(ctx context.Context, handler func(domain.StatusEvent)) error {
	return q.subscribe(ctx, q.eventsSubject, func(msg *nats.Msg) {
		event, err := decodeStatusEvent(msg.Data)
		if err != nil {
			q.logger.Warn("status_event_decode_failed", "error", err.Error())
			return
		}
		handler(event)
	})
}

func (q *Queue) subscribe(ctx context.Context, subject string, handle func(*nats.Msg)) error {
	sub, err := q.conn.Subscribe(subject, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		handle(msg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func decodeStatusEvent(data []byte) (domain.StatusEvent, error) {
	var event domain.StatusEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.StatusEvent{}, fmt.Errorf("decode status event: %w", err)
	}
	if event.DocumentID == "" || !event.Status.Valid() {
		return domain.StatusEvent{}, fmt.Errorf("decode status event: incomplete event %q", string(data))
	}
	return event, nil
}
