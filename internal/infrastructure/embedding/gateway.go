package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/resilience"
)

const defaultBatchSize = 16

// Backend is the external embedding service: one request per call.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Observer receives one observation per batch sent to the backend.
type Observer interface {
	ObserveEmbedding(texts int, duration time.Duration, err error)
}

// Gateway batches embedding requests, retries transient failures with
// backoff behind a circuit breaker and validates vector shape.
type Gateway struct {
	backend   Backend
	executor  *resilience.Executor
	limiter   *rate.Limiter
	batchSize int
	observer  Observer
	logger    *slog.Logger

	dimension atomic.Int64
	batches   atomic.Int64
	texts     atomic.Int64
}

type Option func(*Gateway)

func WithBatchSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.batchSize = n
		}
	}
}

// WithRateLimit caps backend requests per second; rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithExecutor(executor *resilience.Executor) Option {
	return func(g *Gateway) {
		if executor != nil {
			g.executor = executor
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(g *Gateway) {
		g.observer = observer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:   backend,
		executor:  resilience.NewExecutor(resilience.DefaultConfig()),
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := g.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Batches is the number of backend requests that returned vectors.
func (g *Gateway) Batches() int64 { return g.batches.Load() }

// Texts is the number of texts successfully embedded.
func (g *Gateway) Texts() int64 { return g.texts.Load() }

// Dimension is the vector width observed so far, 0 before the first call.
func (g *Gateway) Dimension() int { return int(g.dimension.Load()) }

func (g *Gateway) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limit: %w", err)
		}
	}

	start := time.Now()
	var vectors [][]float32
	err := g.executor.Execute(ctx, "embedding.embed", func(ctx context.Context) error {
		out, err := g.backend.Embed(ctx, batch)
		if err != nil {
			return err
		}
		if err := g.validate(batch, out); err != nil {
			return err
		}
		vectors = out
		return nil
	}, resilience.ClassifyDomainError)

	if g.observer != nil {
		g.observer.ObserveEmbedding(len(batch), time.Since(start), err)
	}
	if err != nil {
		g.logger.Warn("embedding_batch_failed", "texts", len(batch), "error", err)
		return nil, err
	}
	g.batches.Add(1)
	g.texts.Add(int64(len(batch)))
	return vectors, nil
}

func (g *Gateway) validate(batch []string, vectors [][]float32) error {
	if len(vectors) != len(batch) {
		return domain.WrapError(domain.ErrTemporary, "embed batch",
			fmt.Errorf("vectors/texts mismatch: %d/%d", len(vectors), len(batch)))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return domain.WrapError(domain.ErrTemporary, "embed batch", fmt.Errorf("empty vector at %d", i))
		}
		want := g.dimension.Load()
		if want == 0 && g.dimension.CompareAndSwap(0, int64(len(v))) {
			continue
		}
		if int64(len(v)) != g.dimension.Load() {
			return domain.WrapError(domain.ErrInvariant, "embed batch",
				fmt.Errorf("dimension %d, index expects %d", len(v), g.dimension.Load()))
		}
	}
	return nil
}
