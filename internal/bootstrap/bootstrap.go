package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/kirillkom/retrieval-engine/internal/adapters/http"
	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
	"github.com/kirillkom/retrieval-engine/internal/core/usecase"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/cache"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/chunking"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/dedup"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/embedding"
	embedollama "github.com/kirillkom/retrieval-engine/internal/infrastructure/embedding/ollama"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/extractor"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/extractor/html"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/extractor/xlsx"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/index/badgerstore"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/index/lexical"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/index/vector"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/queue/inproc"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/queue/nats"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/repository/memory"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/resilience"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/retrieval-engine/internal/observability/metrics"
)

const serviceName = "retrieval-engine"

// eventQueue is what both queue implementations provide.
type eventQueue interface {
	ports.MessageQueue
	ports.StatusEventSource
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Coordinator *usecase.Coordinator
	Query       *usecase.QueryUseCase
	Queue       eventQueue
	IndexStore  *badgerstore.Store

	HTTPMetrics   *metrics.HTTPServerMetrics
	IngestMetrics *metrics.IngestMetrics

	closers []func() error
}

type repositories struct {
	documents ports.DocumentRepository
	chunks    ports.ChunkRepository
	dedup     ports.DedupStore
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app = &App{
		Config:        cfg,
		Logger:        logger,
		HTTPMetrics:   metrics.NewHTTPServerMetrics(serviceName),
		IngestMetrics: metrics.NewIngestMetrics(serviceName),
	}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	repos, err := app.openRepositories(ctx)
	if err != nil {
		return app, err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return app, fmt.Errorf("init object storage: %w", err)
	}

	executor := resilience.NewExecutor(resilienceConfig(cfg),
		resilience.WithLogger(logger),
		resilience.WithRetryHook(app.IngestMetrics.ObserveRetry),
	)

	queue, err := app.openQueue(executor)
	if err != nil {
		return app, err
	}
	app.Queue = queue

	vectors, lexicalIndex, err := app.openIndexes(ctx)
	if err != nil {
		return app, err
	}

	pages, err := newExtractor(storage, cfg.PDFCacheSize)
	if err != nil {
		return app, err
	}

	embedder := embedding.NewGateway(
		embedollama.New(cfg.OllamaURL, cfg.OllamaEmbedModel, cfg.OllamaTimeout),
		embedding.WithBatchSize(cfg.EmbedBatchSize),
		embedding.WithRateLimit(cfg.EmbedRateLimitRPS, cfg.EmbedRateLimitBurst),
		embedding.WithExecutor(executor),
		embedding.WithObserver(app.IngestMetrics),
		embedding.WithLogger(logger),
	)

	ledger, err := dedup.NewLedger(repos.dedup, cfg.DedupCacheSize, logger)
	if err != nil {
		return app, fmt.Errorf("init dedup ledger: %w", err)
	}

	ingestUC := usecase.NewIngestDocumentUseCase(repos.documents, storage, queue, cfg.IngestMaxQueued)
	processUC := usecase.NewProcessDocumentUseCase(
		repos.documents,
		repos.chunks,
		extractor.NewResilient(pages, executor),
		chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder,
		vectors,
		lexicalIndex,
		ledger,
		queue,
		usecase.ProcessorLimits{MaxRetries: cfg.IngestMaxRetries},
	).WithObserver(app.IngestMetrics).WithLogger(logger)

	coordinator, err := usecase.NewCoordinator(ingestUC, processUC, repos.documents, usecase.CoordinatorOptions{
		BatchSize:    cfg.IngestBatchSize,
		TickInterval: cfg.IngestTickInterval,
		StaleAfter:   cfg.IngestStaleAfter,
		MaxRetries:   cfg.IngestMaxRetries,
	}, logger)
	if err != nil {
		return app, fmt.Errorf("init coordinator: %w", err)
	}
	app.Coordinator = coordinator.WithObserver(app.IngestMetrics)

	app.Query = usecase.NewQueryUseCase(
		embedder,
		vectors,
		lexicalIndex,
		repos.chunks,
		repos.documents,
		cache.NewResultCache(cfg.CacheCapacity, cfg.CacheTTL),
		usecase.RetrievalOptions{
			Mode:                cfg.RAGRetrievalMode,
			CandidateMultiplier: cfg.RAGCandidateMultiplier,
			MinCandidates:       cfg.RAGMinCandidates,
			RRFK:                cfg.RAGFusionRRFK,
			RerankTopN:          cfg.RAGRerankTopN,
			MaxResults:          cfg.RAGMaxResults,
		},
	).WithObserver(app.HTTPMetrics).WithLogger(logger)

	return app, nil
}

func (a *App) openRepositories(ctx context.Context) (repositories, error) {
	if a.Config.StorageDriver == config.StorageDriverMemory {
		return repositories{
			documents: memory.NewDocumentRepository(),
			chunks:    memory.NewChunkRepository(),
			dedup:     memory.NewDedupStore(),
		}, nil
	}

	db, err := postgres.OpenDB(a.Config.PostgresDSN)
	if err != nil {
		return repositories{}, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return repositories{}, fmt.Errorf("ensure schema: %w", err)
	}
	return repositories{
		documents: postgres.NewDocumentRepository(db),
		chunks:    postgres.NewChunkRepository(db),
		dedup:     postgres.NewDedupRepository(db),
	}, nil
}

func (a *App) openQueue(executor *resilience.Executor) (eventQueue, error) {
	if a.Config.NATSURL == "" {
		a.Logger.Info("message_queue_selected", "driver", "inproc")
		return inproc.New(0, a.Logger), nil
	}
	retryOnFailedConnect := true
	queue, err := nats.NewWithOptions(a.Config.NATSURL, a.Config.NATSSubject, nats.Options{
		EventsSubject:        a.Config.NATSEventsSubject,
		RetryOnFailedConnect: &retryOnFailedConnect,
		ResilienceExecutor:   executor,
		Logger:               a.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	a.closers = append(a.closers, func() error {
		queue.Close()
		return nil
	})
	a.Logger.Info("message_queue_selected", "driver", "nats", "subject", a.Config.NATSSubject)
	return queue, nil
}

// openIndexes restores both indexes from the badger store. The memory
// driver keeps the store in memory as well.
func (a *App) openIndexes(ctx context.Context) (*vector.Index, *lexical.Index, error) {
	inMemory := a.Config.StorageDriver == config.StorageDriverMemory
	store, err := badgerstore.Open(a.Config.IndexPath, inMemory, a.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open index store: %w", err)
	}
	a.IndexStore = store
	a.closers = append(a.closers, store.Close)

	vectors := vector.New(vector.WithPersister(store), vector.WithLogger(a.Logger))
	lexicalIndex := lexical.New(lexical.WithPersister(store), lexical.WithLogger(a.Logger))
	if err := vectors.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load vector index: %w", err)
	}
	if err := lexicalIndex.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load lexical index: %w", err)
	}
	a.Logger.Info("indexes_loaded", "vectors", vectors.Len(), "lexical_chunks", lexicalIndex.Len())
	return vectors, lexicalIndex, nil
}

func newExtractor(storage ports.ObjectStorage, pdfCacheSize int) (*extractor.Router, error) {
	pdfExtractor, err := pdf.NewExtractor(storage, pdfCacheSize)
	if err != nil {
		return nil, fmt.Errorf("init pdf extractor: %w", err)
	}
	return extractor.NewRouter().
		Register(pdfExtractor, []string{"application/pdf"}, []string{".pdf"}).
		Register(xlsx.NewExtractor(storage), []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}, []string{".xlsx"}).
		Register(html.NewExtractor(storage), []string{"text/html", "application/xhtml+xml"}, []string{".html", ".htm"}).
		Register(plaintext.NewExtractor(storage), []string{"text/plain", "text/markdown"}, []string{".txt", ".md"}).
		Fallback(plaintext.NewExtractor(storage)), nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = cfg.RetryMaxAttempts
	rc.RetryInitialBackoff = cfg.RetryInitialBackoff
	rc.RetryMaxBackoff = cfg.RetryMaxBackoff
	rc.BreakerEnabled = cfg.BreakerEnabled
	rc.RetryJitter = 0.2
	return rc
}

// Handler builds the HTTP API over the coordinator and the query use case.
func (a *App) Handler() http.Handler {
	return httpadapter.NewRouter(a.Config, a.Coordinator, a.Coordinator, a.Coordinator, a.Query).
		WithEvents(a.Queue).
		WithMetrics(a.HTTPMetrics, a.IngestMetrics.Gatherer()).
		WithLogger(a.Logger).
		Handler()
}

// Run drives the scheduler and turns submission events into wake-ups
// until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Coordinator.Run(ctx)
	})
	g.Go(func() error {
		return a.Queue.SubscribeDocumentSubmitted(ctx, func(_ context.Context, documentID string) error {
			a.Logger.Debug("document_submitted_event", "document_id", documentID)
			a.Coordinator.Wake()
			return nil
		})
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown requeues in-flight runs; call it after Run returns.
func (a *App) Shutdown(timeout time.Duration) error {
	if a.Coordinator == nil {
		return nil
	}
	return a.Coordinator.Shutdown(timeout)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close_failed", "error", err.Error())
		}
	}
	a.closers = nil
}
