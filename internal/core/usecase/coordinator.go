package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

type CoordinatorOptions struct {
	BatchSize    int
	TickInterval time.Duration
	StaleAfter   time.Duration
	MaxRetries   int
}

var (
	errDocumentBusy      = errors.New("document already has an active run")
	errNoSlot            = errors.New("every run slot is busy")
	errCoordinatorClosed = errors.New("coordinator is shut down")
)

// Coordinator schedules processor runs with at most BatchSize in flight.
// Each document is guarded by an in-process lock held from dispatch until
// its run returns. A slot is reserved before a document leaves Queued or
// Paused, so the number of Processing documents never exceeds BatchSize.
type Coordinator struct {
	ingest    *IngestDocumentUseCase
	processor *ProcessDocumentUseCase
	repo      ports.DocumentRepository
	pool      *ants.Pool
	opts      CoordinatorOptions

	observer IngestObserver
	logger   *slog.Logger
	now      func() time.Time

	tickMu   sync.Mutex
	resumeMu sync.Mutex
	wake     chan struct{}
	runs     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*Handle
	pending map[string]struct{}
	closed  bool
}

func NewCoordinator(
	ingest *IngestDocumentUseCase,
	processor *ProcessDocumentUseCase,
	repo ports.DocumentRepository,
	opts CoordinatorOptions,
	logger *slog.Logger,
) (*Coordinator, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 3
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := ants.NewPool(opts.BatchSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Error("processor_run_panic", "panic", fmt.Sprint(p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Coordinator{
		ingest:    ingest,
		processor: processor,
		repo:      repo,
		pool:      pool,
		opts:      opts,
		observer:  noopObserver{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		wake:      make(chan struct{}, 1),
		active:    make(map[string]*Handle),
		pending:   make(map[string]struct{}),
	}, nil
}

func (c *Coordinator) WithObserver(observer IngestObserver) *Coordinator {
	if observer != nil {
		c.observer = observer
	}
	return c
}

// Submit stores the document as Queued and wakes the scheduler.
func (c *Coordinator) Submit(ctx context.Context, sourceName, mimeType string, body io.Reader) (*domain.Document, error) {
	doc, err := c.ingest.Submit(ctx, sourceName, mimeType, body)
	if err != nil {
		if doc == nil {
			return nil, err
		}
		c.logger.Warn("submission_event_failed", "document_id", doc.ID, "error", err.Error())
	}
	c.logger.Info("document_submitted", "document_id", doc.ID, "source_name", doc.SourceName, "byte_size", doc.ByteSize)
	c.Wake()
	return doc, nil
}

func (c *Coordinator) Pause(ctx context.Context, documentID string) (*domain.Document, error) {
	return c.processor.Pause(ctx, documentID)
}

// Resume continues a Paused document. A run that has not reached its page
// boundary yet keeps its slot and carries on. Otherwise the document takes a
// free slot right away, or stays Paused with the resume pending until the
// next tick finds a slot for it ahead of the queue.
func (c *Coordinator) Resume(ctx context.Context, documentID string) (*domain.Document, error) {
	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	if c.hasRun(documentID) {
		return c.processor.Resume(ctx, documentID)
	}

	doc, err := c.startResumed(ctx, documentID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, errNoSlot) && !errors.Is(err, errCoordinatorClosed) {
		return nil, err
	}

	current, err := c.repo.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.StatusPaused {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "resume document",
			fmt.Errorf("%s -> %s not allowed", current.Status, domain.StatusProcessing))
	}
	c.mu.Lock()
	c.pending[documentID] = struct{}{}
	c.mu.Unlock()
	c.logger.Info("document_resume_pending", "document_id", documentID)
	return current, nil
}

func (c *Coordinator) Cancel(ctx context.Context, documentID string) (*domain.Document, error) {
	doc, err := c.processor.Cancel(ctx, documentID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.pending, documentID)
	c.mu.Unlock()
	return doc, nil
}

func (c *Coordinator) Status(ctx context.Context, documentID string) (*domain.Document, error) {
	return c.repo.GetByID(ctx, documentID)
}

func (c *Coordinator) StatusSnapshot(ctx context.Context) (*domain.StatusSnapshot, error) {
	docs, err := c.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	snapshot := &domain.StatusSnapshot{Documents: make([]domain.DocumentProgress, 0, len(docs))}
	for _, doc := range docs {
		switch doc.Status {
		case domain.StatusQueued:
			snapshot.Queued++
		case domain.StatusProcessing:
			snapshot.Processing++
		case domain.StatusPaused:
			snapshot.Paused++
		case domain.StatusCompleted:
			snapshot.Completed++
		case domain.StatusFailed:
			snapshot.Failed++
		}
		snapshot.Documents = append(snapshot.Documents, domain.NewDocumentProgress(doc))
	}
	return snapshot, nil
}

// Wake asks the run loop for an early tick.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Active reports the number of runs holding a slot.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Run ticks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("scheduler_tick_failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// Tick reclaims stale runs, then fills free slots: pending resumes first,
// then Queued documents FIFO by created_at. It returns the number of runs started.
func (c *Coordinator) Tick(ctx context.Context) (int, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if c.isClosed() {
		return 0, nil
	}
	if err := c.reclaimStale(ctx); err != nil {
		return 0, err
	}

	started := 0
	for _, id := range c.takePending(c.free()) {
		c.resumeMu.Lock()
		_, err := c.startResumed(ctx, id)
		c.resumeMu.Unlock()
		switch {
		case err == nil:
			started++
		case errors.Is(err, errNoSlot):
			c.mu.Lock()
			c.pending[id] = struct{}{}
			c.mu.Unlock()
		case domain.IsKind(err, domain.ErrInvalidTransition):
			// cancelled while waiting
		default:
			c.logger.Warn("resume_dispatch_failed", "document_id", id, "error", err.Error())
		}
	}

	if free := c.free(); free > 0 {
		queued, err := c.repo.ListQueued(ctx, free)
		if err != nil {
			return started, fmt.Errorf("list queued documents: %w", err)
		}
		for i := range queued {
			if free == 0 {
				break
			}
			if err := c.dispatch(ctx, &queued[i]); err != nil {
				if errors.Is(err, errNoSlot) || errors.Is(err, errCoordinatorClosed) {
					break
				}
				if !errors.Is(err, errDocumentBusy) && !domain.IsKind(err, domain.ErrInvalidTransition) {
					c.logger.Warn("dispatch_failed", "document_id", queued[i].ID, "error", err.Error())
				}
				continue
			}
			started++
			free--
		}
	}

	if counts, err := c.repo.CountByStatus(ctx); err == nil {
		c.observer.SetStatusCounts(counts)
	}
	return started, nil
}

// reclaimStale requeues Processing documents without progress for StaleAfter.
func (c *Coordinator) reclaimStale(ctx context.Context) error {
	before := c.now().Add(-c.opts.StaleAfter)
	stale, err := c.repo.ListStale(ctx, before)
	if err != nil {
		return fmt.Errorf("list stale documents: %w", err)
	}
	for _, doc := range stale {
		c.mu.Lock()
		h := c.active[doc.ID]
		if h != nil {
			delete(c.active, doc.ID)
		}
		c.mu.Unlock()
		if h != nil {
			h.Abort()
		}

		message := fmt.Sprintf("stale: no checkpoint progress for %s", c.opts.StaleAfter)
		updated, err := c.repo.Requeue(ctx, doc.ID, doc.RunToken, message, c.opts.MaxRetries)
		if err != nil {
			if !domain.IsKind(err, domain.ErrLeaseLost) {
				c.logger.Warn("stale_reclaim_failed", "document_id", doc.ID, "error", err.Error())
			}
			continue
		}
		c.observer.ObserveStaleReclaim()
		c.logger.Warn("stale_document_reclaimed",
			"document_id", doc.ID,
			"status", string(updated.Status),
			"retry_count", updated.RetryCount,
			"last_page_processed", updated.LastPageProcessed,
		)
	}
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, doc *domain.Document) error {
	if err := c.reserve(doc.ID); err != nil {
		return err
	}
	return c.launch(ctx, doc)
}

// startResumed reserves a slot for a Paused document, moves it to
// Processing and adopts its run. errNoSlot leaves the document Paused.
func (c *Coordinator) startResumed(ctx context.Context, documentID string) (*domain.Document, error) {
	if err := c.reserve(documentID); err != nil {
		return nil, err
	}
	doc, err := c.processor.Resume(ctx, documentID)
	if err != nil {
		c.release(documentID, nil)
		return nil, err
	}
	if err := c.launch(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// reserve takes the per-document lock and one run slot.
func (c *Coordinator) reserve(documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCoordinatorClosed
	}
	if _, busy := c.active[documentID]; busy {
		return errDocumentBusy
	}
	if len(c.active) >= c.opts.BatchSize {
		return errNoSlot
	}
	c.active[documentID] = nil
	return nil
}

// launch runs doc in its reserved slot. On failure the slot is released and
// an adopted document goes back to Paused, a claimed one back to Queued.
func (c *Coordinator) launch(ctx context.Context, doc *domain.Document) error {
	rollback := domain.StatusQueued
	if doc.Status == domain.StatusProcessing {
		rollback = domain.StatusPaused
	}

	h, err := c.processor.Prepare(ctx, doc)
	if err != nil {
		c.release(doc.ID, nil)
		if rollback == domain.StatusPaused {
			c.rollback(ctx, doc.ID, rollback)
		}
		return err
	}
	c.mu.Lock()
	c.active[doc.ID] = h
	c.mu.Unlock()

	c.runs.Add(1)
	err = c.pool.Submit(func() {
		defer c.runs.Done()
		for current := h; current != nil; current = c.finish(current) {
			current.Run()
		}
	})
	if err != nil {
		c.runs.Done()
		h.Abort()
		c.release(doc.ID, h)
		c.rollback(ctx, doc.ID, rollback)
		return fmt.Errorf("submit run: %w", err)
	}
	c.logger.Debug("run_dispatched", "document_id", doc.ID)
	return nil
}

func (c *Coordinator) rollback(ctx context.Context, documentID string, to domain.DocumentStatus) {
	if _, err := c.repo.Transition(context.WithoutCancel(ctx), documentID,
		[]domain.DocumentStatus{domain.StatusProcessing}, to, ""); err != nil {
		c.logger.Warn("dispatch_rollback_failed", "document_id", documentID, "error", err.Error())
	}
}

// finish ends a run's hold on its slot. When a resume arrived while the run
// was exiting on a pause, the same slot carries on with the returned handle.
func (c *Coordinator) finish(h *Handle) *Handle {
	outcome, _ := h.Wait()
	if outcome != OutcomePaused {
		c.release(h.DocumentID(), h)
		c.Wake()
		return nil
	}

	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	ctx := context.Background()
	if doc, err := c.repo.GetByID(ctx, h.DocumentID()); err == nil && doc.Status == domain.StatusProcessing {
		next, err := c.processor.Prepare(ctx, doc)
		if err == nil {
			c.mu.Lock()
			current, held := c.active[doc.ID]
			if held && current == h && !c.closed {
				c.active[doc.ID] = next
				c.mu.Unlock()
				return next
			}
			c.mu.Unlock()
			next.Abort()
		}
	}
	c.release(h.DocumentID(), h)
	c.Wake()
	return nil
}

// release drops the per-document lock if it is still held by h.
func (c *Coordinator) release(documentID string, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.active[documentID]; ok && current == h {
		delete(c.active, documentID)
	}
}

func (c *Coordinator) hasRun(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[documentID]
	return ok
}

func (c *Coordinator) free() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.BatchSize - len(c.active)
}

// takePending removes up to limit pending resumes.
func (c *Coordinator) takePending(limit int) []string {
	if limit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, min(limit, len(c.pending)))
	for id := range c.pending {
		if len(out) >= limit {
			break
		}
		delete(c.pending, id)
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown stops dispatching, aborts active runs and returns their
// documents to Queued so the next process resumes them from the checkpoint.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := make([]*Handle, 0, len(c.active))
	for _, h := range c.active {
		if h != nil {
			handles = append(handles, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Abort()
	}

	done := make(chan struct{})
	go func() {
		c.runs.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-time.After(timeout):
		waitErr = fmt.Errorf("shutdown: %d runs still active after %s", c.Active(), timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			continue
		}
		if outcome, _ := h.Wait(); outcome != OutcomeAborted {
			continue
		}
		if _, err := c.repo.Transition(ctx, h.DocumentID(),
			[]domain.DocumentStatus{domain.StatusProcessing}, domain.StatusQueued, ""); err != nil {
			c.logger.Warn("shutdown_requeue_failed", "document_id", h.DocumentID(), "error", err.Error())
		}
	}

	if err := c.pool.ReleaseTimeout(timeout); err != nil && waitErr == nil {
		waitErr = fmt.Errorf("release worker pool: %w", err)
	}
	return waitErr
}
