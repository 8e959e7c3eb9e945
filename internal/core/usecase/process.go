package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

// RunOutcome says how one processor run ended.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeRequeued  RunOutcome = "requeued"
	OutcomePaused    RunOutcome = "paused"
	OutcomeCancelled RunOutcome = "cancelled"
	OutcomeLeaseLost RunOutcome = "lease_lost"
	OutcomeAborted   RunOutcome = "aborted"
)

type ProcessorLimits struct {
	MaxRetries    int
	DedupAttempts int
}

// IngestObserver receives run and page level signals.
type IngestObserver interface {
	StartRun(createdAt time.Time)
	FinishRun(outcome string, duration time.Duration)
	ObservePage(chunks, dedupHits int)
	ObserveStaleReclaim()
	SetStatusCounts(counts map[domain.DocumentStatus]int)
}

type noopObserver struct{}

func (noopObserver) StartRun(time.Time) {}
func (noopObserver) FinishRun(string, time.Duration) {}
func (noopObserver) ObservePage(int, int) {}
func (noopObserver) ObserveStaleReclaim() {}
func (noopObserver) SetStatusCounts(map[domain.DocumentStatus]int) {}

type extractorReleaser interface {
	Release(documentID string)
}

type ProcessDocumentUseCase struct {
	repo      ports.DocumentRepository
	chunks    ports.ChunkRepository
	extractor ports.PageExtractor
	chunker   ports.Chunker
	embedder  ports.Embedder
	vectors   ports.VectorIndex
	lexical   ports.LexicalIndex
	ledger    ports.DedupLedger
	events    ports.MessageQueue
	limits    ProcessorLimits

	observer IngestObserver
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessDocumentUseCase(
	repo ports.DocumentRepository,
	chunks ports.ChunkRepository,
	extractor ports.PageExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	vectors ports.VectorIndex,
	lexical ports.LexicalIndex,
	ledger ports.DedupLedger,
	events ports.MessageQueue,
	limits ProcessorLimits,
) *ProcessDocumentUseCase {
	if limits.MaxRetries < 0 {
		limits.MaxRetries = 0
	}
	if limits.DedupAttempts <= 0 {
		limits.DedupAttempts = 3
	}
	return &ProcessDocumentUseCase{
		repo:      repo,
		chunks:    chunks,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		vectors:   vectors,
		lexical:   lexical,
		ledger:    ledger,
		events:    events,
		limits:    limits,
		observer:  noopObserver{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (uc *ProcessDocumentUseCase) WithObserver(observer IngestObserver) *ProcessDocumentUseCase {
	if observer != nil {
		uc.observer = observer
	}
	return uc
}

func (uc *ProcessDocumentUseCase) WithLogger(logger *slog.Logger) *ProcessDocumentUseCase {
	if logger != nil {
		uc.logger = logger
	}
	return uc
}

// Handle is one run of the processor over one document.
type Handle struct {
	uc       *ProcessDocumentUseCase
	doc      domain.Document
	runToken string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	outcome RunOutcome
	err     error
}

// Prepare takes the lease on doc without running it. A Queued document is
// claimed with a fresh run token; a Processing document is adopted when its
// stored token still matches (a resumed run).
func (uc *ProcessDocumentUseCase) Prepare(ctx context.Context, doc *domain.Document) (*Handle, error) {
	if doc == nil || doc.ID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "start processing", errors.New("document id is required"))
	}

	var leased *domain.Document
	switch doc.Status {
	case domain.StatusQueued:
		claimed, err := uc.repo.Claim(ctx, doc.ID, uuid.NewString(), uc.now())
		if err != nil {
			return nil, err
		}
		leased = claimed
	case domain.StatusProcessing:
		current, err := uc.repo.GetByID(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != domain.StatusProcessing || current.RunToken == "" || current.RunToken != doc.RunToken {
			return nil, domain.WrapError(domain.ErrLeaseLost, "adopt run",
				fmt.Errorf("document %s is %s", doc.ID, current.Status))
		}
		leased = current
	default:
		return nil, domain.WrapError(domain.ErrInvalidTransition, "start processing",
			fmt.Errorf("%s -> %s not allowed", doc.Status, domain.StatusProcessing))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Handle{
		uc:       uc,
		doc:      *leased,
		runToken: leased.RunToken,
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start prepares the run and drives it on its own goroutine.
func (uc *ProcessDocumentUseCase) Start(ctx context.Context, doc *domain.Document) (*Handle, error) {
	h, err := uc.Prepare(ctx, doc)
	if err != nil {
		return nil, err
	}
	go h.Run()
	return h, nil
}

func (uc *ProcessDocumentUseCase) Pause(ctx context.Context, documentID string) (*domain.Document, error) {
	return uc.control(ctx, documentID, domain.ActionPause)
}

func (uc *ProcessDocumentUseCase) Resume(ctx context.Context, documentID string) (*domain.Document, error) {
	return uc.control(ctx, documentID, domain.ActionResume)
}

func (uc *ProcessDocumentUseCase) Cancel(ctx context.Context, documentID string) (*domain.Document, error) {
	return uc.control(ctx, documentID, domain.ActionCancel)
}

func (uc *ProcessDocumentUseCase) Status(ctx context.Context, documentID string) (*domain.Document, error) {
	return uc.repo.GetByID(ctx, documentID)
}

func (uc *ProcessDocumentUseCase) control(ctx context.Context, documentID string, action domain.ControlAction) (*domain.Document, error) {
	from, to, ok := action.Rule()
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "control document", fmt.Errorf("unknown action %q", action))
	}
	message := ""
	if action == domain.ActionCancel {
		message = domain.CancelledMessage
	}
	doc, err := uc.repo.Transition(ctx, documentID, from, to, message)
	if err != nil {
		return nil, err
	}
	uc.logger.Info("document_control", "document_id", documentID, "action", string(action), "status", string(doc.Status))
	uc.publish(ctx, doc.ID, doc.Status, doc.Error)
	return doc, nil
}

func (h *Handle) DocumentID() string { return h.doc.ID }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Abort stops the run at its next blocking call without touching document state.
func (h *Handle) Abort() { h.cancel() }

// Wait blocks until the run ends.
func (h *Handle) Wait() (RunOutcome, error) {
	<-h.done
	return h.outcome, h.err
}

func (h *Handle) Pause(ctx context.Context) (*domain.Document, error) {
	return h.uc.Pause(ctx, h.doc.ID)
}

func (h *Handle) Resume(ctx context.Context) (*domain.Document, error) {
	return h.uc.Resume(ctx, h.doc.ID)
}

func (h *Handle) Cancel(ctx context.Context) (*domain.Document, error) {
	return h.uc.Cancel(ctx, h.doc.ID)
}

func (h *Handle) Status(ctx context.Context) (*domain.Document, error) {
	return h.uc.Status(ctx, h.doc.ID)
}

// Run drives the document page by page until it completes, fails, pauses
// or loses its lease. Calling Run more than once is a no-op.
func (h *Handle) Run() {
	h.once.Do(func() {
		defer close(h.done)
		defer h.cancel()

		uc := h.uc
		started := time.Now()
		uc.observer.StartRun(h.doc.CreatedAt)
		uc.logger.Info("document_run_started",
			"document_id", h.doc.ID,
			"resume_from_page", h.doc.LastPageProcessed+1,
			"retry_count", h.doc.RetryCount,
		)

		h.outcome, h.err = uc.run(h.ctx, h.doc.ID, h.runToken)

		if releaser, ok := uc.extractor.(extractorReleaser); ok && h.outcome != OutcomePaused {
			releaser.Release(h.doc.ID)
		}
		uc.observer.FinishRun(string(h.outcome), time.Since(started))
		attrs := []any{
			"document_id", h.doc.ID,
			"outcome", string(h.outcome),
			"duration_ms", time.Since(started).Milliseconds(),
		}
		if h.err != nil {
			attrs = append(attrs, "error", h.err.Error())
		}
		uc.logger.Info("document_run_finished", attrs...)
	})
}

func (uc *ProcessDocumentUseCase) run(ctx context.Context, documentID, runToken string) (RunOutcome, error) {
	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return uc.handleFailure(ctx, documentID, runToken, fmt.Errorf("load document: %w", err))
	}

	if doc.TotalPages == 0 {
		total, err := uc.extractor.PageCount(ctx, doc)
		if err != nil {
			return uc.handleFailure(ctx, documentID, runToken, fmt.Errorf("count pages: %w", err))
		}
		if total <= 0 {
			return uc.handleFailure(ctx, documentID, runToken,
				domain.WrapError(domain.ErrContent, "count pages", errors.New("document has no pages")))
		}
		if err := uc.repo.SetTotalPages(ctx, documentID, runToken, total); err != nil {
			return uc.handleFailure(ctx, documentID, runToken, err)
		}
		doc.TotalPages = total
	}
	if doc.LastPageProcessed > doc.TotalPages || doc.PagesProcessed > doc.TotalPages {
		return uc.handleFailure(ctx, documentID, runToken, domain.WrapError(domain.ErrInvariant, "resume document",
			fmt.Errorf("checkpoint %d beyond total_pages %d", doc.LastPageProcessed, doc.TotalPages)))
	}

	for page := doc.LastPageProcessed + 1; page <= doc.TotalPages; page++ {
		outcome, proceed, err := uc.pageBoundary(ctx, documentID, runToken)
		if err != nil {
			return uc.handleFailure(ctx, documentID, runToken, err)
		}
		if !proceed {
			return outcome, nil
		}

		chunkCount, dedupHits, err := uc.processPage(ctx, doc, page)
		if err != nil {
			return uc.handleFailure(ctx, documentID, runToken, fmt.Errorf("page %d: %w", page, err))
		}
		if err := uc.repo.CommitPage(ctx, documentID, runToken, page, chunkCount, uc.now()); err != nil {
			return uc.handleFailure(ctx, documentID, runToken, err)
		}
		uc.observer.ObservePage(chunkCount, dedupHits)
		uc.logger.Debug("page_committed", "document_id", documentID, "page", page, "chunks", chunkCount, "dedup_hits", dedupHits)
	}

	if err := uc.repo.Complete(ctx, documentID, runToken, uc.now()); err != nil {
		return uc.handleFailure(ctx, documentID, runToken, err)
	}
	uc.publish(ctx, documentID, domain.StatusCompleted, "")
	return OutcomeCompleted, nil
}

// pageBoundary is the only place a run observes pause and cancel requests.
func (uc *ProcessDocumentUseCase) pageBoundary(ctx context.Context, documentID, runToken string) (RunOutcome, bool, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeAborted, false, nil
	}
	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return "", false, fmt.Errorf("load document: %w", err)
	}
	if doc.RunToken != runToken {
		return OutcomeLeaseLost, false, nil
	}
	switch doc.Status {
	case domain.StatusProcessing:
		return "", true, nil
	case domain.StatusPaused:
		return OutcomePaused, false, nil
	case domain.StatusFailed:
		return OutcomeCancelled, false, nil
	default:
		return OutcomeLeaseLost, false, nil
	}
}

func (uc *ProcessDocumentUseCase) processPage(ctx context.Context, doc *domain.Document, page int) (int, int, error) {
	text, err := uc.extractor.ExtractPage(ctx, doc, page)
	if err != nil {
		return 0, 0, fmt.Errorf("extract page: %w", err)
	}

	pieces := uc.chunker.Split(text)
	chunks := make([]domain.Chunk, 0, len(pieces))
	for _, piece := range pieces {
		ordinal := len(chunks)
		chunks = append(chunks, domain.Chunk{
			ID:          domain.ChunkID(doc.ID, page, ordinal),
			DocumentID:  doc.ID,
			PageNumber:  page,
			Ordinal:     ordinal,
			Text:        piece,
			ContentHash: domain.ContentHash(piece),
		})
	}
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	dedupHits, err := uc.resolveEmbeddings(ctx, chunks)
	if err != nil {
		return 0, 0, err
	}
	for _, chunk := range chunks {
		if err := uc.lexical.Index(ctx, chunk.ID, chunk.Text); err != nil {
			return 0, 0, fmt.Errorf("index lexical: %w", err)
		}
	}
	if err := uc.chunks.SaveChunks(ctx, chunks); err != nil {
		return 0, 0, fmt.Errorf("save chunks: %w", err)
	}
	return len(chunks), dedupHits, nil
}

type hashGroups struct {
	order   []string
	members map[string][]int
}

func groupByHash(chunks []domain.Chunk) hashGroups {
	g := hashGroups{members: make(map[string][]int, len(chunks))}
	for i, chunk := range chunks {
		if _, ok := g.members[chunk.ContentHash]; !ok {
			g.order = append(g.order, chunk.ContentHash)
		}
		g.members[chunk.ContentHash] = append(g.members[chunk.ContentHash], i)
	}
	return g
}

func (g hashGroups) assign(chunks []domain.Chunk, hash, embeddingID string) {
	for _, i := range g.members[hash] {
		chunks[i].EmbeddingID = embeddingID
	}
}

func (g hashGroups) representative(hash string) int {
	return g.members[hash][0]
}

// resolveEmbeddings sets EmbeddingID on every chunk, embedding only hashes
// no run has produced yet. It returns the number of chunks that reuse an
// embedding owned by another chunk.
func (uc *ProcessDocumentUseCase) resolveEmbeddings(ctx context.Context, chunks []domain.Chunk) (int, error) {
	groups := groupByHash(chunks)

	pending := make([]string, 0, len(groups.order))
	for _, hash := range groups.order {
		embeddingID, ok, err := uc.ledger.Lookup(ctx, hash)
		if err != nil {
			return 0, fmt.Errorf("dedup lookup: %w", err)
		}
		if ok {
			groups.assign(chunks, hash, embeddingID)
			continue
		}
		pending = append(pending, hash)
	}

	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt >= uc.limits.DedupAttempts {
			return 0, domain.WrapError(domain.ErrTemporary, "resolve embeddings",
				fmt.Errorf("%d content hashes unresolved after %d attempts", len(pending), attempt))
		}
		retry, err := uc.claimAndEmbed(ctx, chunks, groups, pending)
		if err != nil {
			return 0, err
		}
		pending = retry
	}

	hits := 0
	for _, chunk := range chunks {
		if chunk.EmbeddingID != chunk.ID {
			hits++
		}
	}
	return hits, nil
}

type heldClaim struct {
	hash  string
	claim ports.DedupClaim
}

// claimAndEmbed embeds the hashes this run owns, then waits for the ones
// other runs own. Hashes whose owner gave up are returned for another round.
func (uc *ProcessDocumentUseCase) claimAndEmbed(ctx context.Context, chunks []domain.Chunk, groups hashGroups, pending []string) ([]string, error) {
	owned := make([]heldClaim, 0, len(pending))
	waiting := make([]heldClaim, 0)
	for _, hash := range pending {
		claim, err := uc.ledger.Acquire(ctx, hash, chunks[groups.representative(hash)].ID)
		if err != nil {
			abandon(owned, err)
			return nil, fmt.Errorf("dedup acquire: %w", err)
		}
		if claim.Owner() {
			owned = append(owned, heldClaim{hash: hash, claim: claim})
		} else {
			waiting = append(waiting, heldClaim{hash: hash, claim: claim})
		}
	}

	if len(owned) > 0 {
		if err := uc.embedOwned(ctx, chunks, groups, owned); err != nil {
			return nil, err
		}
	}

	var retry []string
	for _, w := range waiting {
		embeddingID, err := w.claim.Wait(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			uc.logger.Warn("dedup_owner_abandoned", "content_hash", w.hash, "error", err.Error())
			retry = append(retry, w.hash)
			continue
		}
		groups.assign(chunks, w.hash, embeddingID)
	}
	return retry, nil
}

// embedOwned commits or abandons every owned claim before returning.
func (uc *ProcessDocumentUseCase) embedOwned(ctx context.Context, chunks []domain.Chunk, groups hashGroups, owned []heldClaim) error {
	texts := make([]string, len(owned))
	for i, held := range owned {
		texts[i] = chunks[groups.representative(held.hash)].Text
	}

	vectors, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		abandon(owned, err)
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(owned) {
		err := domain.WrapError(domain.ErrTemporary, "embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(owned)))
		abandon(owned, err)
		return err
	}

	for i, held := range owned {
		chunkID := chunks[groups.representative(held.hash)].ID
		if err := uc.vectors.Insert(ctx, chunkID, vectors[i]); err != nil {
			abandon(owned[i:], err)
			return fmt.Errorf("insert vector: %w", err)
		}
		winner, err := held.claim.Commit(ctx)
		if err != nil {
			abandon(owned[i+1:], err)
			return fmt.Errorf("record dedup entry: %w", err)
		}
		if winner != chunkID {
			// another process recorded the hash first; its vector wins
			if err := uc.vectors.Remove(ctx, chunkID); err != nil {
				uc.logger.Warn("vector_remove_failed", "chunk_id", chunkID, "error", err.Error())
			}
		}
		groups.assign(chunks, held.hash, winner)
	}
	return nil
}

func abandon(claims []heldClaim, err error) {
	for _, held := range claims {
		held.claim.Abandon(err)
	}
}

// handleFailure maps a run error onto the document: content and invariant
// errors fail it, anything else is requeued until the retry ceiling.
func (uc *ProcessDocumentUseCase) handleFailure(ctx context.Context, documentID, runToken string, runErr error) (RunOutcome, error) {
	if ctx.Err() != nil {
		return OutcomeAborted, runErr
	}
	if domain.IsKind(runErr, domain.ErrLeaseLost) {
		return uc.explainLostLease(ctx, documentID, runToken), nil
	}

	message := runErr.Error()
	switch {
	case domain.IsKind(runErr, domain.ErrInvariant):
		uc.logger.Error("document_invariant_violation", "document_id", documentID, "error", message)
		return uc.fail(ctx, documentID, runToken, message, runErr)
	case domain.IsKind(runErr, domain.ErrContent), domain.IsKind(runErr, domain.ErrInvalidInput):
		return uc.fail(ctx, documentID, runToken, message, runErr)
	}

	updated, err := uc.repo.Requeue(ctx, documentID, runToken, message, uc.limits.MaxRetries)
	if err != nil {
		if domain.IsKind(err, domain.ErrLeaseLost) {
			return uc.explainLostLease(ctx, documentID, runToken), runErr
		}
		return OutcomeFailed, errors.Join(runErr, fmt.Errorf("requeue document: %w", err))
	}
	uc.publish(ctx, documentID, updated.Status, updated.Error)
	switch updated.Status {
	case domain.StatusFailed:
		uc.logger.Warn("document_retries_exhausted", "document_id", documentID, "retry_count", updated.RetryCount, "error", message)
		return OutcomeFailed, runErr
	case domain.StatusPaused:
		uc.logger.Warn("document_page_failed_while_paused", "document_id", documentID, "retry_count", updated.RetryCount, "error", message)
		return OutcomePaused, runErr
	}
	uc.logger.Warn("document_requeued", "document_id", documentID, "retry_count", updated.RetryCount, "error", message)
	return OutcomeRequeued, runErr
}

func (uc *ProcessDocumentUseCase) fail(ctx context.Context, documentID, runToken, message string, runErr error) (RunOutcome, error) {
	if err := uc.repo.Fail(ctx, documentID, runToken, message); err != nil {
		if domain.IsKind(err, domain.ErrLeaseLost) {
			return uc.explainLostLease(ctx, documentID, runToken), runErr
		}
		return OutcomeFailed, errors.Join(runErr, fmt.Errorf("mark failed: %w", err))
	}
	uc.publish(ctx, documentID, domain.StatusFailed, message)
	return OutcomeFailed, runErr
}

// explainLostLease tells a caller cancellation apart from stale reclamation.
func (uc *ProcessDocumentUseCase) explainLostLease(ctx context.Context, documentID, runToken string) RunOutcome {
	doc, err := uc.repo.GetByID(ctx, documentID)
	if err == nil && doc.RunToken == runToken && doc.Status == domain.StatusFailed {
		return OutcomeCancelled
	}
	return OutcomeLeaseLost
}

func (uc *ProcessDocumentUseCase) publish(ctx context.Context, documentID string, status domain.DocumentStatus, errMessage string) {
	if uc.events == nil {
		return
	}
	event := domain.StatusEvent{DocumentID: documentID, Status: status, Error: errMessage, At: uc.now()}
	if err := uc.events.PublishStatusChanged(ctx, event); err != nil {
		uc.logger.Warn("status_event_publish_failed", "document_id", documentID, "status", string(status), "error", err.Error())
	}
}
