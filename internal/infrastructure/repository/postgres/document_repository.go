package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

const documentColumns = `id, source_name, mime_type, storage_path, byte_size, status, total_pages, pages_processed,
	last_page_processed, chunk_count, error_message, retry_count, run_token, created_at, updated_at,
	started_at, checkpoint_at, completed_at`

type DocumentRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (
	id, source_name, mime_type, storage_path, byte_size, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		doc.ID, doc.SourceName, doc.MimeType, doc.StoragePath, doc.ByteSize, string(doc.Status), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) List(ctx context.Context) ([]domain.Document, error) {
	return r.query(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at, id`)
}

func (r *DocumentRepository) CountByStatus(ctx context.Context) (map[domain.DocumentStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.DocumentStatus]int, len(domain.AllStatuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.DocumentStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func (r *DocumentRepository) ListQueued(ctx context.Context, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 1
	}
	return r.query(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE status = $1
ORDER BY created_at, id
LIMIT $2`, string(domain.StatusQueued), limit)
}

func (r *DocumentRepository) ListStale(ctx context.Context, before time.Time) ([]domain.Document, error) {
	return r.query(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE status = $1 AND updated_at < $2
ORDER BY created_at, id`, string(domain.StatusProcessing), before)
}

func (r *DocumentRepository) Transition(
	ctx context.Context,
	id string,
	from []domain.DocumentStatus,
	to domain.DocumentStatus,
	errMessage string,
) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE documents
SET status = $3, error_message = $4, updated_at = $5
WHERE id = $1 AND status = ANY($2)
RETURNING `+documentColumns,
		id, statusStrings(from), string(to), errMessage, r.now(),
	)
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition document: %w", err)
	}
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, domain.WrapError(domain.ErrInvalidTransition, "transition document",
		fmt.Errorf("%s -> %s not allowed", current.Status, to))
}

func (r *DocumentRepository) Claim(ctx context.Context, id, runToken string, at time.Time) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE documents
SET status = $2, run_token = $3, started_at = $4, updated_at = $4
WHERE id = $1 AND status = $5
RETURNING `+documentColumns,
		id, string(domain.StatusProcessing), runToken, at, string(domain.StatusQueued),
	)
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim document: %w", err)
	}
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, domain.WrapError(domain.ErrInvalidTransition, "claim document",
		fmt.Errorf("%s -> %s not allowed", current.Status, domain.StatusProcessing))
}

func (r *DocumentRepository) SetTotalPages(ctx context.Context, id, runToken string, totalPages int) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET total_pages = $3, updated_at = $4
WHERE id = $1 AND run_token = $2 AND status IN ('processing', 'paused') AND pages_processed <= $3
`, id, runToken, totalPages, r.now())
	if err != nil {
		return fmt.Errorf("set total pages: %w", err)
	}
	return r.checkLeased(ctx, res, id, runToken, "set total pages")
}

func (r *DocumentRepository) CommitPage(ctx context.Context, id, runToken string, page, chunkCount int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET last_page_processed = $3,
	pages_processed = pages_processed + 1,
	chunk_count = chunk_count + $4,
	checkpoint_at = $5,
	updated_at = $5
WHERE id = $1 AND run_token = $2 AND status IN ('processing', 'paused')
	AND last_page_processed = $3 - 1 AND $3 <= total_pages
`, id, runToken, page, chunkCount, at)
	if err != nil {
		return fmt.Errorf("commit page: %w", err)
	}
	return r.checkLeased(ctx, res, id, runToken, "commit page")
}

func (r *DocumentRepository) Complete(ctx context.Context, id, runToken string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $3, error_message = '', completed_at = $4, updated_at = $4
WHERE id = $1 AND run_token = $2 AND status IN ('processing', 'paused')
`, id, runToken, string(domain.StatusCompleted), at)
	if err != nil {
		return fmt.Errorf("complete document: %w", err)
	}
	return r.checkLeased(ctx, res, id, runToken, "complete document")
}

func (r *DocumentRepository) Fail(ctx context.Context, id, runToken, errMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $3, error_message = $4, updated_at = $5
WHERE id = $1 AND run_token = $2 AND status IN ('processing', 'paused')
`, id, runToken, string(domain.StatusFailed), errMessage, r.now())
	if err != nil {
		return fmt.Errorf("fail document: %w", err)
	}
	return r.checkLeased(ctx, res, id, runToken, "fail document")
}

func (r *DocumentRepository) Requeue(ctx context.Context, id, runToken, errMessage string, maxRetries int) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE documents
SET retry_count = retry_count + 1,
	status = CASE
		WHEN retry_count + 1 > $4 THEN 'failed'
		WHEN status = 'paused' THEN 'paused'
		ELSE 'queued'
	END,
	error_message = $3,
	run_token = CASE WHEN status = 'paused' AND retry_count + 1 <= $4 THEN run_token ELSE '' END,
	updated_at = $5
WHERE id = $1 AND run_token = $2 AND status IN ('processing', 'paused')
RETURNING `+documentColumns,
		id, runToken, errMessage, maxRetries, r.now(),
	)
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("requeue document: %w", err)
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.WrapError(domain.ErrLeaseLost, "requeue document", fmt.Errorf("id=%s", id))
}

// checkLeased turns a zero-row conditional update into a typed error.
func (r *DocumentRepository) checkLeased(ctx context.Context, res sql.Result, id, runToken, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.RunToken != runToken || (current.Status != domain.StatusProcessing && current.Status != domain.StatusPaused) {
		return domain.WrapError(domain.ErrLeaseLost, op, fmt.Errorf("document %s is %s", id, current.Status))
	}
	return domain.WrapError(domain.ErrInvariant, op,
		fmt.Errorf("checkpoint %d of %d pages", current.LastPageProcessed, current.TotalPages))
}

func (r *DocumentRepository) query(ctx context.Context, query string, args ...any) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var status string
	var startedAt, checkpointAt, completedAt sql.NullTime

	err := row.Scan(
		&doc.ID, &doc.SourceName, &doc.MimeType, &doc.StoragePath, &doc.ByteSize, &status,
		&doc.TotalPages, &doc.PagesProcessed, &doc.LastPageProcessed, &doc.ChunkCount,
		&doc.Error, &doc.RetryCount, &doc.RunToken, &doc.CreatedAt, &doc.UpdatedAt,
		&startedAt, &checkpointAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Status = domain.DocumentStatus(status)
	doc.StartedAt = nullTime(startedAt)
	doc.CheckpointAt = nullTime(checkpointAt)
	doc.CompletedAt = nullTime(completedAt)
	return &doc, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func statusStrings(statuses []domain.DocumentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
