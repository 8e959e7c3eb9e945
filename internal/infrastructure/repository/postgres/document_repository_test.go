package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// passthroughConverter lets []string reach the mock the way pgx accepts it for ANY($n).
type passthroughConverter struct{}

func (passthroughConverter) ConvertValue(v any) (driver.Value, error) {
	if values, ok := v.([]string); ok {
		return values, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthroughConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock, func() { _ = db.Close() }
}

func newRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, done := newMockDB(t)
	return NewDocumentRepository(db), mock, done
}

var documentColumnNames = []string{
	"id", "source_name", "mime_type", "storage_path", "byte_size", "status", "total_pages", "pages_processed",
	"last_page_processed", "chunk_count", "error_message", "retry_count", "run_token", "created_at", "updated_at",
	"started_at", "checkpoint_at", "completed_at",
}

func documentRow(id string, status domain.DocumentStatus, runToken string, retries int) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(documentColumnNames).AddRow(
		id, "report.pdf", "application/pdf", id+"_report.pdf", int64(2048), string(status), 5, 2,
		2, 7, "", retries, runToken, now, now,
		now, now, nil,
	)
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, source_name, mime_type, storage_path").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDScansCheckpointFields(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, source_name").
		WithArgs("doc-1").
		WillReturnRows(documentRow("doc-1", domain.StatusPaused, "run-1", 1))

	doc, err := repo.GetByID(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.Status != domain.StatusPaused || doc.LastPageProcessed != 2 || doc.ChunkCount != 7 || doc.RunToken != "run-1" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.StartedAt == nil || doc.CompletedAt != nil {
		t.Fatalf("unexpected nullable times: started=%v completed=%v", doc.StartedAt, doc.CompletedAt)
	}
}

func TestTransitionReturnsInvalidTransitionWhenStatusDoesNotMatch(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("UPDATE documents").
		WithArgs("doc-1", sqlmock.AnyArg(), "paused", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(documentColumnNames))
	mock.ExpectQuery("SELECT id, source_name").
		WithArgs("doc-1").
		WillReturnRows(documentRow("doc-1", domain.StatusCompleted, "", 0))

	_, err := repo.Transition(context.Background(), "doc-1",
		[]domain.DocumentStatus{domain.StatusProcessing}, domain.StatusPaused, "")
	if !domain.IsKind(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitPageReportsLeaseLost(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").
		WithArgs("doc-1", "stale-run", 3, 4, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, source_name").
		WithArgs("doc-1").
		WillReturnRows(documentRow("doc-1", domain.StatusProcessing, "fresh-run", 1))

	err := repo.CommitPage(context.Background(), "doc-1", "stale-run", 3, 4, time.Now())
	if !domain.IsKind(err, domain.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitPageReportsInvariantWhenLeaseHolds(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, source_name").
		WithArgs("doc-1").
		WillReturnRows(documentRow("doc-1", domain.StatusProcessing, "run-1", 0))

	err := repo.CommitPage(context.Background(), "doc-1", "run-1", 9, 1, time.Now())
	if !domain.IsKind(err, domain.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}

func TestRequeueReturnsUpdatedDocument(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("UPDATE documents").
		WithArgs("doc-1", "run-1", "stale: no checkpoint", 3, sqlmock.AnyArg()).
		WillReturnRows(documentRow("doc-1", domain.StatusQueued, "", 2))

	doc, err := repo.Requeue(context.Background(), "doc-1", "run-1", "stale: no checkpoint", 3)
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if doc.Status != domain.StatusQueued || doc.RetryCount != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestRequeueKeepsPausedStatusInSQL(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery(`WHEN status = 'paused' THEN 'paused'`).
		WithArgs("doc-1", "run-1", "page 2: timeout", 3, sqlmock.AnyArg()).
		WillReturnRows(documentRow("doc-1", domain.StatusPaused, "run-1", 1))

	doc, err := repo.Requeue(context.Background(), "doc-1", "run-1", "page 2: timeout", 3)
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if doc.Status != domain.StatusPaused || doc.RunToken != "run-1" {
		t.Fatalf("expected paused document keeping its token, got %+v", doc)
	}
}

func TestCountByStatus(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 7).
			AddRow("processing", 3))

	counts, err := repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[domain.StatusQueued] != 7 || counts[domain.StatusProcessing] != 3 || counts[domain.StatusFailed] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
