package domain

import "time"

type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusPaused     DocumentStatus = "paused"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []DocumentStatus{StatusQueued, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed}

func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s DocumentStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type Document struct {
	ID                string         `json:"document_id"`
	SourceName        string         `json:"source_name"`
	MimeType          string         `json:"mime_type"`
	StoragePath       string         `json:"-"`
	ByteSize          int64          `json:"byte_size"`
	Status            DocumentStatus `json:"status"`
	TotalPages        int            `json:"total_pages"`
	PagesProcessed    int            `json:"pages_processed"`
	LastPageProcessed int            `json:"last_page_processed"`
	ChunkCount        int            `json:"chunk_count"`
	Error             string         `json:"error_message,omitempty"`
	RetryCount        int            `json:"retry_count"`
	RunToken          string         `json:"-"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CheckpointAt      *time.Time     `json:"checkpoint_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// ProgressPercentage is 0 until the page count is known.
func (d Document) ProgressPercentage() float64 {
	if d.TotalPages <= 0 {
		return 0
	}
	return float64(d.PagesProcessed) / float64(d.TotalPages) * 100
}

type DocumentProgress struct {
	Document
	ProgressPercentage float64 `json:"progress_percentage"`
}

func NewDocumentProgress(doc Document) DocumentProgress {
	return DocumentProgress{Document: doc, ProgressPercentage: doc.ProgressPercentage()}
}

type StatusSnapshot struct {
	Queued     int                `json:"queued"`
	Processing int                `json:"processing"`
	Paused     int                `json:"paused"`
	Completed  int                `json:"completed"`
	Failed     int                `json:"failed"`
	Documents  []DocumentProgress `json:"documents"`
}

// StatusEvent is published whenever a document changes status.
type StatusEvent struct {
	DocumentID string         `json:"document_id"`
	Status     DocumentStatus `json:"status"`
	Error      string         `json:"error_message,omitempty"`
	At         time.Time      `json:"at"`
}
