package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestHealthzEndpoint(t *testing.T) {
	handler := newTestHandler(config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestSubmitDocumentSuccess(t *testing.T) {
	handler := newTestHandler(config.Config{})
	body, contentType := multipartBody(t, "file.txt", "hello")

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}

	var docResp map[string]any
	if err := json.NewDecoder(res.Body).Decode(&docResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if docResp["document_id"] != "doc-1" || docResp["status"] != "queued" {
		t.Fatalf("unexpected response: %+v", docResp)
	}
	if _, leaked := docResp["run_token"]; leaked {
		t.Fatalf("run token must not be exposed: %+v", docResp)
	}
}

func TestSubmitDocumentMissingMultipartField(t *testing.T) {
	handler := newTestHandler(config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", bytes.NewBufferString("plain-text"))
	req.Header.Set("Content-Type", "text/plain")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestSubmitDocumentQueueFullReturns429(t *testing.T) {
	deps := newTestDeps()
	deps.submitter.err = domain.WrapError(domain.ErrQueueFull, "submit", errors.New("1000 documents queued"))
	handler := deps.router(config.Config{}).Handler()
	body, contentType := multipartBody(t, "file.txt", "hello")

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", res.Code)
	}
}

func TestSubmitDocumentAcceptsWhenWakeUpFails(t *testing.T) {
	deps := newTestDeps()
	deps.submitter.doc = &domain.Document{ID: "doc-7", Status: domain.StatusQueued}
	deps.submitter.err = domain.WrapError(domain.ErrTemporary, "publish", errors.New("nats down"))
	handler := deps.router(config.Config{}).Handler()
	body, contentType := multipartBody(t, "file.txt", "hello")

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted || !strings.Contains(res.Body.String(), "doc-7") {
		t.Fatalf("expected 202 with queued document, got %d %s", res.Code, res.Body.String())
	}
}

func TestSubmitDocumentRejectsOversizedUpload(t *testing.T) {
	handler := newTestHandler(config.Config{APIUploadMaxBytes: 64})
	body, contentType := multipartBody(t, "big.txt", strings.Repeat("x", 1024))

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}
