package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// Client talks to the retrieval engine HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Submit(ctx context.Context, path string) (*domain.Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/documents", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var doc domain.Document
	if err := c.do(req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) Status(ctx context.Context, documentID string) (*domain.DocumentProgress, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/documents/"+url.PathEscape(documentID), nil)
	if err != nil {
		return nil, err
	}
	var progress domain.DocumentProgress
	if err := c.do(req, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

func (c *Client) Snapshot(ctx context.Context) (*domain.StatusSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/documents", nil)
	if err != nil {
		return nil, err
	}
	var snapshot domain.StatusSnapshot
	if err := c.do(req, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *Client) Control(ctx context.Context, documentID string, action domain.ControlAction) (*domain.DocumentProgress, error) {
	endpoint := fmt.Sprintf("%s/v1/documents/%s/%s", c.baseURL, url.PathEscape(documentID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var progress domain.DocumentProgress
	if err := c.do(req, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

type SearchResult struct {
	Query string             `json:"query"`
	K     int                `json:"k"`
	Hits  []domain.SearchHit `json:"hits"`
}

func (c *Client) Search(ctx context.Context, query string, k int, documentIDs []string) (*SearchResult, error) {
	payload, err := json.Marshal(map[string]any{"query": query, "k": k, "document_ids": documentIDs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var result SearchResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
