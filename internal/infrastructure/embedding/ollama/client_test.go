package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func TestEmbedSendsModelAndInputs(t *testing.T) {
	var payload struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer server.Close()

	client := New(server.URL+"/", "nomic-embed-text", time.Second)
	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if payload.Model != "nomic-embed-text" || len(payload.Input) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(vectors) != 2 || vectors[1][1] != 0.4 {
		t.Fatalf("unexpected vectors: %v", vectors)
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(server.URL, "embed", time.Second)
	_, err := client.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 502 to be temporary, got %v", err)
	}
}

func TestEmbedBadRequestIsContentError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "input too long", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := New(server.URL, "embed", time.Second).Embed(context.Background(), []string{"x"})
	if !domain.IsKind(err, domain.ErrContent) {
		t.Fatalf("expected ErrContent, got %v", err)
	}
}

func TestEmbedEmptyInputSkipsRequest(t *testing.T) {
	client := New("http://127.0.0.1:1", "embed", time.Second)
	vectors, err := client.Embed(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Fatalf("expected no-op, got %v / %v", vectors, err)
	}
}
