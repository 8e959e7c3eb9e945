package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

const (
	sseBuffer    = 64
	sseKeepAlive = 15 * time.Second
)

// streamEvents relays status-change events as server-sent events.
// ?document_id= narrows the stream to one or more documents.
func (rt *Router) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported by response writer"})
		return
	}
	filter := domain.SearchFilter{DocumentIDs: splitIDs(r.URL.Query()["document_id"])}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan domain.StatusEvent, sseBuffer)
	subscribed := make(chan error, 1)
	go func() {
		subscribed <- rt.events.SubscribeStatusChanged(ctx, func(event domain.StatusEvent) {
			if !filter.Allows(event.DocumentID) {
				return
			}
			select {
			case events <- event:
			default:
				// slow reader; it can poll GET /v1/documents/{id}
			}
		})
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-subscribed:
			if err != nil {
				rt.logger.Warn("status_stream_ended",
					"request_id", requestIDFromContext(r.Context()),
					"error", err.Error(),
				)
			}
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-events:
			payload, err := json.Marshal(event)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func splitIDs(values []string) []string {
	var ids []string
	for _, value := range values {
		for _, id := range strings.Split(value, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
