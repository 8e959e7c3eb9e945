package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
	"github.com/kirillkom/retrieval-engine/internal/observability/metrics"
)

const (
	serviceName      = "retrieval-api"
	backpressureWait = 250 * time.Millisecond
)

type Router struct {
	cfg        config.Config
	submitter  ports.DocumentSubmitter
	controller ports.DocumentController
	reader     ports.DocumentReader
	search     ports.SearchService

	events    ports.StatusEventSource
	metrics   *metrics.HTTPServerMetrics
	gatherers []prometheus.Gatherer
	logger    *slog.Logger
}

func NewRouter(
	cfg config.Config,
	submitter ports.DocumentSubmitter,
	controller ports.DocumentController,
	reader ports.DocumentReader,
	search ports.SearchService,
) *Router {
	return &Router{
		cfg:        cfg,
		submitter:  submitter,
		controller: controller,
		reader:     reader,
		search:     search,
		logger:     slog.Default(),
	}
}

// WithEvents enables GET /v1/events.
func (rt *Router) WithEvents(events ports.StatusEventSource) *Router {
	rt.events = events
	return rt
}

// WithMetrics instruments every request and serves GET /metrics from m
// plus the extra gatherers.
func (rt *Router) WithMetrics(m *metrics.HTTPServerMetrics, extra ...prometheus.Gatherer) *Router {
	rt.metrics = m
	rt.gatherers = extra
	return rt
}

func (rt *Router) WithLogger(logger *slog.Logger) *Router {
	if logger != nil {
		rt.logger = logger
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/documents", rt.submitDocument)
	api.HandleFunc("GET /v1/documents", rt.statusSnapshot)
	api.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	api.HandleFunc("POST /v1/documents/{id}/{action}", rt.controlDocument)
	api.HandleFunc("POST /v1/search", rt.searchChunks)

	limited := rateLimitMiddleware(
		backpressureMiddleware(api, rt.cfg.APIMaxInFlight, backpressureWait),
		rt.cfg.APIRateLimitRPS,
		rt.cfg.APIRateLimitBurst,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("/v1/", limited)
	if rt.events != nil {
		// streams are long-lived and must not hold a backpressure slot
		mux.Handle("GET /v1/events", rateLimitMiddleware(http.HandlerFunc(rt.streamEvents), rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst))
	}

	var handler http.Handler = mux
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler(rt.gatherers...))
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(rt.logger, recoverMiddleware(rt.logger, handler)))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) submitDocument(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.APIUploadMaxBytes > 0 {
		if r.ContentLength > rt.cfg.APIUploadMaxBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "document exceeds upload limit"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.APIUploadMaxBytes)
	}
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "document exceeds upload limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	doc, err := rt.submitter.Submit(
		r.Context(),
		fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"),
		file,
	)
	if err != nil {
		if doc != nil && domain.IsKind(err, domain.ErrTemporary) {
			// queued durably; the scheduler tick picks it up without the wake-up
			rt.logger.Warn("submission_event_not_published",
				"request_id", requestIDFromContext(r.Context()),
				"document_id", doc.ID,
				"error", err.Error(),
			)
			writeJSON(w, http.StatusAccepted, doc)
			return
		}
		rt.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) statusSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := rt.reader.StatusSnapshot(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document id is required"})
		return
	}

	doc, err := rt.reader.Status(r.Context(), id)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewDocumentProgress(*doc))
}

func (rt *Router) controlDocument(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var (
		doc *domain.Document
		err error
	)
	switch domain.ControlAction(r.PathValue("action")) {
	case domain.ActionPause:
		doc, err = rt.controller.Pause(r.Context(), id)
	case domain.ActionResume:
		doc, err = rt.controller.Resume(r.Context(), id)
	case domain.ActionCancel:
		doc, err = rt.controller.Cancel(r.Context(), id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document action"})
		return
	}
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewDocumentProgress(*doc))
}

type searchRequest struct {
	Query       string   `json:"query"`
	K           int      `json:"k"`
	DocumentIDs []string `json:"document_ids"`
}

type searchResponse struct {
	Query string             `json:"query"`
	K     int                `json:"k"`
	Hits  []domain.SearchHit `json:"hits"`
}

func (rt *Router) searchChunks(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	if req.K == 0 {
		req.K = rt.cfg.RAGTopK
	}

	hits, err := rt.search.Search(r.Context(), req.Query, req.K, domain.SearchFilter{DocumentIDs: req.DocumentIDs})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []domain.SearchHit{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: req.Query, K: req.K, Hits: hits})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
