package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// HTTPHandler receives bucket notifications posted by a storage webhook target.
type HTTPHandler struct {
	filter       *Filter
	logger       *zap.Logger
	maxBodyBytes int64
	router       chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes. A nil filter
// leaves only the health route mounted.
func NewHTTPHandler(filter *Filter, logger *zap.Logger, maxBodyBytes int64) *HTTPHandler {
	h := &HTTPHandler{
		filter:       filter,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", h.handleHealth)
	if h.filter != nil {
		r.Post("/api/v1/events", h.handleEvents)
	}

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleEvents always answers 200 so the notifier never redelivers the
// document; per-record problems are only logged.
func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	var doc NotificationDocument
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		h.logger.Error("decode notification document",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}

	h.logger.Debug("received notification document",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("event_name", doc.EventName),
		zap.String("key", doc.Key),
		zap.Int("records", len(doc.Records)),
	)
	report := h.filter.HandleRecords(r.Context(), doc.Records)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "processing complete",
		"batch_id": report.BatchID,
		"records":  report.Total(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
