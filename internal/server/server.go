// Package server provides the HTTP API for the feedwright service.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/feedwright/feedwright/pkg/errors"
	"github.com/feedwright/feedwright/pkg/logger"

	"github.com/feedwright/feedwright/internal/hotreload"
	"github.com/feedwright/feedwright/internal/stix"
	"github.com/feedwright/feedwright/internal/transform"
)

// StatsProvider exposes component statistics for the stats endpoint.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// Handler handles HTTP requests for the transform API.
type Handler struct {
	pipeline *transform.Pipeline
	reload   *hotreload.Manager
	extra    map[string]StatsProvider
	logger   *slog.Logger
}

// NewHandler creates a transform API handler. The reload manager may be
// nil when hot reload is disabled.
func NewHandler(pipeline *transform.Pipeline, reload *hotreload.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		reload:   reload,
		extra:    make(map[string]StatsProvider),
		logger:   logger.With("component", "http-api"),
	}
}

// AddStatsProvider registers an extra component for the stats endpoint.
func (h *Handler) AddStatsProvider(name string, provider StatsProvider) {
	h.extra[name] = provider
}

// RegisterRoutes registers transform API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/transform", h.TransformRecord).Methods("POST")
	r.HandleFunc("/transform/batch", h.TransformBatch).Methods("POST")
	r.HandleFunc("/transform/stix", h.TransformSTIX).Methods("POST")
	r.HandleFunc("/catalog", h.GetCatalog).Methods("GET")
	r.HandleFunc("/catalog", h.PutCatalog).Methods("PUT")
	r.HandleFunc("/catalog/reload", h.ReloadCatalog).Methods("POST")
	r.HandleFunc("/stats", h.GetStats).Methods("GET")
}

// RequestID tags each request with an ID, echoing a client-supplied
// X-Request-ID or generating one, and stores it in the request context so
// handler logs carry it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logger.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// log returns the handler logger annotated with request context.
func (h *Handler) log(r *http.Request) *slog.Logger {
	return logger.WithContext(r.Context(), h.logger)
}

// RegisterHealthRoutes registers liveness and readiness endpoints on the
// root router.
func (h *Handler) RegisterHealthRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/ready", h.Ready).Methods("GET")
}

// TransformRecord transforms a single raw record.
// POST /api/v1/transform
func (h *Handler) TransformRecord(w http.ResponseWriter, r *http.Request) {
	var rec map[string]any
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		h.respondAppError(w, apperrors.BadRequest("invalid request body"))
		return
	}

	item, err := h.pipeline.Transform(transform.RawRecord(rec))
	if err != nil {
		h.respondTransformError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"kind":   item.Kind,
		"entity": item.Batch(),
	})
}

type batchRequest struct {
	Records []map[string]any `json:"records"`
}

// TransformBatch transforms a list of raw records. The format query
// parameter selects the output layout: "batch" (default) or "v3".
// POST /api/v1/transform/batch?format=batch|v3
func (h *Handler) TransformBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondAppError(w, apperrors.BadRequest("invalid request body"))
		return
	}
	if len(req.Records) == 0 {
		h.respondAppError(w, apperrors.Validation("records must not be empty"))
		return
	}

	recs := make([]transform.RawRecord, len(req.Records))
	for i, rec := range req.Records {
		recs[i] = transform.RawRecord(rec)
	}

	switch r.URL.Query().Get("format") {
	case "", "batch":
		result, err := h.pipeline.Batch(recs)
		if err != nil {
			h.respondTransformError(w, err)
			return
		}
		h.respondJSON(w, http.StatusOK, result)
	case "v3":
		result, err := h.pipeline.V3(recs)
		if err != nil {
			h.respondTransformError(w, err)
			return
		}
		h.respondJSON(w, http.StatusOK, result)
	default:
		h.respondAppError(w, apperrors.Validation("format must be batch or v3"))
	}
}

// TransformSTIX converts a STIX 2.1 bundle into raw records and
// transforms them with the active catalog.
// POST /api/v1/transform/stix
func (h *Handler) TransformSTIX(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondAppError(w, apperrors.BadRequest("failed to read request body"))
		return
	}

	recs, err := stix.ParseBundle(data)
	if err != nil {
		h.respondAppError(w, apperrors.Wrap(err, apperrors.CodeBadRequest, "invalid STIX bundle"))
		return
	}

	result, err := h.pipeline.Batch(recs)
	if err != nil {
		h.respondTransformError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// GetCatalog returns the active catalog's specs.
// GET /api/v1/catalog
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	specs := h.pipeline.Catalog().Specs()
	out := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		data, err := json.Marshal(spec)
		if err != nil {
			h.respondAppError(w, apperrors.Internal("failed to serialize spec"))
			return
		}
		entry := map[string]any{}
		if err := json.Unmarshal(data, &entry); err != nil {
			h.respondAppError(w, apperrors.Internal("failed to serialize spec"))
			return
		}
		entry["kind"] = spec.Kind()
		out = append(out, entry)
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"specs": out})
}

// PutCatalog replaces the active catalog. The body is a YAML or JSON
// catalog document; it is validated before anything is swapped. When hot
// reload is available the catalog is also stored and broadcast so other
// instances pick it up.
// PUT /api/v1/catalog
func (h *Handler) PutCatalog(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondAppError(w, apperrors.BadRequest("failed to read request body"))
		return
	}

	catalog, err := transform.ParseCatalog(data)
	if err != nil {
		h.respondAppError(w, apperrors.Wrap(err, apperrors.CodeConfiguration, "invalid catalog"))
		return
	}

	if h.reload != nil {
		if err := h.reload.StoreCatalog(r.Context(), data); err != nil {
			h.log(r).Error("failed to broadcast catalog", "error", err)
		}
	}
	h.pipeline.SetCatalog(catalog)

	h.log(r).Info("catalog replaced", "specs", len(catalog.Specs()))
	h.respondJSON(w, http.StatusOK, map[string]any{"specs": len(catalog.Specs())})
}

// ReloadCatalog asks every instance to reload the catalog from disk.
// POST /api/v1/catalog/reload
func (h *Handler) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		h.respondAppError(w, apperrors.New(apperrors.CodeServiceUnavail, "hot reload is not enabled"))
		return
	}
	if err := h.reload.PublishReload(&hotreload.CatalogUpdate{Action: "reload"}); err != nil {
		h.respondAppError(w, apperrors.Wrap(err, apperrors.CodeInternalError, "failed to publish reload"))
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "reload published"})
}

// GetStats returns pipeline and component statistics.
// GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{"pipeline": h.pipeline.Stats()}
	if h.reload != nil {
		stats["hotreload"] = h.reload.Stats()
	}
	for name, provider := range h.extra {
		stats[name] = provider.Stats()
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready reports readiness. The service is ready once a catalog is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pipeline.Catalog() == nil || len(h.pipeline.Catalog().Specs()) == 0 {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no catalog loaded"})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) respondTransformError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transform.ErrNoValidTransform):
		h.respondAppError(w, apperrors.Wrap(err, apperrors.CodeNoTransform, "no valid transform for record"))
	default:
		var terr *transform.TransformError
		if errors.As(err, &terr) {
			h.respondAppError(w, apperrors.Wrap(err, apperrors.CodeTransform, terr.Error()))
			return
		}
		h.respondAppError(w, apperrors.Wrap(err, apperrors.CodeInternalError, "transform failed"))
	}
}

func (h *Handler) respondAppError(w http.ResponseWriter, appErr *apperrors.AppError) {
	h.respondJSON(w, appErr.HTTPStatus, map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
