// Package http provides the registry inspection API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/csmclient/adapters/metrics"
	"github.com/artpar/csmclient/core/errs"
	"github.com/artpar/csmclient/core/record"
	"github.com/artpar/csmclient/core/registry"
	"github.com/artpar/csmclient/core/schema"
	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

// maxBody bounds POST /services bodies.
const maxBody = 1 << 20

// ErrorResponseBody is the body of every error response.
type ErrorResponseBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// SchemaResponse is the body of GET /schema.
type SchemaResponse struct {
	Version string               `json:"version"`
	Fields  []schema.SchemaField `json:"fields"`
}

// ServiceView is the JSON form of a service record.
type ServiceView struct {
	Key    string                 `json:"key"`
	Local  bool                   `json:"local"`
	Fields map[string]field.Value `json:"fields"`
}

// CreateServiceRequest is the body of POST /services. Values are JSON
// numbers, strings, or non-empty arrays of either.
type CreateServiceRequest struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

// ServiceHandler serves the schema and the service collection. The
// collection is not safe for concurrent use, so every request holds mu.
type ServiceHandler struct {
	mu         sync.Mutex
	backend    ports.Backend
	catalog    *schema.Catalog
	collection *registry.Collection
	logger     zerolog.Logger
}

// NewServiceHandler creates a handler over an open catalog and collection.
// The handler does not take ownership of either.
func NewServiceHandler(backend ports.Backend, catalog *schema.Catalog, collection *registry.Collection, logger zerolog.Logger) *ServiceHandler {
	return &ServiceHandler{
		backend:    backend,
		catalog:    catalog,
		collection: collection,
		logger:     logger,
	}
}

// Schema serves the catalog.
func (h *ServiceHandler) Schema(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fields, err := h.catalog.Fields()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SchemaResponse{
		Version: h.catalog.Version().String(),
		Fields:  fields,
	})
}

// List serves every service in the registry.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.collection.Refresh(r.Context()); err != nil {
		h.writeErr(w, err)
		return
	}
	views := make([]ServiceView, 0, h.collection.Len())
	for rec, err := range h.collection.All() {
		if err != nil {
			h.writeErr(w, err)
			return
		}
		views = append(views, view(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// Get serves one service by key.
func (h *ServiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.collection.Refresh(r.Context()); err != nil {
		h.writeErr(w, err)
		return
	}
	rec, err := h.collection.Get(chi.URLParam(r, "key"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec))
}

// Create publishes a new local service.
func (h *ServiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateServiceRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorDetail{Code: "bad_request", Message: err.Error()})
		return
	}

	values := make(map[string]field.Value, len(req.Fields))
	for name, raw := range req.Fields {
		var v field.Value
		if err := json.Unmarshal(raw, &v); err != nil {
			writeError(w, http.StatusBadRequest, ErrorDetail{Code: "bad_request", Message: err.Error(), Field: name})
			return
		}
		values[name] = v
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	rec, err := record.CreateNew(ctx, h.backend, record.WithCatalog(h.catalog), record.WithLogger(h.logger))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	defer rec.Close()

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := rec.Set(name, values[name]); err != nil {
			h.writeErr(w, err)
			return
		}
	}
	if err := h.collection.Append(ctx, rec); err != nil {
		h.writeErr(w, err)
		return
	}

	h.logger.Info().Str("key", rec.Key()).Msg("service published")
	w.Header().Set("Location", "/services/"+rec.Key())
	writeJSON(w, http.StatusCreated, view(rec))
}

// Delete removes a local service.
func (h *ServiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.collection.Refresh(ctx); err != nil {
		h.writeErr(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.collection.Delete(ctx, key); err != nil {
		h.writeErr(w, err)
		return
	}
	h.logger.Info().Str("key", key).Msg("service removed")
	w.WriteHeader(http.StatusNoContent)
}

// Dump refreshes the collection and writes its listing to w.
func (h *ServiceHandler) Dump(ctx context.Context, w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.collection.Refresh(ctx); err != nil {
		return err
	}
	return h.collection.Dump(w)
}

func view(rec *record.Record) ServiceView {
	return ServiceView{Key: rec.Key(), Local: rec.IsLocal(), Fields: rec.Fields()}
}

// Status maps a core error to an HTTP status and error code.
// This is a PURE function.
func Status(err error) (int, string) {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound, "not_found"
	case errs.KindTypeMismatch:
		return http.StatusUnprocessableEntity, "type_mismatch"
	case errs.KindValidationError:
		return http.StatusUnprocessableEntity, "validation_error"
	case errs.KindReadOnlyViolation:
		return http.StatusForbidden, "read_only"
	case errs.KindBackendUnavailable:
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errs.KindUnknownFieldType:
		return http.StatusInternalServerError, "unknown_field_type"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *ServiceHandler) writeErr(w http.ResponseWriter, err error) {
	status, code := Status(err)
	detail := ErrorDetail{Code: code, Message: err.Error()}
	var e *errs.Error
	if errors.As(err, &e) {
		detail.Field = e.Field
	}
	if status >= 500 {
		h.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, detail)
}

func writeError(w http.ResponseWriter, status int, detail ErrorDetail) {
	writeJSON(w, status, ErrorResponseBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Liveness returns a simple liveness check.
func Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Version     string
	Metrics     *metrics.Collector
	MetricsPath string              // default "/metrics"
	Gatherer    prometheus.Gatherer // default prometheus.DefaultGatherer
	Timeout     time.Duration       // default 30s
}

// NewRouter creates the inspection API router.
func NewRouter(h *ServiceHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger, cfg.MetricsPath))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", Liveness)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Version: cfg.Version, Service: "csmclient"})
	})
	if cfg.Metrics != nil {
		g := cfg.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		r.Handle(cfg.MetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	r.Get("/schema", h.Schema)
	r.Route("/services", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{key}", h.Get)
		r.Delete("/{key}", h.Delete)
	})

	return r
}

// NewMetricsMiddleware records request counts and latency by route pattern.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RequestsTotal.WithLabelValues(r.Method, route, metrics.StatusClass(ww.Status())).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// NewLoggingMiddleware logs HTTP requests.
func NewLoggingMiddleware(logger zerolog.Logger, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == metricsPath {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
