// Package statusapi implements the Status Query API (C11): a thin,
// read-only chi-routed HTTP surface over the tracking store, letting an
// operator or downstream system ask "what is this document's status"
// without reaching into Postgres directly.
package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docflow/idp-core/internal/document"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/metrics"
)

const (
	defaultListLimit = 100
	serviceName       = "statusapi"
)

// Server exposes the tracking store's Record data over HTTP.
type Server struct {
	store   *document.Store
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New builds a Server over store.
func New(store *document.Store, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{store: store, log: log}
}

// WithMetrics attaches m, enabling per-request Prometheus metrics and a
// /metrics scrape endpoint. Metrics collection is optional: a Server
// built without a call to WithMetrics serves the same two read
// endpoints with no metrics overhead, which is what statusapi's own
// tests do.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	return s
}

// Router builds the chi router serving this API's two read endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if s.metrics != nil {
		r.Use(s.recordMetrics)
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/documents/{id}", s.getDocument)
	r.Get("/documents", s.listDocuments)
	r.Get("/healthz", s.healthz)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Debug("status api request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.IncrementInFlight()
		defer s.metrics.DecrementInFlight()

		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(serviceName, r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(started))
	})
}

// statusRecorder captures the status code a handler wrote, since
// net/http's ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getDocument serves GET /documents/{id}.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if err == document.ErrNotFound {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		s.log.WithError(err).WithField("document_id", id).Warn("status api: get document failed")
		writeError(w, http.StatusBadGateway, "tracking store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// listDocuments serves GET /documents?status=A,B&limit=N. status is a
// comma-separated list of document.Status values; an unrecognized value
// is rejected rather than silently ignored, so a typo in a query string
// doesn't come back looking like "no documents match".
func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.store.ListByStatus(r.Context(), statuses, limit)
	if err != nil {
		s.log.WithError(err).Warn("status api: list documents failed")
		writeError(w, http.StatusBadGateway, "tracking store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": records})
}

var allStatuses = []document.Status{
	document.StatusQueued,
	document.StatusRunning,
	document.StatusOCR,
	document.StatusClassifying,
	document.StatusExtracting,
	document.StatusAssessing,
	document.StatusPostprocessing,
	document.StatusSummarizing,
	document.StatusEvaluating,
	document.StatusCompleted,
	document.StatusFailed,
}

func parseStatuses(raw string) ([]document.Status, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return allStatuses, nil
	}

	known := make(map[document.Status]bool, len(allStatuses))
	for _, st := range allStatuses {
		known[st] = true
	}

	parts := strings.Split(raw, ",")
	out := make([]document.Status, 0, len(parts))
	for _, p := range parts {
		st := document.Status(strings.ToUpper(strings.TrimSpace(p)))
		if !known[st] {
			return nil, errUnknownStatus(string(st))
		}
		out = append(out, st)
	}
	return out, nil
}

type errUnknownStatus string

func (e errUnknownStatus) Error() string {
	return "unknown status: " + string(e)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
