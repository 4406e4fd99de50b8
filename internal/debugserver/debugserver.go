// Package debugserver exposes a small read-only HTTP surface for
// operators: connection status and active shape subscriptions across
// every database a satellite.Registry has open, plus a health check.
// It is generalized from the teacher's internal/api chi router and
// RFC 7807 problem-response stack, but it is strictly an introspection
// surface — nothing under this package can mutate replication state.
package debugserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mducko/electric/internal/satellite"
)

// Handler holds the dependencies every route needs: the registry of
// open sessions, and the binary's version string for /health.
type Handler struct {
	registry *satellite.Registry
	version  string
}

// NewHandler builds a Handler over reg. version is reported verbatim
// on /health; callers typically pass the build-time version string.
func NewHandler(reg *satellite.Registry, version string) *Handler {
	return &Handler{registry: reg, version: version}
}

// NewRouter builds the chi router serving this package's routes.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Get("/connectivity", h.Connectivity)
	r.Get("/subscriptions", h.Subscriptions)

	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health reports that the debug server itself is alive. It says
// nothing about replication health; use /connectivity for that.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: h.version})
}

type connectivityEntry struct {
	DBName   string `json:"db_name"`
	Status   string `json:"status"`
	ClientID string `json:"client_id,omitempty"`
}

// Connectivity reports every open session's connection lifecycle
// state (spec §4.7) and resolved client identifier.
func (h *Handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.Sessions()
	out := make([]connectivityEntry, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, connectivityEntry{
			DBName:   s.Name,
			Status:   string(s.Status()),
			ClientID: s.ClientID(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type subscriptionEntry struct {
	DBName   string   `json:"db_name"`
	Key      string   `json:"key"`
	Status   string   `json:"status"`
	Progress string   `json:"progress,omitempty"`
	Tables   []string `json:"tables"`
}

// Subscriptions reports every known shape subscription, across every
// open session, and its current status.
func (h *Handler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.Sessions()
	var out []subscriptionEntry
	for _, s := range sessions {
		for _, info := range s.Subscriptions() {
			tables := make([]string, 0, len(info.Shapes))
			for _, shape := range info.Shapes {
				tables = append(tables, shape.Namespace+"."+shape.Tablename)
			}
			out = append(out, subscriptionEntry{
				DBName:   s.Name,
				Key:      info.Key,
				Status:   string(info.Status),
				Progress: string(info.Progress),
				Tables:   tables,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// LoggingMiddleware logs every request the debug server serves.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Info("debugserver: request",
			"component", "debugserver",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.statusCode = code
	sw.ResponseWriter.WriteHeader(code)
}
