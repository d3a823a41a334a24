// Package api provides the HTTP handlers and routing for the job files
// service.
package api

import (
	"context"
	"encoding/json"
	"jobfiles/internal/apperrors"
	"jobfiles/internal/audit"
	"jobfiles/internal/authz"
	"jobfiles/internal/health"
	"jobfiles/internal/job"
	"jobfiles/internal/observability"
	"log/slog"
	"net/http"
)

// defaultMaxUploadBytes bounds a write request body when no limit is configured.
const defaultMaxUploadBytes = 1 << 30 // 1 GiB

// Authorizer decides job file access requests.
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) authz.Decision
}

// JobLookup finds jobs for the key-minting endpoint.
type JobLookup interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
}

// TokenMinter mints capability tokens.
type TokenMinter interface {
	Encode(jobID, kind string) (string, error)
}

// Handler contains HTTP handlers for the job files API
type Handler struct {
	authz          Authorizer
	jobs           JobLookup
	tokens         TokenMinter
	metrics        *observability.Metrics
	health         *health.Checker
	audit          audit.Sink
	maxUploadBytes int64
}

// NewHandler creates a new API handler from the router dependencies.
func NewHandler(cfg RouterConfig) *Handler {
	h := &Handler{
		authz:          cfg.Authorizer,
		jobs:           cfg.Jobs,
		tokens:         cfg.Tokens,
		metrics:        cfg.Metrics,
		health:         cfg.HealthChecker,
		audit:          cfg.Audit,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	if h.audit == nil {
		h.audit = audit.Nop{}
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = defaultMaxUploadBytes
	}
	return h
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the job store or object store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// errorResponse is the JSON body of every error reply. Code is set for
// permission denials only.
type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"err_code,omitempty"`
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// handleError maps an application error to a status code and error body.
// Internal error messages are not sent to the client.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	message := err.Error()
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
		message = "internal server error"
	} else if status != http.StatusForbidden {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, errorResponse{Error: message, Code: apperrors.Code(err)})
}
