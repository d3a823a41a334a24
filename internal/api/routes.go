package api

import (
	"jobfiles/internal/audit"
	"jobfiles/internal/health"
	"jobfiles/internal/observability"
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Authorizer     Authorizer
	Jobs           JobLookup
	Tokens         TokenMinter
	Metrics        *observability.Metrics
	HealthChecker  *health.Checker
	Audit          audit.Sink // nil disables auditing
	APIKey         string     // protects key minting; empty leaves the endpoint unregistered
	MaxUploadBytes int64
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// File transfer - the job key is the only credential
	mux.Handle("GET /api/jobs/{jobId}/files", gzhttp.GzipHandler(http.HandlerFunc(handler.DownloadFile)))
	mux.HandleFunc("POST /api/jobs/{jobId}/files", handler.UploadFile)

	if cfg.APIKey != "" && cfg.Jobs != nil && cfg.Tokens != nil {
		mux.Handle("POST /api/jobs/{jobId}/keys", AuthMiddleware(cfg.APIKey)(http.HandlerFunc(handler.MintKey)))
	}

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
