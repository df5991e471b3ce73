// Package server provides the HTTP surface of the image host.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/wolfeidau/img2url/expiry"
	"github.com/wolfeidau/img2url/ingest"
	"github.com/wolfeidau/img2url/stats"
	"github.com/wolfeidau/img2url/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AdminToken protects the maintenance endpoints (/sync-stats, /cleanup)
	// with bearer authentication. Empty leaves them open.
	AdminToken string

	// MaxUploadBytes caps the size of an upload request body, multipart
	// framing included. Default: 12 MiB.
	MaxUploadBytes int64

	// CORSOrigin is sent as Access-Control-Allow-Origin. Default: "*".
	CORSOrigin string

	// Sweep runs the background expiry sweep while the server is up.
	Sweep bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the image host HTTP server.
type Server struct {
	config     Config
	logger     *slog.Logger
	pipeline   *ingest.Pipeline
	expiryMgr  *expiry.Manager
	stats      *stats.Aggregator
	handler    http.Handler
	httpServer *http.Server
}

// New creates a new server around the upload pipeline, the delivery and
// expiry manager and the stats aggregator.
func New(cfg Config, pipeline *ingest.Pipeline, expiryMgr *expiry.Manager, agg *stats.Aggregator) (*Server, error) {
	if pipeline == nil || expiryMgr == nil || agg == nil {
		return nil, fmt.Errorf("server: pipeline, expiry manager and stats aggregator are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 12 << 20
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger.With("component", "server"),
		pipeline:  pipeline,
		expiryMgr: expiryMgr,
		stats:     agg,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.corsMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// JSON endpoints are compressed; images are served as stored.
	mux.Handle("POST /upload", gzhttp.GzipHandler(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /stats", gzhttp.GzipHandler(http.HandlerFunc(s.handleStats)))
	mux.Handle("POST /sync-stats", s.adminAuth(gzhttp.GzipHandler(http.HandlerFunc(s.handleSyncStats))))
	mux.Handle("POST /cleanup", s.adminAuth(gzhttp.GzipHandler(http.HandlerFunc(s.handleCleanup))))

	mux.HandleFunc("GET /{file}", s.handleImage)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// corsMiddleware adds CORS headers to every response and answers
// preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.config.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			telemetry.SetRoute(r, "preflight")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set route, result and error code.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"client_ip", clientIP(r),
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.Result != "" && tags.Result != telemetry.ResultNA {
			attrs = append(attrs, "result", string(tags.Result))
		}
		if tags.ErrorCode != "" {
			attrs = append(attrs, "error_code", tags.ErrorCode)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	if s.config.Sweep {
		s.logger.Info("starting expiry sweep", "interval", s.expiryMgr.Config().SweepInterval)
		if err := s.expiryMgr.Start(context.Background()); err != nil {
			return fmt.Errorf("starting expiry manager: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.expiryMgr.Stop()

	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
