// server.go - HTTP server, route table and middleware chain.
package server

import (
	"context"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"file-drop/internal/filestore"
)

const defaultMaxRequestBytes int64 = 16 << 30

// Config carries everything the HTTP layer needs. Optional collaborators
// are disabled by leaving them nil.
type Config struct {
	Addr            string // e.g. ":5000"
	BasePath        string // deployment prefix such as "/drop", empty at the root
	CertFile        string
	KeyFile         string
	MaxRequestBytes int64
	AllowedOrigins  []string
	TrustedProxies  []string // addresses or CIDRs allowed to set X-Forwarded-For
	Version         string

	Store   *filestore.Store
	Logger  *zap.Logger
	Limiter Limiter
	Audit   AuditRecorder
	Mirror  *Mirror
}

type Server struct {
	cfg        Config
	store      *filestore.Store
	logger     *zap.Logger
	metrics    *Metrics
	audit      AuditRecorder
	mirror     *Mirror
	limiter    Limiter
	proxies    trustedProxies
	tmpl       *template.Template
	started    time.Time
	httpServer *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	cfg.BasePath = strings.TrimRight(cfg.BasePath, "/")
	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		cfg.Logger.Warn("ignoring trusted proxies, forwarding headers will not be used", zap.Error(err))
	}

	s := &Server{
		cfg:     cfg,
		store:   cfg.Store,
		logger:  cfg.Logger,
		metrics: NewMetrics(),
		audit:   cfg.Audit,
		mirror:  cfg.Mirror,
		limiter: cfg.Limiter,
		proxies: proxies,
		tmpl:    parseTemplates(),
		started: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(cfg.Logger),
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /upload-status", s.handleUploadStatus)
	mux.HandleFunc("GET /download/{name}", s.handleDownload)
	mux.HandleFunc("DELETE /files/{name}", s.handleDelete)
	mux.HandleFunc("GET /audit", s.handleAudit)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

// Handler builds the middleware chain:
// requestID -> client ip -> logging -> security headers -> cors -> base path -> rate limit -> compression -> mux.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.routes()
	handler = compressionMiddleware(handler)
	if s.limiter != nil {
		handler = rateLimitMiddleware(s.limiter, s.metrics, s.logger, handler)
	}
	handler = mountAt(s.cfg.BasePath, handler)
	if len(s.cfg.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id", "Content-Disposition"},
		}).Handler(handler)
	}
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(s.logger, s.metrics, handler)
	handler = clientIPMiddleware(s.proxies, handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// mountAt serves next under basePath. A request for the bare prefix is
// redirected to the prefix with a trailing slash.
func mountAt(basePath string, next http.Handler) http.Handler {
	if basePath == "" {
		return next
	}
	stripped := http.StripPrefix(basePath, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == basePath:
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		case strings.HasPrefix(r.URL.Path, basePath+"/"):
			stripped.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// Start serves HTTP, or HTTPS when a certificate and key are configured.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		err = s.httpServer.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Metrics exposes the counters, mainly for tests and the startup log.
func (s *Server) Metrics() *Metrics { return s.metrics }
