package server

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"vodforge/internal/api"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	// MaxChunkBytes bounds request bodies on the chunk route; zero leaves the
	// handler's own limit in place.
	MaxChunkBytes int64
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

type Server struct {
	httpServer *http.Server
	router     chi.Router
}

// New assembles the router and middleware chain around handler. The chain
// runs outermost first: panic recovery, request IDs, request logging,
// metrics, security headers, CORS, then the global rate limit.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	corsHandler, err := newCORS(cfg.CORS)
	if err != nil {
		return nil, err
	}
	if cfg.MaxChunkBytes > 0 && handler.MaxChunkBytes <= 0 {
		handler.MaxChunkBytes = cfg.MaxChunkBytes
	}
	if handler.Logger == nil {
		handler.Logger = logger
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return requestIDMiddleware(logger, next)
	})
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	router.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, next)
	})
	router.Use(func(next http.Handler) http.Handler {
		return securityHeadersMiddleware(cfg.Security, next)
	})
	router.Use(corsHandler)
	router.Use(rateLimitMiddleware(newRateLimiter(cfg.RateLimit), logger))

	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	handler.Routes(router)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "route not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if strings.TrimSpace(cfg.TLS.CertFile) != "" && strings.TrimSpace(cfg.TLS.KeyFile) != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{httpServer: httpServer, router: router}, nil
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Handler() http.Handler {
	return s.router
}
