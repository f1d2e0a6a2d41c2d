package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stream-failover/internal/api"
	"stream-failover/internal/auth"
	"stream-failover/internal/observability/logging"
	"stream-failover/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	// AdminTokenHash is the pbkdf2 hash of the token required for registry
	// writes. Empty leaves writes unauthenticated.
	AdminTokenHash string
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	var verifier *auth.Verifier
	if hash := strings.TrimSpace(cfg.AdminTokenHash); hash != "" {
		v, err := auth.NewVerifier(hash)
		if err != nil {
			return nil, fmt.Errorf("admin token: %w", err)
		}
		verifier = v
	}
	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/streams", handler.Streams)
	mux.HandleFunc("/stream/", handler.StreamByAlias)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})

	handlerChain := http.Handler(mux)
	handlerChain = adminAuthMiddleware(verifier, resolver, logger, handlerChain)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, handlerChain)
	handlerChain = corsMiddleware(corsPolicy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logger, func(r *http.Request) []any {
		ip, source := resolver.ClientIPFromRequest(r)
		return []any{"remote_ip", ip, "ip_source", source}
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the underlying server for callers that manage the
// listener themselves.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close releases limiter resources. Shutdown calls it.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}
