package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"siderec/internal/api"
	"siderec/internal/observability/logging"
	"siderec/internal/observability/metrics"
	"siderec/internal/serverutil"
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
	// TrustForwardedHeaders keys rate limits on X-Forwarded-For when the
	// server runs behind a proxy.
	TrustForwardedHeaders bool
	Logger                *slog.Logger
	Metrics               *metrics.Recorder

	ReadHeaderTimeout time.Duration
	// WriteTimeout is left at zero by default; recordings are streamed
	// and websocket connections are long lived.
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Drain runs after the listener stops accepting requests.
	Drain []func(context.Context) error
}

type Server struct {
	httpServer  *http.Server
	router      chi.Router
	logger      *slog.Logger
	rateLimiter *rateLimiter
	tls         TLSConfig
	shutdown    time.Duration
	drain       []func(context.Context) error
}

// New assembles the HTTP surface: the REST API under /api, the signalling
// websocket at /ws, health and metrics.
func New(handler *api.Handler, signaling http.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "server")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl := newRateLimiter(cfg.RateLimit)
	resolver := clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) })
	r.Use(securityHeadersMiddleware(cfg.Security))
	r.Use(policy.middleware(cfg.CORS.MaxAge))
	r.Use(globalRateLimit(rl))

	r.Get("/healthz", handler.Health)
	r.Method(http.MethodGet, "/metrics", recorder.Handler())
	if signaling != nil {
		r.Method(http.MethodGet, "/ws", signaling)
	}
	handler.Routes(r, uploadRateLimit(rl, resolver, logger))

	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 5 * time.Second
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: readHeader,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       idle,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		router:      r,
		logger:      logger,
		rateLimiter: rl,
		tls: TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
		shutdown: cfg.ShutdownTimeout,
		drain:    cfg.Drain,
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	if s == nil || s.httpServer == nil {
		return errors.New("http server is not configured")
	}
	s.logger.Info("listening", "addr", s.httpServer.Addr, "tls", s.tls.CertFile != "")
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
		ShutdownTimeout: s.shutdown,
		Ready:           ready,
		Drain:           s.drain,
		Logger:          s.logger,
	})
}
