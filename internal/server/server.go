package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avauthz/internal/handler"
	"github.com/vyrodovalexey/avauthz/internal/observability"
	"github.com/vyrodovalexey/avauthz/internal/policy"
)

// DefaultMaxRequestBodySize bounds authorize request bodies.
const DefaultMaxRequestBodySize = 1 << 20

// ginModeOnce keeps gin.SetMode from racing between servers.
var ginModeOnce sync.Once

// Authorizer decides requests. *authorizer.Authorizer implements it.
type Authorizer interface {
	Handle(ctx context.Context, req *handler.Request) (*policy.Document, error)
	Ready(ctx context.Context) error
}

// Config holds configuration for the HTTP server.
type Config struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TrustedProxies []string
	// MaxRequestBodySize is the largest accepted body in bytes. Zero uses
	// DefaultMaxRequestBodySize.
	MaxRequestBodySize int64
}

// Server serves the authorization HTTP surface.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	authorizer Authorizer
	config     Config
	logger     observability.Logger
	metrics    *observability.Metrics

	mu      sync.Mutex
	running bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the process metrics. The registry is exposed on
// /metrics and HTTP requests are recorded into it.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a server routing requests to a.
func New(cfg Config, a Authorizer, opts ...Option) (*Server, error) {
	if a == nil {
		return nil, errors.New("server requires an authorizer")
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = DefaultMaxRequestBodySize
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:     gin.New(),
		authorizer: a,
		config:     cfg,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	s.engine.Use(
		recovery(s.logger),
		requestID(),
		tracing(),
		observe(s.metrics),
		logging(s.logger),
		maxBodySize(cfg.MaxRequestBodySize),
	)
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and blocks until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.engine,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", s.config.Address),
		observability.Duration("read_timeout", s.config.ReadTimeout),
		observability.Duration("write_timeout", s.config.WriteTimeout),
	)

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down, waiting for active requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
