package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-secure-gateway/audit"
	"github.com/jrsteele09/go-secure-gateway/bulkhead"
	"github.com/jrsteele09/go-secure-gateway/cache"
	"github.com/jrsteele09/go-secure-gateway/circuit"
	"github.com/jrsteele09/go-secure-gateway/gateway"
	"github.com/jrsteele09/go-secure-gateway/internal/config"
	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/internal/obs"
	"github.com/jrsteele09/go-secure-gateway/token"
)

// DefaultMaxRequestBytes bounds request bodies accepted by the sidecar.
const DefaultMaxRequestBytes int64 = 10 << 20

// Components are the gateway parts the sidecar exposes. Cache and Audit are optional.
type Components struct {
	Gateway   *gateway.Gateway
	Tokens    *token.Store
	Breakers  *circuit.Registry
	Bulkheads *bulkhead.Registry
	Cache     *cache.Manager[gateway.CachedResponse]
	Audit     *audit.Pipeline
}

type Server struct {
	env      string
	mux      *http.ServeMux
	routes   []string
	cors     config.CorsConfig
	parts    Components
	maxBytes int64
	metrics  http.Handler
	logger   zerolog.Logger
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithMaxRequestBytes(n int64) Option {
	return func(s *Server) {
		s.maxBytes = n
	}
}

// WithMetricsHandler replaces the Prometheus handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func New(cfg *config.Config, parts Components, options ...Option) (*Server, error) {
	if parts.Gateway == nil || parts.Tokens == nil || parts.Breakers == nil || parts.Bulkheads == nil {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "[Server New] gateway, tokens, breakers and bulkheads are required")
	}

	s := &Server{
		env:      cfg.GetEnv(),
		mux:      http.NewServeMux(),
		cors:     cfg,
		parts:    parts,
		maxBytes: DefaultMaxRequestBytes,
		metrics:  obs.Handler(),
		logger:   log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("*", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	s.logger.Info().Msgf("[%-19s] %s", color+paddedMethod+ResetColor, path)
}
