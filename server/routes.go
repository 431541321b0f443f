package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-secure-gateway/audit"
	"github.com/jrsteele09/go-secure-gateway/bulkhead"
	"github.com/jrsteele09/go-secure-gateway/cache"
	"github.com/jrsteele09/go-secure-gateway/circuit"
	"github.com/jrsteele09/go-secure-gateway/csrf"
	"github.com/jrsteele09/go-secure-gateway/gateway"
)

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())

	s.RegisterRouteHandler("GET "+RouteSession, ChainMiddleware(s.SessionStatusHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteSession, ChainMiddleware(s.SessionLoginHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("DELETE "+RouteSession, ChainMiddleware(s.SessionLogoutHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("OPTIONS "+RouteSession, ChainMiddleware(noContent, s.APIMiddleware()...))

	s.RegisterRouteHandler("GET "+RouteStatus, ChainMiddleware(s.StatusHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteMetrics, s.metrics)

	s.RegisterRouteHandler(RouteAPI, ChainMiddleware(s.ProxyHandler(), s.APIMiddleware()...))
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type sessionRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	Authenticated  bool      `json:"authenticated"`
	Subject        string    `json:"subject,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt,omitzero"`
	LastActivityAt time.Time `json:"lastActivityAt,omitzero"`
}

// SessionLoginHandler stores a token pair obtained by the caller's login flow.
func (s *Server) SessionLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", "body must be a JSON token pair", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.AccessToken) == "" {
			writeJSONError(w, "invalid_request", "accessToken is required", http.StatusBadRequest)
			return
		}

		tok, err := s.parts.Tokens.Set(r.Context(), req.AccessToken, req.RefreshToken)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to store session tokens")
			writeJSONError(w, "server_error", "could not store tokens", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse{
			Authenticated:  true,
			Subject:        tok.Subject,
			SessionID:      tok.SessionID,
			ExpiresAt:      tok.ExpiresAt,
			LastActivityAt: tok.LastActivityAt,
		})
	}
}

func (s *Server) SessionStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := s.parts.Tokens.Peek(r.Context())
		if err != nil {
			writeJSON(w, http.StatusOK, sessionResponse{})
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{
			Authenticated:  true,
			Subject:        tok.Subject,
			SessionID:      tok.SessionID,
			ExpiresAt:      tok.ExpiresAt,
			LastActivityAt: tok.LastActivityAt,
		})
	}
}

func (s *Server) SessionLogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.parts.Gateway.Logout(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("logout failed")
			writeJSONError(w, "server_error", "logout did not complete", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// StatusReport is the body of GET /status.
type StatusReport struct {
	Authenticated bool              `json:"authenticated"`
	Circuits      []circuit.Metrics `json:"circuits"`
	Bulkheads     []bulkhead.Stats  `json:"bulkheads"`
	Cache         *cache.Stats      `json:"cache,omitempty"`
	Audit         *audit.Status     `json:"audit,omitempty"`
}

func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := StatusReport{
			Authenticated: s.parts.Tokens.IsValid(r.Context()),
			Circuits:      s.parts.Breakers.Snapshot(),
			Bulkheads:     s.parts.Bulkheads.Stats(),
		}
		if s.parts.Cache != nil {
			st := s.parts.Cache.Stats()
			report.Cache = &st
		}
		if s.parts.Audit != nil {
			st := s.parts.Audit.Status()
			report.Audit = &st
		}
		writeJSON(w, http.StatusOK, report)
	}
}

var forwardedRequestHeaders = []string{"Accept", "Accept-Language", "Content-Type", "If-None-Match"}

// ProxyHandler sends the request to the backend through the gateway.
func (s *Server) ProxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBytes))
		if err != nil {
			writeJSONError(w, "request_too_large", "request body exceeds the limit", http.StatusRequestEntityTooLarge)
			return
		}

		header := http.Header{}
		for _, name := range forwardedRequestHeaders {
			if v := r.Header.Values(name); len(v) > 0 {
				header[http.CanonicalHeaderKey(name)] = append([]string(nil), v...)
			}
		}
		// A caller supplied CSRF token is forwarded; the guard never overwrites it.
		if v := r.Header.Get(csrf.HeaderName); v != "" {
			header.Set(csrf.HeaderName, v)
		}

		path := "/" + r.PathValue("path")
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}

		resp, err := s.parts.Gateway.Do(r.Context(), &gateway.Request{
			Method:   r.Method,
			Path:     path,
			Header:   header,
			Body:     body,
			Priority: priorityOf(r),
		})
		if err != nil {
			s.writeGatewayError(w, r, err)
			return
		}

		copyResponseHeaders(w.Header(), resp.Header)
		if resp.FromCache {
			w.Header().Set(HeaderCache, "HIT")
		} else {
			w.Header().Set(HeaderCache, "MISS")
		}
		if resp.Shared {
			w.Header().Set(HeaderShared, "true")
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	}
}

func priorityOf(r *http.Request) int {
	p, err := strconv.Atoi(strings.TrimSpace(r.Header.Get(HeaderPriority)))
	if err != nil {
		return 0
	}
	return p
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Length":    {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Set-Cookie":        {},
	"Te":                {},
	"Trailer":           {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

func copyResponseHeaders(dst, src http.Header) {
	for k, v := range src {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		dst[k] = append([]string(nil), v...)
	}
}
