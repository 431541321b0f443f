package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/jrsteele09/go-secure-gateway/bulkhead"
	"github.com/jrsteele09/go-secure-gateway/circuit"
	"github.com/jrsteele09/go-secure-gateway/gateway"
	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/token"
)

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

// writeGatewayError turns a gateway failure into an HTTP answer. Upstream answers
// are passed through unchanged.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr *gateway.HTTPError
	if errors.As(err, &httpErr) {
		copyResponseHeaders(w.Header(), httpErr.Header)
		w.WriteHeader(httpErr.StatusCode)
		_, _ = w.Write(httpErr.Body)
		return
	}

	var openErr *circuit.OpenError
	var rejected *bulkhead.RejectedError
	switch {
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(openErr.RetryAfter.Seconds()))))
		writeJSONError(w, "circuit_open", "backend temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, circuit.ErrOpen):
		writeJSONError(w, "circuit_open", "backend temporarily unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &rejected), errors.Is(err, bulkhead.ErrRejected):
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, "too_many_requests", "too many requests in flight", http.StatusTooManyRequests)
	case errors.Is(err, token.ErrAuthExpired), errors.Is(err, token.ErrNoToken):
		writeJSONError(w, "unauthorized", "session expired, sign in again", http.StatusUnauthorized)
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, "timeout", "backend did not answer in time", http.StatusGatewayTimeout)
	case errors.Is(err, bulkhead.ErrCancelled), errors.Is(err, context.Canceled):
		// The caller has usually gone; the body is for the odd proxy that waits.
		writeJSONError(w, "cancelled", "request was cancelled", http.StatusServiceUnavailable)
	default:
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("gateway call failed")
		writeJSONError(w, "bad_gateway", "backend call failed", http.StatusBadGateway)
	}
}
